// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package perform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	fedapi "github.com/arbormsg/arbor/federationapi/api"
	"github.com/arbormsg/arbor/roomserver/api"
	"github.com/arbormsg/arbor/roomserver/auth"
	"github.com/arbormsg/arbor/roomserver/internal/input"
	"github.com/arbormsg/arbor/roomserver/storage/shared"
	"github.com/arbormsg/arbor/roomserver/types"
	"github.com/arbormsg/arbor/roomserver/version"
)

// Joiner implements joins: the cheap local path when this server already
// participates in the room, otherwise the remote join handshake against a
// resident peer.
type Joiner struct {
	DB         *shared.Database
	ServerName string
	Inputer    *input.Inputer
	FedClient  fedapi.FederationClient
}

func (j *Joiner) PerformJoin(
	ctx context.Context, req *api.PerformJoinRequest, res *api.PerformJoinResponse,
) error {
	roomID, servers, err := j.resolveRoom(ctx, req.RoomIDOrAlias, req.ServerNames)
	if err != nil {
		return err
	}
	res.RoomID = roomID

	info, err := j.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return fmt.Errorf("j.DB.RoomInfo: %w", err)
	}
	if info != nil && !info.Pending {
		// Local path: this server already replicates the DAG, so the join
		// is an ordinary membership event against live state.
		template, err := auth.MembershipTemplate(req.UserID, req.UserID, auth.MembershipJoin)
		if err != nil {
			return err
		}
		_, verdict, err := j.Inputer.BuildAndAdmit(ctx, roomID, &template)
		if err != nil {
			return err
		}
		res.Verdict = verdict
		if verdict.IsAllowed() || len(servers) == 0 {
			return nil
		}
		// A denied local join can still succeed remotely, e.g. when local
		// state is stale and a resident knows about an invite.
	}

	return j.performRemoteJoin(ctx, req.UserID, roomID, servers, res)
}

// resolveRoom turns a room ID or alias into a room ID plus candidate
// resident servers. Aliases resolve locally first, then via the server
// named in the alias domain.
func (j *Joiner) resolveRoom(
	ctx context.Context, roomIDOrAlias string, servers []string,
) (string, []string, error) {
	if strings.HasPrefix(roomIDOrAlias, "!") {
		return roomIDOrAlias, servers, nil
	}
	if !strings.HasPrefix(roomIDOrAlias, "#") {
		return "", nil, fmt.Errorf("%q is neither a room ID nor an alias", roomIDOrAlias)
	}

	if roomID, err := j.DB.RoomIDForAlias(ctx, roomIDOrAlias); err != nil {
		return "", nil, fmt.Errorf("j.DB.RoomIDForAlias: %w", err)
	} else if roomID != "" {
		return roomID, servers, nil
	}

	domain := roomIDOrAlias[strings.IndexByte(roomIDOrAlias, ':')+1:]
	if domain == j.ServerName {
		return "", nil, types.ErrAliasNotFound
	}
	roomID, aliasServers, err := j.FedClient.LookupRoomAlias(ctx, domain, roomIDOrAlias)
	if err != nil {
		return "", nil, fmt.Errorf("j.FedClient.LookupRoomAlias: %w", err)
	}
	return roomID, append(servers, aliasServers...), nil
}

// performRemoteJoin runs the join handshake against each candidate in
// turn. A refusal or outage from one resident moves to the next; only
// running out of candidates fails the join.
func (j *Joiner) performRemoteJoin(
	ctx context.Context, userID, roomID string, servers []string, res *api.PerformJoinResponse,
) error {
	candidates := dedupe(servers, j.ServerName)
	if len(candidates) == 0 {
		return types.ErrNoCandidates
	}
	for _, server := range candidates {
		verdict, err := j.joinVia(ctx, server, userID, roomID)
		if err != nil {
			logrus.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
				"room_id": roomID,
				"server":  server,
			}).Warn("Remote join attempt failed, trying next resident")
			continue
		}
		res.Verdict = verdict
		return nil
	}
	return fmt.Errorf("all resident servers refused or were unreachable for %s", roomID)
}

// joinVia runs the full handshake against one resident: fetch a join
// template, sign it locally, submit it, then ingest the auth chain by
// ordinary admission and install the returned snapshot as the seed.
func (j *Joiner) joinVia(ctx context.Context, server, userID, roomID string) (types.Authorization, error) {
	proto, roomVersion, err := j.FedClient.MakeJoin(ctx, server, roomID, userID)
	if err != nil {
		return types.Authorization{}, fmt.Errorf("j.FedClient.MakeJoin: %w", err)
	}
	roomVer, err := version.GetRoomVersion(version.RoomVersion(roomVersion))
	if err != nil {
		return types.Authorization{}, err
	}

	proto.RoomID = roomID
	proto.Sender = userID
	proto.StateKey = &userID
	proto.Type = auth.MRoomMember
	proto.Origin = j.ServerName
	proto.OriginServerTS = time.Now().UnixMilli()
	if len(proto.Content) == 0 {
		proto.Content, _ = json.Marshal(map[string]string{"membership": auth.MembershipJoin})
	}

	unsigned, err := json.Marshal(proto)
	if err != nil {
		return types.Authorization{}, fmt.Errorf("json.Marshal: %w", err)
	}
	signed, err := roomVer.SignEvent(unsigned, j.Inputer.ServerName, j.Inputer.KeyID, j.Inputer.PrivateKey)
	if err != nil {
		return types.Authorization{}, fmt.Errorf("roomVer.SignEvent: %w", err)
	}
	joinEvent, err := roomVer.NewEventFromUntrustedJSON(signed)
	if err != nil {
		return types.Authorization{}, err
	}

	seed, err := j.FedClient.SendJoin(ctx, server, roomID, joinEvent)
	if err != nil {
		return types.Authorization{}, fmt.Errorf("j.FedClient.SendJoin: %w", err)
	}
	if seed.RoomVersion != "" && seed.RoomVersion != roomVersion {
		return types.Authorization{}, fmt.Errorf(
			"resident %s answered with room version %q, template said %q", server, seed.RoomVersion, roomVersion,
		)
	}

	// The auth chain goes in by ordinary admission, oldest first; its
	// first event must be the create event or the room cannot
	// materialise.
	if err := j.ingestAuthChain(ctx, server, roomID, roomVersion, roomVer, seed.AuthChain); err != nil {
		return types.Authorization{}, err
	}

	seedJSON := seed.JoinEvent
	if len(seedJSON) == 0 {
		seedJSON = joinEvent.JSON
	}
	return j.Inputer.AddSeed(ctx, &input.SeedRequest{
		RoomID:      roomID,
		RoomVersion: roomVersion,
		SeedJSON:    seedJSON,
		StateJSON:   seed.StateEvents,
		From:        server,
	})
}

func (j *Joiner) ingestAuthChain(
	ctx context.Context, server, roomID, roomVersion string,
	roomVer *version.RoomVersionImpl, chain []json.RawMessage,
) error {
	events := make([]*types.Event, 0, len(chain))
	for _, eventJSON := range chain {
		event, err := roomVer.NewEventFromUntrustedJSON(eventJSON)
		if err != nil {
			return fmt.Errorf("unparseable auth chain event from %s: %w", server, err)
		}
		events = append(events, event)
	}
	ordered := auth.TopologicalSort(events)
	if len(ordered) == 0 || ordered[0].Type != auth.MRoomCreate {
		return &types.ForbiddenError{
			Server: server,
			Reason: "auth chain does not start at a create event",
		}
	}

	inputs := make([]api.InputRoomEvent, 0, len(ordered))
	for _, event := range ordered {
		inputs = append(inputs, api.InputRoomEvent{
			Kind:        api.KindNew,
			RoomID:      roomID,
			RoomVersion: roomVersion,
			EventJSON:   event.JSON,
			Origin:      server,
		})
	}
	var res api.InputRoomEventsResponse
	j.Inputer.InputRoomEvents(ctx, &api.InputRoomEventsRequest{InputRoomEvents: inputs}, &res)
	return res.Err()
}

func dedupe(servers []string, exclude string) []string {
	seen := map[string]struct{}{exclude: {}}
	out := make([]string, 0, len(servers))
	for _, server := range servers {
		if _, ok := seen[server]; ok {
			continue
		}
		seen[server] = struct{}{}
		out = append(out, server)
	}
	return out
}
