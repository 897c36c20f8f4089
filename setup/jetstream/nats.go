// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/arbormsg/arbor/setup/config"
	"github.com/arbormsg/arbor/setup/process"
)

// NATSInstance holds the embedded server, if one is running, so repeated
// Prepare calls share it.
type NATSInstance struct {
	*natsserver.Server
	nc *natsclient.Conn
	js natsclient.JetStreamContext
	sync.Mutex
}

// Prepare connects to NATS, starting an embedded server first when no
// external addresses are configured, and ensures all streams exist.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn) {
	s.Lock()
	defer s.Unlock()
	if s.Server == nil && len(cfg.Addresses) == 0 {
		opts := &natsserver.Options{
			ServerName:       "arbor",
			DontListen:       true,
			JetStream:        true,
			StoreDir:         cfg.StoragePath,
			DisableJetStreamBanner: true,
		}
		server, err := natsserver.NewServer(opts)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to create NATS server")
		}
		server.ConfigureLogger()
		go func() {
			process.ComponentStarted()
			server.Start()
		}()
		if !server.ReadyForConnections(time.Second * 60) {
			logrus.Fatal("NATS server did not start in time")
		}
		go func() {
			<-process.WaitForShutdown()
			server.Shutdown()
			server.WaitForShutdown()
			process.ComponentFinished()
		}()
		s.Server = server
	}
	if s.nc == nil {
		nc, err := s.connect(cfg)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to NATS")
		}
		s.nc = nc
	}
	if s.js == nil {
		s.js = setupJetStream(cfg, s.nc)
	}
	return s.js, s.nc
}

func (s *NATSInstance) connect(cfg *config.JetStream) (*natsclient.Conn, error) {
	if len(cfg.Addresses) > 0 {
		return natsclient.Connect(strings.Join(cfg.Addresses, ","))
	}
	return natsclient.Connect("", natsclient.InProcessServer(s.Server))
}

func setupJetStream(cfg *config.JetStream, nc *natsclient.Conn) natsclient.JetStreamContext {
	js, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Fatal("Unable to get JetStream context")
	}
	for _, stream := range streams {
		streamCfg := prefixed(cfg, stream)
		if _, err = js.StreamInfo(streamCfg.Name); err != nil {
			if _, err = js.AddStream(streamCfg); err != nil {
				logrus.WithError(err).WithField("stream", streamCfg.Name).Fatal("Unable to add stream")
			}
		}
	}
	return js
}
