// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package test provides fixtures for exercising the room engine: signing
// servers, users, rooms that build correctly signed events, and an
// in-memory federation peer.
package test

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync/atomic"
)

var userIDCounter uint64

// Server is a signing identity for test events. Every fixture event is
// signed with a real key so the crypto path is exercised end to end.
type Server struct {
	Name       string
	KeyID      string
	PrivateKey ed25519.PrivateKey
}

func NewServer(name string) *Server {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return &Server{
		Name:       name,
		KeyID:      "ed25519:test",
		PrivateKey: key,
	}
}

// User is a user resident on one of the fixture servers.
type User struct {
	ID  string
	Srv *Server
}

// NewUser mints a user on the server with a unique localpart.
func (s *Server) NewUser() *User {
	count := atomic.AddUint64(&userIDCounter, 1)
	return &User{
		ID:  fmt.Sprintf("@user%d:%s", count, s.Name),
		Srv: s,
	}
}

// UserWithName makes a user with a fixed localpart, for tests where the
// identity matters to the scenario.
func (s *Server) UserWithName(localpart string) *User {
	return &User{
		ID:  fmt.Sprintf("@%s:%s", localpart, s.Name),
		Srv: s,
	}
}
