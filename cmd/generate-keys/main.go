// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"

	"github.com/arbormsg/arbor/setup/config"
)

var privateKeyPath = flag.String("private-key", "arbor_key.pem", "Filename to save the private key to")

func main() {
	flag.Parse()

	if _, err := os.Stat(*privateKeyPath); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists, refusing to overwrite\n", *privateKeyPath)
		os.Exit(1)
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
		os.Exit(1)
	}
	if err := config.SavePrivateKey(*privateKeyPath, key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to save key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created private key file: %s\n", *privateKeyPath)
}
