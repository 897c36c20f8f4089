// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the top-level server configuration.
type Config struct {
	Global     Global     `yaml:"global"`
	RoomServer RoomServer `yaml:"room_server"`
	SyncAPI    SyncAPI    `yaml:"sync_api"`
}

// DataSource is a database connection string. "file:" or a bare path selects
// SQLite, "postgres:" selects Postgres.
type DataSource string

// DatabaseOptions carries the connection settings for one component database.
type DatabaseOptions struct {
	ConnectionString DataSource `yaml:"connection_string"`
}

// Global holds the settings every component needs.
type Global struct {
	// ServerName is the domain this server signs events as, e.g. "arbor.dev".
	ServerName string `yaml:"server_name"`

	// PrivateKeyPath points at the PEM-encoded ed25519 signing key.
	PrivateKeyPath string `yaml:"private_key"`

	// KeyID identifies the signing key in event signature blocks.
	KeyID string `yaml:"key_id"`

	PrivateKey ed25519.PrivateKey `yaml:"-"`

	// DatabaseOptions, when set, is shared by all components.
	DatabaseOptions DatabaseOptions `yaml:"database,omitempty"`

	JetStream JetStream `yaml:"jetstream"`

	Sentry Sentry `yaml:"sentry"`

	// DefaultRoomVersion overrides the built-in default for new rooms.
	DefaultRoomVersion string `yaml:"default_room_version,omitempty"`
}

// Sentry configures crash reporting. Disabled unless a DSN is set.
type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// JetStream configures the embedded or external NATS instance.
type JetStream struct {
	// Addresses of an external NATS deployment. Empty means run embedded.
	Addresses []string `yaml:"addresses"`
	// StoragePath for the embedded server's stream data.
	StoragePath string `yaml:"storage_path"`
	// InMemory keeps embedded streams off disk, used by tests.
	InMemory bool `yaml:"in_memory"`
	// TopicPrefix is prepended to every subject, default "Arbor".
	TopicPrefix string `yaml:"topic_prefix"`
}

func (c *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", c.TopicPrefix, name)
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.TopicPrefix = "Arbor"
	if opts.Generate {
		c.StoragePath = "./jetstream"
		c.InMemory = opts.SingleDatabase
	}
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.jetstream.topic_prefix", c.TopicPrefix)
}

type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

func (c *Global) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.ServerName = "localhost"
		c.PrivateKeyPath = "arbor_key.pem"
		_, key, _ := ed25519.GenerateKey(rand.Reader)
		c.PrivateKey = key
		c.KeyID = "ed25519:auto"
	}
	c.JetStream.Defaults(opts)
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", c.ServerName)
	checkNotEmpty(configErrs, "global.key_id", c.KeyID)
	if c.PrivateKey == nil {
		checkNotEmpty(configErrs, "global.private_key", c.PrivateKeyPath)
	}
	c.JetStream.Verify(configErrs)
}

// ConfigErrors collects every problem found during verification so they can
// all be reported in one pass.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// Load reads, parses and verifies the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	return loadConfig(data)
}

func loadConfig(data []byte) (*Config, error) {
	var cfg Config
	cfg.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal: %w", err)
	}
	if cfg.Global.PrivateKeyPath != "" {
		key, err := loadPrivateKey(cfg.Global.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		cfg.Global.PrivateKey = key
	}
	cfg.Wiring()
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Wiring points each component section back at the global section.
func (c *Config) Wiring() {
	c.RoomServer.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
}

func (c *Config) Defaults(opts DefaultOpts) {
	c.Global.Defaults(opts)
	c.RoomServer.Defaults(opts)
	c.SyncAPI.Defaults(opts)
}

func (c *Config) Verify() error {
	var configErrs ConfigErrors
	c.Global.Verify(&configErrs)
	c.RoomServer.Verify(&configErrs)
	c.SyncAPI.Verify(&configErrs)
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

const privateKeyPEMType = "ARBOR PRIVATE KEY"

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || !strings.Contains(block.Type, "PRIVATE KEY") {
		return nil, fmt.Errorf("no private key PEM block in %q", path)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key in %q has wrong length %d", path, len(block.Bytes))
	}
	return ed25519.NewKeyFromSeed(block.Bytes), nil
}

// SavePrivateKey writes a generated key in the PEM form loadPrivateKey reads.
func SavePrivateKey(path string, key ed25519.PrivateKey) error {
	block := &pem.Block{
		Type:  privateKeyPEMType,
		Bytes: key.Seed(),
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("os.OpenFile: %w", err)
	}
	defer f.Close() // nolint: errcheck
	return pem.Encode(f, block)
}
