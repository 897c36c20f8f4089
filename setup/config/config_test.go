// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "arbor_key.pem")
	require.NoError(t, SavePrivateKey(path, key))
	return path, key
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	keyPath, key := writeTestKey(t)

	cfg, err := loadConfig([]byte(fmt.Sprintf(`
global:
  server_name: arbor.dev
  key_id: "ed25519:a"
  private_key: %s
  database:
    connection_string: file:arbor.db
`, keyPath)))
	require.NoError(t, err)

	assert.Equal(t, "arbor.dev", cfg.Global.ServerName)
	assert.Equal(t, "ed25519:a", cfg.Global.KeyID)
	assert.Equal(t, key, cfg.Global.PrivateKey)
	assert.Equal(t, DataSource("file:arbor.db"), cfg.Global.DatabaseOptions.ConnectionString)

	// Defaults fill whatever the file leaves out.
	assert.Equal(t, 100, cfg.RoomServer.MaxBackfillBatch)
	assert.Equal(t, int64(1000), cfg.RoomServer.MaxMissingDepthSpan)
	assert.Equal(t, 30*time.Second, cfg.SyncAPI.MaxTimeout)
	assert.Equal(t, 50, cfg.SyncAPI.MaxStreamBatch)
	assert.Equal(t, "Arbor", cfg.Global.JetStream.TopicPrefix)

	// Wiring points the component sections back at global.
	assert.Same(t, &cfg.Global, cfg.RoomServer.Matrix)
	assert.Same(t, &cfg.Global, cfg.SyncAPI.Matrix)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Parallel()
	keyPath, _ := writeTestKey(t)

	cfg, err := loadConfig([]byte(fmt.Sprintf(`
global:
  server_name: arbor.dev
  key_id: "ed25519:a"
  private_key: %s
  database:
    connection_string: file:arbor.db
  jetstream:
    topic_prefix: Test
  sentry:
    enabled: true
    dsn: https://public@sentry.example.com/1
room_server:
  max_backfill_batch: 7
sync_api:
  max_timeout: 5s
  database:
    connection_string: file:sync.db
`, keyPath)))
	require.NoError(t, err)

	assert.Equal(t, "Test", cfg.Global.JetStream.TopicPrefix)
	assert.True(t, cfg.Global.Sentry.Enabled)
	assert.Equal(t, 7, cfg.RoomServer.MaxBackfillBatch)
	assert.Equal(t, 5*time.Second, cfg.SyncAPI.MaxTimeout)
	assert.Equal(t, DataSource("file:sync.db"), cfg.SyncAPI.Database.ConnectionString)
}

func TestLoadConfigMissingServerName(t *testing.T) {
	t.Parallel()
	keyPath, _ := writeTestKey(t)
	_, err := loadConfig([]byte(fmt.Sprintf(`
global:
  key_id: "ed25519:a"
  private_key: %s
  database:
    connection_string: file:arbor.db
`, keyPath)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global.server_name")
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	t.Parallel()
	_, err := loadConfig([]byte("global: [not, a, mapping"))
	assert.Error(t, err)
}

func TestVerifyCollectsAllProblems(t *testing.T) {
	t.Parallel()
	var cfg Config
	cfg.Wiring()
	err := cfg.Verify()
	require.Error(t, err)

	var errs ConfigErrors
	require.ErrorAs(t, err, &errs)
	assert.Greater(t, len(errs), 1)
	assert.Contains(t, err.Error(), "other problems")
}

func TestPrefixed(t *testing.T) {
	t.Parallel()
	js := JetStream{TopicPrefix: "Arbor"}
	assert.Equal(t, "ArborOutputRoomEvent", js.Prefixed("OutputRoomEvent"))
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	t.Parallel()
	path, key := writeTestKey(t)
	loaded, err := loadPrivateKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, loaded)

	message := []byte("sign me")
	sig := ed25519.Sign(loaded, message)
	assert.True(t, ed25519.Verify(key.Public().(ed25519.PublicKey), message, sig))
}

func TestLoadPrivateKeyRejectsGarbage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "not_a_key.pem")
	require.NoError(t, os.WriteFile(path, []byte("not pem at all"), 0o600))
	_, err := loadPrivateKey(path)
	assert.Error(t, err)
}

func TestComponentDatabaseFallback(t *testing.T) {
	t.Parallel()
	keyPath, _ := writeTestKey(t)

	// No per-component database, no global database: that is an error.
	_, err := loadConfig([]byte(fmt.Sprintf(`
global:
  server_name: arbor.dev
  key_id: "ed25519:a"
  private_key: %s
`, keyPath)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection_string")
}
