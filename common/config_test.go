package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
identity = "frodo.me"
owner_email = "frodo@shire.org"
owner_token = "secret"
environment = "Production"
base_url = "https://frodo.me"
storage = "badger:///var/lib/recovery"

[peer]
key_file = "/etc/recovery/peer.pem"
directory_file = "/etc/recovery/peers.json"

[email]
enabled = true
sender = "no-reply@frodo.me"
nonce_ttl = "30m"

[verifier]
parallelism = 8
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recovery.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("RECOVERY_VERIFIER_TIMEOUT", "3s")
	t.Setenv("RECOVERY_EMAIL_ENABLED", "false")

	cfg, err := LoadConfig(path, "RECOVERY_")
	require.NoError(t, err)

	assert.Equal(t, "frodo.me", cfg.Identity)
	assert.True(t, cfg.Production())
	assert.Equal(t, 30*time.Minute, cfg.Email.NonceTTL)
	assert.False(t, cfg.Email.Enabled, "environment overrides the file")
	assert.Equal(t, 8, cfg.Verifier.Parallelism)
	assert.Equal(t, 3*time.Second, cfg.Verifier.Timeout)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.Retention)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", "RECOVERY_TEST_")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.False(t, cfg.Production())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Identity = "not a domain"
	cfg.Environment = "staging"
	cfg.Email.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
	for _, msg := range []string{"identity", "staging", "owner token", "peer key file", "sender"} {
		assert.ErrorContains(t, err, msg)
	}
}

func TestLoadConfig_BadFile(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "identity = "), "RECOVERY_")
	assert.Error(t, err)
}
