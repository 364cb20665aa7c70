package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "forgeq.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.OwnerSlotLimit)
	assert.Equal(t, int64(64), cfg.GlobalConcurrency)
	assert.Equal(t, 30*time.Minute, cfg.DefaultJobTimeout)
	assert.Equal(t, 10*time.Second, cfg.CancelGracePeriod)
	assert.Equal(t, 720*time.Hour, cfg.RetentionWindow)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("FORGEQ_OWNER_SLOT_LIMIT", "7")
	t.Setenv("FORGEQ_DB_PATH", "/tmp/override.db")
	t.Setenv("FORGEQ_DEFAULT_JOB_TIMEOUT", "5m")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.OwnerSlotLimit)
	assert.Equal(t, "/tmp/override.db", cfg.DBPath)
	assert.Equal(t, 5*time.Minute, cfg.DefaultJobTimeout)
}

func TestLoad_FileThenFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forgeq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9999\"\nowner_slot_limit: 5\n"), 0o644))

	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--config", path, "--listen_addr", ":7777"}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.ListenAddr, "a set flag beats the file")
	assert.Equal(t, 5, cfg.OwnerSlotLimit, "unset flags do not clobber file values")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("FORGEQ_OWNER_SLOT_LIMIT", "0")
	_, err := Load(nil)
	assert.Error(t, err)
}
