package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enruana/claude-orka-sub000/internal/common/constants"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8600, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Journal.Driver)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "tmux", cfg.Terminal.Driver)
	assert.True(t, cfg.Watchdog.Enabled)
}

func TestWriteTimeoutClearsInstructCeiling(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	// Instruct holds the connection for the lock wait plus the oracle
	// ceiling before the response body is written.
	longest := constants.InstructionLockWait + constants.OracleTimeout
	assert.Greater(t, cfg.Server.WriteTimeoutDuration(), longest)
}

func TestEnvOverridesServerTimeouts(t *testing.T) {
	t.Setenv("ORKA_SERVER_READ_TIMEOUT", "15")
	t.Setenv("ORKA_SERVER_WRITE_TIMEOUT", "240")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Server.ReadTimeout)
	assert.Equal(t, 240, cfg.Server.WriteTimeout)
}

func TestValidateRejectsBadJournalDriver(t *testing.T) {
	t.Setenv("ORKA_JOURNAL_DRIVER", "mysql")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal.driver")
}
