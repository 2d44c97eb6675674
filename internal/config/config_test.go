package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7080, cfg.Server.HTTPPort)
	assert.Equal(t, 3, cfg.Oneway.MaxExitAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Oneway.TimeWindow)
	assert.Equal(t, 0.7, cfg.Threat.ConfidenceThreshold)
	assert.Equal(t, time.Hour, cfg.Threat.HistoryWindow)
	assert.Len(t, cfg.Threat.KnownBadSources, 3)
	assert.True(t, cfg.Audit.Log)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
server:
  http_port: 9000
oneway:
  exit_cooldown: 1m
  max_exit_attempts: 4
threat:
  learning_rate: 0.2
`), 0600))

	t.Setenv("AGIES_ONEWAY__MAX_EXIT_ATTEMPTS", "6")
	t.Setenv("AGIES_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, time.Minute, cfg.Oneway.ExitCooldown)
	assert.Equal(t, 6, cfg.Oneway.MaxExitAttempts)
	assert.Equal(t, 0.2, cfg.Threat.LearningRate)
	assert.Equal(t, 5, cfg.Oneway.MaxEntryAttempts)
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	bad := Defaults()
	bad.Server.HTTPPort = 0
	bad.Oneway.MaxExitAttempts = 0
	bad.Audit.Redis.Enabled = true
	bad.Audit.Redis.Addr = ""
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_port")
	assert.Contains(t, err.Error(), "max exit attempts")
	assert.Contains(t, err.Error(), "audit.redis.addr")
}

func TestSectionConversions(t *testing.T) {
	cfg := Defaults()
	ow := cfg.Oneway.Engine()
	assert.Equal(t, cfg.Oneway.TimeWindow, ow.TimeWindow)
	assert.True(t, ow.HardwareKeyRequired)

	th := cfg.Threat.Classifier()
	assert.Equal(t, cfg.Threat.AnomalyWindow, th.AnomalyWindow)
	th.KnownBadSources[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Threat.KnownBadSources[0])
}

func TestGuardConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Vault.RotationInterval = 48 * time.Hour
	cfg.Audit.MemoryCapacity = 50

	g := cfg.Guard()
	assert.Equal(t, cfg.Oneway.MaxExitAttempts, g.Oneway.MaxExitAttempts)
	assert.Equal(t, cfg.Threat.LearningRate, g.Threat.LearningRate)
	assert.Equal(t, 48*time.Hour, g.Maintenance.RotationInterval)
	assert.Equal(t, time.Minute, g.Maintenance.TokenSweepInterval)
	assert.Equal(t, 50, g.RecentEvents)
	assert.NoError(t, g.Oneway.Validate())
}
