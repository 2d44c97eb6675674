package app

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agies-dev/agies-guard/internal/config"
	"github.com/agies-dev/agies-guard/pkg/schema"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Audit.Log = false
	return &cfg
}

func TestOpenDepositsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.MasterKey = hex.EncodeToString(make([]byte, 32))
	ctx := context.Background()

	a, err := Open(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = a.Guardian.Deposit(ctx, "alice", schema.SourceUserInput, schema.DataNote, "n1",
		map[string]any{"title": "t", "content": "c"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	users, err := b.Store.Users()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}

func TestCipher(t *testing.T) {
	logger := zaptest.NewLogger(t)

	c, err := Cipher(config.VaultConfig{}, logger)
	require.NoError(t, err)
	assert.Less(t, c.KeyAge(time.Now()), time.Minute)

	c, err = Cipher(config.VaultConfig{
		MasterKey:    hex.EncodeToString(make([]byte, 32)),
		KeyCreatedAt: "2025-01-01T00:00:00Z",
	}, logger)
	require.NoError(t, err)
	assert.Greater(t, c.KeyAge(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)), 30*24*time.Hour)

	_, err = Cipher(config.VaultConfig{MasterKey: "abcd"}, logger)
	assert.Error(t, err)
}

func TestSinks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.AuditConfig{Log: true}
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()

	sinks, err := Sinks(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Len(t, sinks, 2)

	cfg.Redis.Addr = "127.0.0.1:1"
	_, err = Sinks(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
