package sdk

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/internal/app"
	"github.com/agies-dev/agies-guard/internal/config"
)

// Environment variables read by New.
const (
	EnvAddr       = "AGIES_GUARD_ADDR"
	EnvDisableTLS = "AGIES_GUARD_DISABLE_TLS"
)

// New returns a Guard for the environment: a remote client when
// AGIES_GUARD_ADDR is set and reachable, otherwise an embedded guard loaded
// from configPath (which may be empty).
func New(ctx context.Context, configPath string, logger *zap.Logger) (Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if addr := os.Getenv(EnvAddr); addr != "" {
		client, err := Connect(addr,
			WithTLS(os.Getenv(EnvDisableTLS) != "true"),
			WithClientLogger(logger),
		)
		if err == nil {
			return client, nil
		}
		logger.Warn("remote guard unreachable, falling back to embedded mode",
			zap.String("addr", addr), zap.Error(err))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Guardian.Start(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return Embed(a), nil
}
