// Package app assembles a running guard from a Config: store, cipher, audit
// sinks, metrics and the guardian itself.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/internal/audit"
	"github.com/agies-dev/agies-guard/internal/config"
	"github.com/agies-dev/agies-guard/internal/engine"
	"github.com/agies-dev/agies-guard/internal/guard"
	"github.com/agies-dev/agies-guard/internal/metrics"
	"github.com/agies-dev/agies-guard/internal/vault"
)

// App owns every long-lived component.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Store    *engine.MemStore
	Cipher   *vault.Cipher
	Guardian *guard.Guardian
}

// Open builds an App. Extra options are passed to the guardian.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...guard.Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := engine.Open(cfg.DataDir, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c, err := Cipher(cfg.Vault, logger)
	if err != nil {
		return nil, err
	}

	sinks, err := Sinks(ctx, cfg.Audit, logger)
	if err != nil {
		return nil, err
	}

	gopts := []guard.Option{
		guard.WithLogger(logger.Named("guard")),
		guard.WithMetrics(metrics.New(reg)),
	}
	for _, s := range sinks {
		gopts = append(gopts, guard.WithSink(s))
	}
	g, err := guard.New(cfg.Guard(), store, c, append(gopts, opts...)...)
	if err != nil {
		_ = audit.Multi(sinks).Close()
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Store:    store,
		Cipher:   c,
		Guardian: g,
	}, nil
}

// Cipher builds the vault cipher. An empty master key yields an ephemeral
// one, which makes stored items unreadable after a restart.
func Cipher(cfg config.VaultConfig, logger *zap.Logger) (*vault.Cipher, error) {
	created := time.Now()
	if cfg.KeyCreatedAt != "" {
		t, err := time.Parse(time.RFC3339, cfg.KeyCreatedAt)
		if err != nil {
			return nil, fmt.Errorf("vault.key_created_at: %w", err)
		}
		created = t
	}

	var key []byte
	var err error
	if cfg.MasterKey == "" {
		logger.Warn("no vault.master_key configured; using an ephemeral key")
		key, err = vault.GenerateKey()
	} else {
		key, err = vault.ParseKey(cfg.MasterKey)
	}
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}
	return vault.NewCipher(key, created)
}

// Sinks connects the configured audit sinks. The in-memory ring is owned by
// the guardian and is not included.
func Sinks(ctx context.Context, cfg config.AuditConfig, logger *zap.Logger) ([]audit.Sink, error) {
	var sinks []audit.Sink
	if cfg.Log {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	if cfg.Redis.Enabled {
		s, err := audit.NewRedisStreamSink(ctx, audit.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("redis audit sink: %w", err), audit.Multi(sinks).Close())
		}
		sinks = append(sinks, s)
		logger.Info("redis audit sink connected", zap.String("addr", cfg.Redis.Addr))
	}
	if cfg.NATS.Enabled {
		s, err := audit.DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("nats audit sink: %w", err), audit.Multi(sinks).Close())
		}
		sinks = append(sinks, s)
		logger.Info("nats audit sink connected", zap.String("url", cfg.NATS.URL))
	}
	return sinks, nil
}

// Close stops the guardian and waits for pending disk writes.
func (a *App) Close() error {
	err := a.Guardian.Close()
	a.Store.Wait()
	return err
}
