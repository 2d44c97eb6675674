package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agies-dev/agies-guard/internal/api"
	"github.com/agies-dev/agies-guard/internal/app"
	"github.com/agies-dev/agies-guard/internal/config"
	"github.com/agies-dev/agies-guard/internal/server"
	"github.com/agies-dev/agies-guard/internal/vault"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGIES_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "agies-guardd:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	users, _ := a.Store.Users()
	logger.Info("engine started", zap.Int("users", len(users)), zap.String("data_dir", cfg.DataDir))

	if err := a.Guardian.Start(); err != nil {
		_ = a.Close()
		return err
	}

	errCh := make(chan error, 2)

	var router *server.Router
	if cfg.Server.TCPPort > 0 {
		router = server.NewRouter(a.Guardian, logger)
		if !cfg.Server.DisableTLS {
			cert, err := vault.GenerateSelfSignedCert()
			if err != nil {
				_ = a.Close()
				return fmt.Errorf("generate TLS certificate: %w", err)
			}
			router.SetCertificate(cert)
		} else {
			logger.Warn("TLS disabled for the TCP listener")
		}
		go func() {
			if err := router.Listen(strconv.Itoa(cfg.Server.TCPPort)); err != nil {
				errCh <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.Server.HTTPPort),
		Handler: api.NewEngine(a.Guardian, api.Options{
			Logger:            logger,
			Gatherer:          a.Registry,
			RequestsPerSecond: cfg.API.RequestsPerSecond,
			Burst:             cfg.API.Burst,
			CORSOrigin:        cfg.API.CORSOrigin,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("http api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if router != nil {
		if err := router.Stop(); err != nil {
			logger.Debug("tcp listener close", zap.Error(err))
		}
	}
	if err := a.Close(); err != nil {
		logger.Warn("closing guard", zap.Error(err))
	}
	logger.Info("persistence complete, exiting")
	return runErr
}
