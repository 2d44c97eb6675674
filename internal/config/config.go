// Package config loads daemon configuration from defaults, an optional YAML
// file and AGIES_-prefixed environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/agies-dev/agies-guard/internal/guard"
	"github.com/agies-dev/agies-guard/internal/oneway"
	"github.com/agies-dev/agies-guard/internal/threat"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: AGIES_ONEWAY__MAX_EXIT_ATTEMPTS=5.
const EnvPrefix = "AGIES_"

type Config struct {
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`
	DataDir     string `koanf:"data_dir"`

	Server      ServerConfig      `koanf:"server"`
	API         APIConfig         `koanf:"api"`
	Vault       VaultConfig       `koanf:"vault"`
	Oneway      OnewayConfig      `koanf:"oneway"`
	Threat      ThreatConfig      `koanf:"threat"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
	Audit       AuditConfig       `koanf:"audit"`
}

type ServerConfig struct {
	HTTPPort        int           `koanf:"http_port"`
	TCPPort         int           `koanf:"tcp_port"`
	DisableTLS      bool          `koanf:"disable_tls"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type APIConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
	CORSOrigin        string  `koanf:"cors_origin"`
}

type VaultConfig struct {
	// MasterKey is hex encoded. Empty generates an ephemeral key.
	MasterKey string `koanf:"master_key"`
	// KeyCreatedAt is RFC 3339. Empty means the key was created at startup.
	KeyCreatedAt     string        `koanf:"key_created_at"`
	RotationInterval time.Duration `koanf:"rotation_interval"`
}

type OnewayConfig struct {
	EntryVerificationLevels int           `koanf:"entry_verification_levels"`
	MaxEntryAttempts        int           `koanf:"max_entry_attempts"`
	EntryCooldown           time.Duration `koanf:"entry_cooldown"`
	MaxExitAttempts         int           `koanf:"max_exit_attempts"`
	ExitCooldown            time.Duration `koanf:"exit_cooldown"`
	TimeWindow              time.Duration `koanf:"time_window"`
	MaxStepFailures         int           `koanf:"max_step_failures"`
	BiometricRequired       bool          `koanf:"biometric_required"`
	HardwareKeyRequired     bool          `koanf:"hardware_key_required"`
	MaxEntryLog             int           `koanf:"max_entry_log"`
}

type ThreatConfig struct {
	LearningRate        float64       `koanf:"learning_rate"`
	ConfidenceThreshold float64       `koanf:"confidence_threshold"`
	FeatureLearningRate float64       `koanf:"feature_learning_rate"`
	AnomalyWindow       int           `koanf:"anomaly_window"`
	AnomalyThreshold    float64       `koanf:"anomaly_threshold"`
	HistoryWindow       time.Duration `koanf:"history_window"`
	MaxHistory          int           `koanf:"max_history"`
	MaxSources          int           `koanf:"max_sources"`
	KnownBadSources     []string      `koanf:"known_bad_sources"`
	Seed                int64         `koanf:"seed"`
}

type MaintenanceConfig struct {
	TokenSweepInterval     time.Duration `koanf:"token_sweep_interval"`
	AttemptPruneInterval   time.Duration `koanf:"attempt_prune_interval"`
	AttemptRetention       time.Duration `koanf:"attempt_retention"`
	PatternRescoreInterval time.Duration `koanf:"pattern_rescore_interval"`
	PatternStaleAfter      time.Duration `koanf:"pattern_stale_after"`
	KeyRotationCheck       time.Duration `koanf:"key_rotation_check"`
}

type AuditConfig struct {
	MemoryCapacity int         `koanf:"memory_capacity"`
	Log            bool        `koanf:"log"`
	Redis          RedisConfig `koanf:"redis"`
	NATS           NATSConfig  `koanf:"nats"`
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Stream   string `koanf:"stream"`
	MaxLen   int64  `koanf:"max_len"`
}

type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	ow := oneway.DefaultConfig()
	th := threat.DefaultConfig()
	return Config{
		Environment: "development",
		LogLevel:    "info",
		DataDir:     "./data",
		Server: ServerConfig{
			HTTPPort:        7080,
			TCPPort:         7001,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		API: APIConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			CORSOrigin:        "*",
		},
		Vault: VaultConfig{
			RotationInterval: 90 * 24 * time.Hour,
		},
		Oneway: OnewayConfig{
			EntryVerificationLevels: ow.EntryVerificationLevels,
			MaxEntryAttempts:        ow.MaxEntryAttempts,
			EntryCooldown:           ow.EntryCooldown,
			MaxExitAttempts:         ow.MaxExitAttempts,
			ExitCooldown:            ow.ExitCooldown,
			TimeWindow:              ow.TimeWindow,
			MaxStepFailures:         ow.MaxStepFailures,
			BiometricRequired:       ow.BiometricRequired,
			HardwareKeyRequired:     ow.HardwareKeyRequired,
			MaxEntryLog:             ow.MaxEntryLog,
		},
		Threat: ThreatConfig{
			LearningRate:        th.LearningRate,
			ConfidenceThreshold: th.ConfidenceThreshold,
			FeatureLearningRate: th.FeatureLearningRate,
			AnomalyWindow:       th.AnomalyWindow,
			AnomalyThreshold:    th.AnomalyThreshold,
			HistoryWindow:       th.HistoryWindow,
			MaxHistory:          th.MaxHistory,
			MaxSources:          th.MaxSources,
			KnownBadSources:     th.KnownBadSources,
			Seed:                th.Seed,
		},
		Maintenance: MaintenanceConfig{
			TokenSweepInterval:     time.Minute,
			AttemptPruneInterval:   5 * time.Minute,
			AttemptRetention:       24 * time.Hour,
			PatternRescoreInterval: 10 * time.Minute,
			PatternStaleAfter:      time.Hour,
			KeyRotationCheck:       time.Hour,
		},
		Audit: AuditConfig{
			MemoryCapacity: 1000,
			Log:            true,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Stream: "agies:security-events",
				MaxLen: 100000,
			},
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "agies.security",
			},
		},
	}
}

// Load builds a Config. path may be empty; a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps AGIES_ONEWAY__MAX_EXIT_ATTEMPTS to oneway.max_exit_attempts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.TCPPort < 0 || c.Server.TCPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.tcp_port %d out of range", c.Server.TCPPort))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.API.RequestsPerSecond <= 0 || c.API.Burst <= 0 {
		errs = append(errs, errors.New("api rate limit must be positive"))
	}
	if err := c.Oneway.Engine().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("oneway: %w", err))
	}
	if c.Threat.HistoryWindow <= 0 || c.Threat.MaxHistory <= 0 {
		errs = append(errs, errors.New("threat history window and size must be positive"))
	}
	m := c.Maintenance
	if m.TokenSweepInterval <= 0 || m.AttemptPruneInterval <= 0 || m.PatternRescoreInterval <= 0 || m.KeyRotationCheck <= 0 {
		errs = append(errs, errors.New("maintenance intervals must be positive"))
	}
	if c.Vault.KeyCreatedAt != "" {
		if _, err := time.Parse(time.RFC3339, c.Vault.KeyCreatedAt); err != nil {
			errs = append(errs, fmt.Errorf("vault.key_created_at: %w", err))
		}
	}
	if c.Audit.Redis.Enabled && c.Audit.Redis.Addr == "" {
		errs = append(errs, errors.New("audit.redis.addr is required when redis is enabled"))
	}
	if c.Audit.NATS.Enabled && c.Audit.NATS.URL == "" {
		errs = append(errs, errors.New("audit.nats.url is required when nats is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Engine converts the section to the oneway engine's Config.
func (o OnewayConfig) Engine() oneway.Config {
	return oneway.Config{
		EntryVerificationLevels: o.EntryVerificationLevels,
		MaxEntryAttempts:        o.MaxEntryAttempts,
		EntryCooldown:           o.EntryCooldown,
		MaxExitAttempts:         o.MaxExitAttempts,
		ExitCooldown:            o.ExitCooldown,
		TimeWindow:              o.TimeWindow,
		MaxStepFailures:         o.MaxStepFailures,
		BiometricRequired:       o.BiometricRequired,
		HardwareKeyRequired:     o.HardwareKeyRequired,
		MaxEntryLog:             o.MaxEntryLog,
	}
}

// Classifier converts the section to the classifier's Config.
func (t ThreatConfig) Classifier() threat.Config {
	return threat.Config{
		LearningRate:        t.LearningRate,
		ConfidenceThreshold: t.ConfidenceThreshold,
		FeatureLearningRate: t.FeatureLearningRate,
		AnomalyWindow:       t.AnomalyWindow,
		AnomalyThreshold:    t.AnomalyThreshold,
		HistoryWindow:       t.HistoryWindow,
		MaxHistory:          t.MaxHistory,
		MaxSources:          t.MaxSources,
		KnownBadSources:     append([]string(nil), t.KnownBadSources...),
		Seed:                t.Seed,
	}
}

// Guard assembles the guardian's Config.
func (c *Config) Guard() guard.Config {
	m := c.Maintenance
	return guard.Config{
		Oneway: c.Oneway.Engine(),
		Threat: c.Threat.Classifier(),
		Maintenance: guard.Maintenance{
			TokenSweepInterval:     m.TokenSweepInterval,
			AttemptPruneInterval:   m.AttemptPruneInterval,
			AttemptRetention:       m.AttemptRetention,
			PatternRescoreInterval: m.PatternRescoreInterval,
			PatternStaleAfter:      m.PatternStaleAfter,
			KeyRotationCheck:       m.KeyRotationCheck,
			RotationInterval:       c.Vault.RotationInterval,
		},
		RecentEvents: c.Audit.MemoryCapacity,
	}
}
