// Package guard is the facade over the threat pipeline, the one-way access
// engine, the protected store and the audit sinks.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/internal/audit"
	"github.com/agies-dev/agies-guard/internal/engine"
	"github.com/agies-dev/agies-guard/internal/metrics"
	"github.com/agies-dev/agies-guard/internal/oneway"
	"github.com/agies-dev/agies-guard/internal/threat"
	"github.com/agies-dev/agies-guard/internal/vault"
	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Maintenance sets the periodic task intervals.
type Maintenance struct {
	TokenSweepInterval     time.Duration
	AttemptPruneInterval   time.Duration
	AttemptRetention       time.Duration
	PatternRescoreInterval time.Duration
	PatternStaleAfter      time.Duration
	KeyRotationCheck       time.Duration
	RotationInterval       time.Duration
}

// DefaultMaintenance returns the stock task intervals.
func DefaultMaintenance() Maintenance {
	return Maintenance{
		TokenSweepInterval:     time.Minute,
		AttemptPruneInterval:   5 * time.Minute,
		AttemptRetention:       24 * time.Hour,
		PatternRescoreInterval: 10 * time.Minute,
		PatternStaleAfter:      time.Hour,
		KeyRotationCheck:       time.Hour,
		RotationInterval:       90 * 24 * time.Hour,
	}
}

// Config assembles the settings of every component.
type Config struct {
	Oneway       oneway.Config
	Threat       threat.Config
	Maintenance  Maintenance
	RecentEvents int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Oneway:       oneway.DefaultConfig(),
		Threat:       threat.DefaultConfig(),
		Maintenance:  DefaultMaintenance(),
		RecentEvents: 1000,
	}
}

type options struct {
	logger    *zap.Logger
	now       func() time.Time
	rng       *rand.Rand
	metrics   *metrics.Metrics
	sinks     []audit.Sink
	verifiers map[schema.Step]oneway.StepVerifier
}

// Option configures a Guardian.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithRand sets the random source used for maze layouts.
func WithRand(r *rand.Rand) Option { return func(o *options) { o.rng = r } }

// WithMetrics sets the Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithSink adds an audit sink. The in-memory recent-events ring is always
// present.
func WithSink(s audit.Sink) Option { return func(o *options) { o.sinks = append(o.sinks, s) } }

// WithVerifier plugs in the verifier for an exit step.
func WithVerifier(step schema.Step, v oneway.StepVerifier) Option {
	return func(o *options) { o.verifiers[step] = v }
}

// Guardian exposes every guard operation.
type Guardian struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	settings   *oneway.Settings
	classifier *threat.Classifier
	ledger     *oneway.TokenLedger
	entry      *oneway.EntryGate
	exit       *oneway.ExitMachine
	violations *oneway.ViolationDetector

	store  engine.Store
	cipher *vault.Cipher

	recent    *audit.MemorySink
	sinks     audit.Multi
	scheduler *Scheduler
}

// New wires a Guardian over store and cipher.
func New(cfg Config, store engine.Store, cipher *vault.Cipher, opts ...Option) (*Guardian, error) {
	if store == nil || cipher == nil {
		return nil, errors.New("guard: store and cipher are required")
	}
	if err := cfg.Oneway.Validate(); err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}

	o := options{
		logger:    zap.NewNop(),
		now:       time.Now,
		verifiers: make(map[schema.Step]oneway.StepVerifier),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}

	g := &Guardian{
		cfg:       cfg,
		logger:    o.logger,
		metrics:   o.metrics,
		now:       o.now,
		settings:  oneway.NewSettings(cfg.Oneway),
		store:     store,
		cipher:    cipher,
		recent:    audit.NewMemorySink(cfg.RecentEvents),
		scheduler: NewScheduler(o.logger),
	}
	g.sinks = append(audit.Multi{g.recent}, o.sinks...)

	threatOpts := []threat.Option{threat.WithClock(o.now)}
	if o.rng != nil {
		threatOpts = append(threatOpts, threat.WithRand(o.rng))
	}
	g.classifier = threat.New(cfg.Threat, o.logger, threatOpts...)

	owOpts := []oneway.Option{
		oneway.WithLogger(o.logger.Named("oneway")),
		oneway.WithClock(o.now),
		oneway.WithEventRecorder(recorderFunc(g.record)),
		oneway.WithPayloadProvider(oneway.PayloadProviderFunc(g.payload)),
	}
	for step, v := range o.verifiers {
		owOpts = append(owOpts, oneway.WithVerifier(step, v))
	}
	g.ledger = oneway.NewTokenLedger(o.now)
	g.entry = oneway.NewEntryGate(g.settings, owOpts...)
	g.exit = oneway.NewExitMachine(g.settings, g.ledger, owOpts...)
	g.violations = oneway.NewViolationDetector(g.settings, g.exit, owOpts...)

	if steps := g.exit.StandInSteps(); len(steps) > 0 {
		names := make([]string, len(steps))
		for i, s := range steps {
			names[i] = string(s)
		}
		g.logger.Warn("exit steps accept any well-formed evidence until verifiers are plugged in",
			zap.Strings("steps", names),
		)
	}

	return g, nil
}

type recorderFunc func(ctx context.Context, ev schema.SecurityEvent) error

func (f recorderFunc) Record(ctx context.Context, ev schema.SecurityEvent) error { return f(ctx, ev) }

// record fans a security event out to every sink.
func (g *Guardian) record(ctx context.Context, ev schema.SecurityEvent) error {
	g.metrics.SecurityEvents.WithLabelValues(ev.Type, string(ev.Severity)).Inc()
	if err := g.sinks.Record(ctx, ev); err != nil {
		g.metrics.AuditFailures.Inc()
		return err
	}
	return nil
}

func (g *Guardian) emit(ctx context.Context, ev schema.SecurityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.now()
	}
	if err := g.record(ctx, ev); err != nil {
		g.logger.Error("failed to record security event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// Start schedules the background maintenance tasks.
func (g *Guardian) Start() error {
	m := g.cfg.Maintenance
	tasks := []struct {
		name     string
		interval time.Duration
		task     Task
	}{
		{"token-sweep", m.TokenSweepInterval, func(context.Context) { g.SweepTokens() }},
		{"attempt-prune", m.AttemptPruneInterval, func(ctx context.Context) { g.PruneAttempts(ctx) }},
		{"pattern-rescore", m.PatternRescoreInterval, func(context.Context) { g.RescorePatterns() }},
		{"key-rotation", m.KeyRotationCheck, func(ctx context.Context) { g.CheckKeyRotation(ctx) }},
	}
	for _, t := range tasks {
		if _, err := g.scheduler.Every(t.name, t.interval, t.task); err != nil {
			return err
		}
	}
	g.logger.Info("maintenance tasks started", zap.Strings("tasks", g.scheduler.Names()))
	return nil
}

// Scheduler exposes the task scheduler.
func (g *Guardian) Scheduler() *Scheduler { return g.scheduler }

// Close stops every background task and closes the audit sinks.
func (g *Guardian) Close() error {
	g.scheduler.Stop()
	return g.sinks.Close()
}

// SweepTokens drops expired and used tokens.
func (g *Guardian) SweepTokens() int {
	n := g.ledger.Sweep()
	g.metrics.ActiveTokens.Set(float64(g.ledger.Active("")))
	if n > 0 {
		g.logger.Debug("tokens swept", zap.Int("count", n))
	}
	return n
}

// PruneAttempts fails dead attempts and forgets old terminal ones.
func (g *Guardian) PruneAttempts(ctx context.Context) int {
	retention := g.cfg.Maintenance.AttemptRetention
	if cfg := g.settings.Get(); retention < cfg.ExitCooldown+cfg.TimeWindow {
		retention = cfg.ExitCooldown + cfg.TimeWindow
	}
	return g.exit.Prune(ctx, retention)
}

// RescorePatterns drifts stale signatures back toward their initial weight.
func (g *Guardian) RescorePatterns() int {
	return g.classifier.RescoreStale(g.cfg.Maintenance.PatternStaleAfter)
}

// CheckKeyRotation emits a warning when the master key is past its
// rotation interval. It reports whether rotation is due.
func (g *Guardian) CheckKeyRotation(ctx context.Context) bool {
	age := g.cipher.KeyAge(g.now())
	limit := g.cfg.Maintenance.RotationInterval
	if limit <= 0 || age < limit {
		return false
	}
	g.emit(ctx, schema.SecurityEvent{
		Type:        schema.EventKeyRotationDue,
		Severity:    schema.SeverityWarning,
		Description: fmt.Sprintf("Master key is %s old; rotation interval is %s", age.Round(time.Hour), limit),
		Metadata:    map[string]any{"key_age_hours": int(age.Hours())},
	})
	return true
}

// RecentEvents returns up to n security events, newest first.
func (g *Guardian) RecentEvents(n int) []schema.SecurityEvent {
	return g.recent.Recent(n)
}

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.CodeInvalidArgument, "data is not serializable").WithCause(err)
	}
	return b, nil
}
