// Package oneway enforces asymmetric access to the protected store: data is
// admitted with light verification and may only leave through a multi-step,
// time-boxed and rate-limited exit sequence.
package oneway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Config holds the entry and exit limits.
type Config struct {
	EntryVerificationLevels int                               `json:"entry_verification_levels"`
	MaxEntryAttempts        int                               `json:"max_entry_attempts"`
	EntryCooldown           time.Duration                     `json:"entry_cooldown"`
	MaxExitAttempts         int                               `json:"max_exit_attempts"`
	ExitCooldown            time.Duration                     `json:"exit_cooldown"`
	TimeWindow              time.Duration                     `json:"time_window"`
	MaxStepFailures         int                               `json:"max_step_failures"`
	BiometricRequired       bool                              `json:"biometric_required"`
	HardwareKeyRequired     bool                              `json:"hardware_key_required"`
	MaxEntryLog             int                               `json:"max_entry_log"`
	StepPlans               map[schema.DataType][]schema.Step `json:"step_plans,omitempty"`
}

// DefaultConfig returns the stock limits: easy entry, hard exit.
func DefaultConfig() Config {
	return Config{
		EntryVerificationLevels: 2,
		MaxEntryAttempts:        5,
		EntryCooldown:           5 * time.Second,
		MaxExitAttempts:         3,
		ExitCooldown:            30 * time.Second,
		TimeWindow:              5 * time.Minute,
		MaxStepFailures:         3,
		BiometricRequired:       false,
		HardwareKeyRequired:     true,
		MaxEntryLog:             1000,
	}
}

// Validate rejects limits that would disable a check.
func (c Config) Validate() error {
	switch {
	case c.EntryVerificationLevels < 1:
		return fmt.Errorf("entry verification levels must be at least 1")
	case c.MaxEntryAttempts < 1:
		return fmt.Errorf("max entry attempts must be at least 1")
	case c.MaxExitAttempts < 1:
		return fmt.Errorf("max exit attempts must be at least 1")
	case c.MaxStepFailures < 1:
		return fmt.Errorf("max step failures must be at least 1")
	case c.EntryCooldown <= 0, c.ExitCooldown <= 0, c.TimeWindow <= 0:
		return fmt.Errorf("cooldowns and time window must be positive")
	}
	for dt, steps := range c.StepPlans {
		if len(steps) == 0 {
			return fmt.Errorf("step plan for %s is empty", dt)
		}
		for _, s := range steps {
			if !knownStep(s) {
				return fmt.Errorf("step plan for %s: unknown step %q", dt, s)
			}
		}
	}
	return nil
}

// Patch is a partial Config update. Nil fields are left unchanged.
type Patch struct {
	EntryVerificationLevels *int                              `json:"entry_verification_levels,omitempty"`
	MaxEntryAttempts        *int                              `json:"max_entry_attempts,omitempty"`
	EntryCooldown           *time.Duration                    `json:"entry_cooldown,omitempty"`
	MaxExitAttempts         *int                              `json:"max_exit_attempts,omitempty"`
	ExitCooldown            *time.Duration                    `json:"exit_cooldown,omitempty"`
	TimeWindow              *time.Duration                    `json:"time_window,omitempty"`
	MaxStepFailures         *int                              `json:"max_step_failures,omitempty"`
	BiometricRequired       *bool                             `json:"biometric_required,omitempty"`
	HardwareKeyRequired     *bool                             `json:"hardware_key_required,omitempty"`
	StepPlans               map[schema.DataType][]schema.Step `json:"step_plans,omitempty"`
}

// Apply returns c with p's set fields overlaid.
func (p Patch) Apply(c Config) Config {
	if p.EntryVerificationLevels != nil {
		c.EntryVerificationLevels = *p.EntryVerificationLevels
	}
	if p.MaxEntryAttempts != nil {
		c.MaxEntryAttempts = *p.MaxEntryAttempts
	}
	if p.EntryCooldown != nil {
		c.EntryCooldown = *p.EntryCooldown
	}
	if p.MaxExitAttempts != nil {
		c.MaxExitAttempts = *p.MaxExitAttempts
	}
	if p.ExitCooldown != nil {
		c.ExitCooldown = *p.ExitCooldown
	}
	if p.TimeWindow != nil {
		c.TimeWindow = *p.TimeWindow
	}
	if p.MaxStepFailures != nil {
		c.MaxStepFailures = *p.MaxStepFailures
	}
	if p.BiometricRequired != nil {
		c.BiometricRequired = *p.BiometricRequired
	}
	if p.HardwareKeyRequired != nil {
		c.HardwareKeyRequired = *p.HardwareKeyRequired
	}
	if p.StepPlans != nil {
		plans := make(map[schema.DataType][]schema.Step, len(c.StepPlans)+len(p.StepPlans))
		for k, v := range c.StepPlans {
			plans[k] = v
		}
		for k, v := range p.StepPlans {
			plans[k] = append([]schema.Step(nil), v...)
		}
		c.StepPlans = plans
	}
	return c
}

// Settings is the live, runtime-updatable Config shared by every component.
type Settings struct {
	mu  sync.RWMutex
	cfg Config
}

// NewSettings wraps cfg.
func NewSettings(cfg Config) *Settings {
	return &Settings{cfg: cfg}
}

// Get returns the current Config.
func (s *Settings) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update applies p after validating the result.
func (s *Settings) Update(p Patch) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := p.Apply(s.cfg)
	if err := next.Validate(); err != nil {
		return s.cfg, schema.NewError(schema.CodeInvalidArgument, "invalid config: %v", err)
	}
	s.cfg = next
	return next, nil
}

// EventRecorder receives security events. audit.Sink satisfies it.
type EventRecorder interface {
	Record(ctx context.Context, ev schema.SecurityEvent) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, schema.SecurityEvent) error { return nil }

// emitter stamps and forwards security events, logging sink failures.
type emitter struct {
	rec    EventRecorder
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func (e emitter) emit(ctx context.Context, typ string, sev schema.Severity, userID, desc string, meta map[string]any) schema.SecurityEvent {
	ev := e.event(typ, sev, userID, desc, meta)
	e.record(ctx, ev)
	return ev
}

// event stamps a security event without recording it.
func (e emitter) event(typ string, sev schema.Severity, userID, desc string, meta map[string]any) schema.SecurityEvent {
	return schema.SecurityEvent{
		ID:          e.newID(),
		Timestamp:   e.now(),
		Type:        typ,
		Severity:    sev,
		Description: desc,
		UserID:      userID,
		Metadata:    meta,
	}
}

func (e emitter) record(ctx context.Context, ev schema.SecurityEvent) {
	if err := e.rec.Record(ctx, ev); err != nil {
		e.logger.Error("failed to record security event",
			zap.String("type", ev.Type),
			zap.String("user_id", ev.UserID),
			zap.Error(err),
		)
	}
}
