package oneway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

var exitIndicators = []string{
	"export", "download", "copy", "extract", "backup",
	"get /api/vaults/", "password", "secret", "key",
	"data", "file", "document",
}

// IsExitAction reports whether action looks like data leaving the store.
func IsExitAction(action string) bool {
	lower := strings.ToLower(action)
	for _, ind := range exitIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// ViolationDetector flags actions that bypass the exit sequence. It reports
// and records; it never blocks.
type ViolationDetector struct {
	settings *Settings
	machine  *ExitMachine
	events   emitter
	logger   *zap.Logger
	now      func() time.Time
}

// NewViolationDetector creates a detector over machine's attempts.
func NewViolationDetector(settings *Settings, machine *ExitMachine, opts ...Option) *ViolationDetector {
	o := buildOptions(opts)
	return &ViolationDetector{
		settings: settings,
		machine:  machine,
		events:   o.emitter(),
		logger:   o.logger.Named("violation"),
		now:      o.now,
	}
}

// Detect classifies action taken by userID.
func (d *ViolationDetector) Detect(ctx context.Context, userID, action string) schema.Violation {
	cfg := d.settings.Get()
	now := d.now()
	attempts := d.machine.Attempts(ctx, userID)

	if IsExitAction(action) && !hasVerifiedExit(attempts, now.Add(-cfg.TimeWindow)) {
		d.events.emit(ctx, schema.EventUnauthorizedExit, schema.SeverityCritical, userID,
			fmt.Sprintf("Unauthorized data exit attempt by user %s", userID),
			map[string]any{"action": action, "violation_type": schema.ViolationUnauthorizedExit})
		d.logger.Warn("unauthorized exit detected",
			zap.String("user_id", userID),
			zap.String("action", action),
		)
		return schema.Violation{IsViolation: true, Type: schema.ViolationUnauthorizedExit, Severity: schema.SeverityCritical}
	}

	recent := 0
	since := now.Add(-cfg.ExitCooldown)
	for _, a := range attempts {
		if a.Timestamp.After(since) {
			recent++
		}
	}
	if recent > cfg.MaxExitAttempts {
		d.events.emit(ctx, schema.EventExitRateLimit, schema.SeverityHigh, userID,
			fmt.Sprintf("Rapid exit attempts by user %s", userID),
			map[string]any{"action": action, "attempt_count": recent, "max_attempts": cfg.MaxExitAttempts})
		d.logger.Warn("exit rate violation detected",
			zap.String("user_id", userID),
			zap.Int("recent_attempts", recent),
		)
		return schema.Violation{IsViolation: true, Type: schema.ViolationExitRateLimit, Severity: schema.SeverityHigh}
	}

	return schema.Violation{Type: schema.ViolationNone, Severity: schema.SeverityInfo}
}

func hasVerifiedExit(attempts []schema.ExitAttempt, since time.Time) bool {
	for _, a := range attempts {
		if a.Status == schema.ExitVerified && a.Timestamp.After(since) {
			return true
		}
	}
	return false
}
