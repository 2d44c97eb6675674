package oneway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

const (
	exportMethod  = "secure_export"
	recentExports = 10
)

// ExitMachine drives exit attempts through pending, verified and completed,
// or into failed. Transitions never move backwards.
type ExitMachine struct {
	mu sync.Mutex

	settings  *Settings
	ledger    *TokenLedger
	verifiers map[schema.Step]StepVerifier
	provider  PayloadProvider
	standIn   []schema.Step
	events    emitter
	logger    *zap.Logger
	now       func() time.Time

	attempts map[string][]*schema.ExitAttempt
	exports  []schema.ExportRecord
	// outbox holds events raised under mu; unlock records them.
	outbox []schema.SecurityEvent
}

// NewExitMachine creates an exit machine issuing tokens from ledger.
func NewExitMachine(settings *Settings, ledger *TokenLedger, opts ...Option) *ExitMachine {
	o := buildOptions(opts)
	return &ExitMachine{
		settings:  settings,
		ledger:    ledger,
		verifiers: o.verifiers,
		provider:  o.provider,
		standIn:   standInSteps(o.plugged),
		events:    o.emitter(),
		logger:    o.logger.Named("exit"),
		now:       o.now,
		attempts:  make(map[string][]*schema.ExitAttempt),
	}
}

// StandInSteps lists the steps still checked by the built-in evidence checks
// instead of a plugged-in verifier.
func (m *ExitMachine) StandInSteps() []schema.Step {
	return append([]schema.Step(nil), m.standIn...)
}

// Initiate opens an exit attempt for dataType and issues its token.
func (m *ExitMachine) Initiate(ctx context.Context, userID string, dataType schema.DataType, dataID string) (schema.InitiateResult, error) {
	if userID == "" {
		err := schema.NewError(schema.CodeInvalidArgument, "user id is required")
		return schema.InitiateResult{Code: err.Code, Reason: err.Message}, err
	}
	if !exportableTypes[dataType] {
		err := schema.NewError(schema.CodeInvalidArgument, "data type %q cannot be exported", dataType)
		return schema.InitiateResult{Code: err.Code, Reason: err.Message}, err
	}

	cfg := m.settings.Get()
	exitID := uuid.NewString()

	m.mu.Lock()
	defer m.unlock(ctx)

	now := m.now()
	recent := m.countSince(userID, now.Add(-cfg.ExitCooldown))
	if recent >= cfg.MaxExitAttempts {
		m.raise(schema.EventExitViolation, schema.SeverityCritical, userID,
			fmt.Sprintf("Exit attempt limit exceeded for user %s", userID),
			map[string]any{
				"exit_id":       exitID,
				"data_type":     string(dataType),
				"attempt_count": recent,
				"max_attempts":  cfg.MaxExitAttempts,
			})
		m.logger.Warn("exit rate limit exceeded",
			zap.String("user_id", userID),
			zap.Int("recent_attempts", recent),
		)
		err := schema.NewError(schema.CodeRateLimited, "exit attempt limit exceeded")
		return schema.InitiateResult{ExitID: exitID, Code: err.Code, Reason: err.Message}, err
	}

	token, err := m.ledger.Issue(userID, exitID, cfg.TimeWindow)
	if err != nil {
		return schema.InitiateResult{}, err
	}

	attempt := &schema.ExitAttempt{
		ID:             exitID,
		UserID:         userID,
		Timestamp:      now,
		DataType:       dataType,
		DataID:         dataID,
		Status:         schema.ExitPending,
		RequiredSteps:  requiredSteps(cfg, dataType),
		CompletedSteps: []schema.Step{},
		TokenID:        token.ID,
	}
	m.attempts[userID] = append(m.attempts[userID], attempt)

	m.logger.Info("exit initiated",
		zap.String("user_id", userID),
		zap.String("exit_id", exitID),
		zap.String("data_type", string(dataType)),
		zap.Int("required_steps", len(attempt.RequiredSteps)),
	)

	return schema.InitiateResult{
		Allowed:       true,
		ExitID:        exitID,
		Token:         token.Secret,
		ExpiresAt:     token.ExpiresAt,
		RequiredSteps: append([]schema.Step(nil), attempt.RequiredSteps...),
	}, nil
}

// VerifyStep checks one step. Steps must be submitted in the order returned
// by Initiate.
func (m *ExitMachine) VerifyStep(ctx context.Context, userID, exitID string, step schema.Step, data map[string]string) (schema.StepResult, error) {
	cfg := m.settings.Get()

	m.mu.Lock()
	defer m.unlock(ctx)

	attempt, err := m.activeAttempt(userID, exitID)
	if err != nil {
		return stepFailure(attempt, err), err
	}
	if attempt.Status != schema.ExitPending {
		err := schema.NewError(schema.CodeInvalidArgument, "all steps already completed")
		return stepFailure(attempt, err), err
	}

	expected := attempt.RequiredSteps[len(attempt.CompletedSteps)]
	var checkErr error
	if step != expected {
		checkErr = fmt.Errorf("step %s submitted out of order, expected %s", step, expected)
	} else {
		checkErr = m.check(ctx, cfg, *attempt, step, data)
	}

	if checkErr != nil {
		attempt.StepFailures++
		if attempt.StepFailures >= cfg.MaxStepFailures {
			m.fail(attempt, fmt.Sprintf("%d failed verification steps", attempt.StepFailures))
		}
		m.logger.Info("exit step failed",
			zap.String("user_id", userID),
			zap.String("exit_id", exitID),
			zap.String("step", string(step)),
			zap.Int("failures", attempt.StepFailures),
			zap.Error(checkErr),
		)
		err := schema.NewError(schema.CodeVerificationFailed, "%s verification failed", step).WithCause(checkErr)
		return stepFailure(attempt, err), err
	}

	attempt.CompletedSteps = append(attempt.CompletedSteps, step)
	if len(attempt.CompletedSteps) == len(attempt.RequiredSteps) {
		attempt.Status = schema.ExitVerified
		m.logger.Info("exit verified",
			zap.String("user_id", userID),
			zap.String("exit_id", exitID),
		)
		return schema.StepResult{Success: true, Status: attempt.Status, AllStepsCompleted: true}, nil
	}
	return schema.StepResult{
		Success:  true,
		Status:   attempt.Status,
		NextStep: attempt.RequiredSteps[len(attempt.CompletedSteps)],
	}, nil
}

func (m *ExitMachine) check(ctx context.Context, cfg Config, attempt schema.ExitAttempt, step schema.Step, data map[string]string) error {
	if step == schema.StepTimeWindow {
		return m.ledger.Check(attempt.TokenID, data[EvidenceToken])
	}
	if !stepRequired(cfg, step) {
		return nil
	}
	v, ok := m.verifiers[step]
	if !ok {
		return fmt.Errorf("no verifier for step %s", step)
	}
	return v.Verify(ctx, attempt, data)
}

// Execute completes a verified attempt: it fetches the payload, consumes the
// token and writes the export record. A provider failure leaves the attempt
// verified so it can be retried while the token is live.
func (m *ExitMachine) Execute(ctx context.Context, userID, exitID string) (schema.ExecuteResult, error) {
	m.mu.Lock()
	attempt, err := m.executable(userID, exitID)
	if err != nil {
		m.unlock(ctx)
		return executeFailure(err), err
	}
	dataType, dataID := attempt.DataType, attempt.DataID
	m.unlock(ctx)

	items, perr := m.provider.Payload(ctx, userID, dataType, dataID)
	if perr != nil {
		m.logger.Error("export payload unavailable",
			zap.String("user_id", userID),
			zap.String("exit_id", exitID),
			zap.Error(perr),
		)
		err := schema.NewError(schema.CodeExportFailed, "export payload unavailable").WithCause(perr)
		return executeFailure(err), err
	}

	m.mu.Lock()
	defer m.unlock(ctx)

	attempt, err = m.executable(userID, exitID)
	if err != nil {
		return executeFailure(err), err
	}
	if err := m.ledger.Consume(attempt.TokenID); err != nil {
		m.fail(attempt, "verification token expired or used")
		return executeFailure(err), err
	}

	now := m.now()
	attempt.Status = schema.ExitCompleted
	record := schema.ExportRecord{
		ID:                uuid.NewString(),
		UserID:            userID,
		ExitID:            exitID,
		DataType:          attempt.DataType,
		DataID:            attempt.DataID,
		Timestamp:         now,
		VerificationLevel: len(attempt.RequiredSteps),
		Method:            exportMethod,
	}
	m.exports = append(m.exports, record)

	m.raise(schema.EventDataExport, schema.SeverityInfo, userID,
		fmt.Sprintf("Secure data export completed: %s for user %s", attempt.DataType, userID),
		map[string]any{
			"exit_id":            exitID,
			"export_id":          record.ID,
			"data_type":          string(attempt.DataType),
			"verification_steps": len(attempt.RequiredSteps),
		})
	m.logger.Info("exit completed",
		zap.String("user_id", userID),
		zap.String("exit_id", exitID),
		zap.String("export_id", record.ID),
	)

	if items == nil {
		items = map[string]string{}
	}
	return schema.ExecuteResult{
		Success: true,
		Export:  &record,
		Payload: &schema.ExportPayload{
			ExportID:   record.ID,
			DataType:   attempt.DataType,
			Items:      items,
			ExportedAt: now,
		},
	}, nil
}

// executable returns the attempt if it may be executed. Callers hold m.mu.
func (m *ExitMachine) executable(userID, exitID string) (*schema.ExitAttempt, error) {
	attempt, err := m.activeAttempt(userID, exitID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != schema.ExitVerified {
		return nil, schema.NewError(schema.CodeVerificationFailed, "exit not fully verified")
	}
	return attempt, nil
}

// activeAttempt finds a pending or verified attempt, failing it first if its
// token is no longer live. Callers hold m.mu.
func (m *ExitMachine) activeAttempt(userID, exitID string) (*schema.ExitAttempt, error) {
	attempt := m.find(userID, exitID)
	if attempt == nil {
		return nil, schema.NewError(schema.CodeAttemptNotFound, "exit attempt not found")
	}
	m.revalidate(attempt)
	switch attempt.Status {
	case schema.ExitPending, schema.ExitVerified:
		return attempt, nil
	default:
		return attempt, schema.NewError(schema.CodeTokenExpiredOrUsed, "exit attempt is %s", attempt.Status)
	}
}

// revalidate fails an open attempt whose token has expired or been swept.
func (m *ExitMachine) revalidate(attempt *schema.ExitAttempt) {
	if attempt.Status != schema.ExitPending && attempt.Status != schema.ExitVerified {
		return
	}
	if !m.ledger.Live(attempt.TokenID) {
		m.fail(attempt, "verification token expired")
	}
}

func (m *ExitMachine) fail(attempt *schema.ExitAttempt, reason string) {
	attempt.Status = schema.ExitFailed
	m.raise(schema.EventAttemptFailed, schema.SeverityWarning, attempt.UserID,
		fmt.Sprintf("Exit attempt %s failed: %s", attempt.ID, reason),
		map[string]any{
			"exit_id":   attempt.ID,
			"data_type": string(attempt.DataType),
			"failures":  attempt.StepFailures,
		})
	m.logger.Warn("exit attempt failed",
		zap.String("user_id", attempt.UserID),
		zap.String("exit_id", attempt.ID),
		zap.String("reason", reason),
	)
}

// raise queues a security event. Callers hold m.mu.
func (m *ExitMachine) raise(typ string, sev schema.Severity, userID, desc string, meta map[string]any) {
	m.outbox = append(m.outbox, m.events.event(typ, sev, userID, desc, meta))
}

// unlock releases m.mu, then records the events queued while it was held so
// slow sinks never stall other users.
func (m *ExitMachine) unlock(ctx context.Context) {
	events := m.outbox
	m.outbox = nil
	m.mu.Unlock()
	for _, ev := range events {
		m.events.record(ctx, ev)
	}
}

func (m *ExitMachine) find(userID, exitID string) *schema.ExitAttempt {
	for _, a := range m.attempts[userID] {
		if a.ID == exitID {
			return a
		}
	}
	return nil
}

func (m *ExitMachine) countSince(userID string, since time.Time) int {
	n := 0
	for _, a := range m.attempts[userID] {
		if a.Timestamp.After(since) {
			n++
		}
	}
	return n
}

// Attempt returns a copy of an attempt after re-validating its token.
func (m *ExitMachine) Attempt(ctx context.Context, userID, exitID string) (schema.ExitAttempt, error) {
	m.mu.Lock()
	defer m.unlock(ctx)

	attempt := m.find(userID, exitID)
	if attempt == nil {
		return schema.ExitAttempt{}, schema.NewError(schema.CodeAttemptNotFound, "exit attempt not found")
	}
	m.revalidate(attempt)
	return copyAttempt(attempt), nil
}

// Attempts returns copies of userID's attempts, oldest first.
func (m *ExitMachine) Attempts(ctx context.Context, userID string) []schema.ExitAttempt {
	m.mu.Lock()
	defer m.unlock(ctx)

	out := make([]schema.ExitAttempt, 0, len(m.attempts[userID]))
	for _, a := range m.attempts[userID] {
		m.revalidate(a)
		out = append(out, copyAttempt(a))
	}
	return out
}

// Prune fails open attempts whose token is gone and forgets attempts older
// than retention. It returns how many attempts were removed.
func (m *ExitMachine) Prune(ctx context.Context, retention time.Duration) int {
	m.mu.Lock()
	defer m.unlock(ctx)

	cutoff := m.now().Add(-retention)
	removed := 0
	for userID, list := range m.attempts {
		kept := list[:0]
		for _, a := range list {
			m.revalidate(a)
			if a.Timestamp.Before(cutoff) && a.Status != schema.ExitPending && a.Status != schema.ExitVerified {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(m.attempts, userID)
			continue
		}
		m.attempts[userID] = kept
	}
	return removed
}

// Statistics summarizes exit activity for userID, or for all users when
// userID is empty.
func (m *ExitMachine) Statistics(ctx context.Context, userID string) schema.Statistics {
	m.mu.Lock()
	defer m.unlock(ctx)

	var stats schema.Statistics
	for uid, list := range m.attempts {
		if userID != "" && uid != userID {
			continue
		}
		for _, a := range list {
			m.revalidate(a)
			stats.TotalExitAttempts++
			switch a.Status {
			case schema.ExitCompleted:
				stats.SuccessfulExits++
			case schema.ExitFailed:
				stats.FailedExits++
			}
		}
	}
	stats.ActiveTokens = m.ledger.Active(userID)

	exports := make([]schema.ExportRecord, 0, len(m.exports))
	for _, r := range m.exports {
		if userID == "" || r.UserID == userID {
			exports = append(exports, r)
		}
	}
	sort.SliceStable(exports, func(i, j int) bool {
		return exports[i].Timestamp.After(exports[j].Timestamp)
	})
	if len(exports) > recentExports {
		exports = exports[:recentExports]
	}
	stats.RecentExports = exports
	return stats
}

func copyAttempt(a *schema.ExitAttempt) schema.ExitAttempt {
	c := *a
	c.RequiredSteps = append([]schema.Step(nil), a.RequiredSteps...)
	c.CompletedSteps = append([]schema.Step(nil), a.CompletedSteps...)
	return c
}

func stepFailure(attempt *schema.ExitAttempt, err error) schema.StepResult {
	res := schema.StepResult{Code: schema.CodeOf(err), Reason: reasonOf(err)}
	if attempt != nil {
		res.Status = attempt.Status
	}
	return res
}

func executeFailure(err error) schema.ExecuteResult {
	return schema.ExecuteResult{Code: schema.CodeOf(err), Reason: reasonOf(err)}
}

func reasonOf(err error) string {
	var e *schema.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
