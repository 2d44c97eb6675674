package sdk

import (
	"context"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// --- Functional Interfaces (Interface Segregation) ---

// ThreatClassifier scores inbound events.
type ThreatClassifier interface {
	Classify(ctx context.Context, ev schema.AttackEvent) (schema.ThreatAssessment, error)
	Intelligence(ctx context.Context) (schema.Intelligence, error)
}

// Depositor moves data into the protected store.
type Depositor interface {
	Admit(ctx context.Context, userID string, source schema.EntrySource, data any) (schema.Admission, error)
	Deposit(ctx context.Context, userID string, source schema.EntrySource, dataType schema.DataType, itemID string, data map[string]any) (schema.Deposit, error)
}

// Exporter drives the multi-step exit sequence.
type Exporter interface {
	Initiate(ctx context.Context, userID string, dataType schema.DataType, dataID string) (schema.InitiateResult, error)
	VerifyStep(ctx context.Context, userID, exitID string, step schema.Step, data map[string]string) (schema.StepResult, error)
	Execute(ctx context.Context, userID, exitID string) (schema.ExecuteResult, error)
	Attempt(ctx context.Context, userID, exitID string) (schema.ExitAttempt, error)
}

// Auditor reports on exit activity.
type Auditor interface {
	DetectViolation(ctx context.Context, userID, action string) (schema.Violation, error)
	Statistics(ctx context.Context, userID string) (schema.Statistics, error)
}

// --- Composite Interfaces ---

// Guard is the full client surface. Embedded and remote guards both
// implement it.
type Guard interface {
	ThreatClassifier
	Depositor
	Exporter
	Auditor

	// User returns a UserScope pinned to userID.
	User(userID string) UserScope
	Close() error
}

// UserScope performs operations on behalf of a single user.
type UserScope interface {
	Deposit(ctx context.Context, source schema.EntrySource, dataType schema.DataType, itemID string, data map[string]any) (schema.Deposit, error)
	// Export runs the whole exit sequence, asking evidence for each step.
	Export(ctx context.Context, dataType schema.DataType, dataID string, evidence EvidenceFunc) (schema.ExecuteResult, error)
	Statistics(ctx context.Context) (schema.Statistics, error)
}

// EvidenceFunc supplies the proof for one verification step. token is the
// secret issued when the exit was initiated.
type EvidenceFunc func(step schema.Step, token string) map[string]string
