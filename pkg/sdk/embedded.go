package sdk

import (
	"context"

	"github.com/agies-dev/agies-guard/internal/app"
	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Embedded runs the guard inside the calling process.
type Embedded struct {
	app *app.App
}

// Embed wraps an already opened App.
func Embed(a *app.App) *Embedded {
	return &Embedded{app: a}
}

func (e *Embedded) Classify(ctx context.Context, ev schema.AttackEvent) (schema.ThreatAssessment, error) {
	return e.app.Guardian.Classify(ctx, ev), nil
}

func (e *Embedded) Intelligence(context.Context) (schema.Intelligence, error) {
	return e.app.Guardian.Intelligence(), nil
}

func (e *Embedded) Admit(ctx context.Context, userID string, source schema.EntrySource, data any) (schema.Admission, error) {
	return e.app.Guardian.Admit(ctx, userID, source, data)
}

func (e *Embedded) Deposit(ctx context.Context, userID string, source schema.EntrySource, dataType schema.DataType, itemID string, data map[string]any) (schema.Deposit, error) {
	return e.app.Guardian.Deposit(ctx, userID, source, dataType, itemID, data)
}

func (e *Embedded) Initiate(ctx context.Context, userID string, dataType schema.DataType, dataID string) (schema.InitiateResult, error) {
	return e.app.Guardian.Initiate(ctx, userID, dataType, dataID)
}

func (e *Embedded) VerifyStep(ctx context.Context, userID, exitID string, step schema.Step, data map[string]string) (schema.StepResult, error) {
	return e.app.Guardian.VerifyStep(ctx, userID, exitID, step, data)
}

func (e *Embedded) Execute(ctx context.Context, userID, exitID string) (schema.ExecuteResult, error) {
	return e.app.Guardian.Execute(ctx, userID, exitID)
}

func (e *Embedded) Attempt(ctx context.Context, userID, exitID string) (schema.ExitAttempt, error) {
	return e.app.Guardian.Attempt(ctx, userID, exitID)
}

func (e *Embedded) DetectViolation(ctx context.Context, userID, action string) (schema.Violation, error) {
	return e.app.Guardian.DetectViolation(ctx, userID, action), nil
}

func (e *Embedded) Statistics(ctx context.Context, userID string) (schema.Statistics, error) {
	return e.app.Guardian.Statistics(ctx, userID), nil
}

func (e *Embedded) User(userID string) UserScope {
	return newUserScope(e, userID)
}

// Close stops background tasks and flushes the store to disk.
func (e *Embedded) Close() error {
	return e.app.Close()
}
