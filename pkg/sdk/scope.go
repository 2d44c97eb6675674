package sdk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

type userScope struct {
	guard  Guard
	userID string
}

func newUserScope(g Guard, userID string) UserScope {
	return &userScope{guard: g, userID: userID}
}

func (u *userScope) Deposit(ctx context.Context, source schema.EntrySource, dataType schema.DataType, itemID string, data map[string]any) (schema.Deposit, error) {
	return u.guard.Deposit(ctx, u.userID, source, dataType, itemID, data)
}

func (u *userScope) Export(ctx context.Context, dataType schema.DataType, dataID string, evidence EvidenceFunc) (schema.ExecuteResult, error) {
	return Export(ctx, u.guard, u.userID, dataType, dataID, evidence)
}

func (u *userScope) Statistics(ctx context.Context) (schema.Statistics, error) {
	return u.guard.Statistics(ctx, u.userID)
}

// Export initiates an exit, submits every required step in order and
// executes it. It stops at the first failure.
func Export(ctx context.Context, g Exporter, userID string, dataType schema.DataType, dataID string, evidence EvidenceFunc) (schema.ExecuteResult, error) {
	init, err := g.Initiate(ctx, userID, dataType, dataID)
	if err != nil {
		return schema.ExecuteResult{Code: init.Code, Reason: init.Reason}, err
	}
	for _, step := range init.RequiredSteps {
		var data map[string]string
		if evidence != nil {
			data = evidence(step, init.Token)
		}
		res, err := g.VerifyStep(ctx, userID, init.ExitID, step, data)
		if err != nil {
			return schema.ExecuteResult{Code: res.Code, Reason: res.Reason}, fmt.Errorf("step %s: %w", step, err)
		}
	}
	return g.Execute(ctx, userID, init.ExitID)
}

// --- Generics Support ---

// Item decodes one exported item into T.
func Item[T any](p *schema.ExportPayload, itemID string) (T, error) {
	var target T
	if p == nil {
		return target, fmt.Errorf("no payload")
	}
	raw, ok := p.Items[itemID]
	if !ok {
		return target, fmt.Errorf("item %s not in export", itemID)
	}
	err := json.Unmarshal([]byte(raw), &target)
	return target, err
}

// DepositValue stores a typed value, converting it to the map form the
// guard inspects.
func DepositValue[T any](ctx context.Context, d Depositor, userID string, source schema.EntrySource, dataType schema.DataType, itemID string, val T) (schema.Deposit, error) {
	b, err := json.Marshal(val)
	if err != nil {
		return schema.Deposit{}, err
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return schema.Deposit{}, fmt.Errorf("value must encode as a JSON object: %w", err)
	}
	return d.Deposit(ctx, userID, source, dataType, itemID, data)
}
