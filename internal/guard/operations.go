package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/internal/engine"
	"github.com/agies-dev/agies-guard/internal/metrics"
	"github.com/agies-dev/agies-guard/internal/oneway"
	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Classify scores an attack event. Critical assessments are written to the
// audit sinks.
func (g *Guardian) Classify(ctx context.Context, ev schema.AttackEvent) schema.ThreatAssessment {
	a := g.classifier.Classify(ctx, ev)

	g.metrics.Classifications.WithLabelValues(string(a.Level)).Inc()
	g.metrics.ThreatScore.Observe(a.Score)
	g.metrics.Responses.WithLabelValues(string(a.Response.Action)).Inc()

	if a.Level == schema.LevelCritical {
		g.emit(ctx, schema.SecurityEvent{
			Type:          schema.EventThreatCritical,
			Severity:      schema.SeverityCritical,
			Description:   fmt.Sprintf("Critical threat from %s: %s", ev.SourceAddress, a.Pattern.Pattern),
			SourceAddress: ev.SourceAddress,
			Metadata: map[string]any{
				"event_id": a.EventID,
				"score":    a.Score,
				"pattern":  a.Pattern.Pattern,
				"action":   string(a.Response.Action),
			},
		})
	}
	return a
}

// Admit runs the entry gate without storing anything.
func (g *Guardian) Admit(ctx context.Context, userID string, source schema.EntrySource, data any) (schema.Admission, error) {
	adm, err := g.entry.Admit(ctx, userID, source, data)
	g.metrics.Entries.WithLabelValues(entryResult(adm, err)).Inc()
	return adm, err
}

func entryResult(adm schema.Admission, err error) string {
	switch {
	case adm.Allowed:
		return "allowed"
	case schema.CodeOf(err) == schema.CodeRateLimited:
		return "rate_limited"
	default:
		return "denied"
	}
}

func storable(dt schema.DataType) bool {
	switch dt {
	case schema.DataPassword, schema.DataNote, schema.DataCreditCard:
		return true
	}
	return false
}

func sealContext(userID string, dt schema.DataType, itemID string) string {
	return userID + "/" + string(dt) + "/" + itemID
}

// Deposit admits data through the entry gate, then seals and stores it under
// itemID. A fresh ID is generated when itemID is empty.
func (g *Guardian) Deposit(ctx context.Context, userID string, source schema.EntrySource, dataType schema.DataType, itemID string, data map[string]any) (schema.Deposit, error) {
	res := schema.Deposit{DataType: dataType}
	if !storable(dataType) {
		return res, schema.NewError(schema.CodeInvalidArgument, "data type %q cannot be stored", dataType)
	}
	if err := engine.ValidateUserID(userID); err != nil {
		return res, schema.NewError(schema.CodeInvalidArgument, "user id %q cannot be stored", userID).WithCause(err)
	}

	adm, err := g.Admit(ctx, userID, source, data)
	res.Admission = adm
	if err != nil {
		return res, err
	}

	if itemID == "" {
		itemID = uuid.NewString()
	}
	plaintext, err := encodeJSON(data)
	if err != nil {
		return res, err
	}
	sealed, err := g.cipher.Seal(plaintext, sealContext(userID, dataType, itemID))
	if err != nil {
		return res, fmt.Errorf("seal item: %w", err)
	}
	item := engine.Item{Sealed: *sealed, EntryID: adm.EntryID, StoredAt: g.now()}
	if err := g.store.Put(userID, dataType, itemID, item); err != nil {
		return res, fmt.Errorf("store item: %w", err)
	}
	res.ItemID = itemID

	g.logger.Info("item deposited",
		zap.String("user_id", userID),
		zap.String("data_type", string(dataType)),
		zap.String("item_id", itemID),
	)
	return res, nil
}

// payload reads and decrypts the items an exit hands out.
func (g *Guardian) payload(_ context.Context, userID string, dataType schema.DataType, dataID string) (map[string]string, error) {
	out := make(map[string]string)

	if dataType == schema.DataAll {
		types, err := g.store.Types(userID)
		if errors.Is(err, engine.ErrUserNotFound) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		for _, dt := range types {
			items, err := g.store.List(userID, dt)
			if err != nil {
				return nil, err
			}
			for id, item := range items {
				plain, err := g.open(userID, dt, id, item)
				if err != nil {
					return nil, err
				}
				out[string(dt)+"/"+id] = plain
			}
		}
		return out, nil
	}

	if dataID != "" {
		item, err := g.store.Get(userID, dataType, dataID)
		if err != nil {
			return nil, err
		}
		plain, err := g.open(userID, dataType, dataID, item)
		if err != nil {
			return nil, err
		}
		out[dataID] = plain
		return out, nil
	}

	items, err := g.store.List(userID, dataType)
	if errors.Is(err, engine.ErrUserNotFound) || errors.Is(err, engine.ErrTypeNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for id, item := range items {
		plain, err := g.open(userID, dataType, id, item)
		if err != nil {
			return nil, err
		}
		out[id] = plain
	}
	return out, nil
}

func (g *Guardian) open(userID string, dt schema.DataType, itemID string, item engine.Item) (string, error) {
	sealed := item.Sealed
	plain, err := g.cipher.Open(&sealed, sealContext(userID, dt, itemID))
	if err != nil {
		return "", fmt.Errorf("open %s/%s: %w", dt, itemID, err)
	}
	return string(plain), nil
}

// Initiate opens an exit attempt.
func (g *Guardian) Initiate(ctx context.Context, userID string, dataType schema.DataType, dataID string) (schema.InitiateResult, error) {
	res, err := g.exit.Initiate(ctx, userID, dataType, dataID)
	g.metrics.ExitAttempts.WithLabelValues(metrics.Result(string(schema.CodeOf(err)))).Inc()
	if err == nil {
		g.metrics.ActiveTokens.Set(float64(g.ledger.Active("")))
	}
	return res, err
}

// VerifyStep submits one verification step of an exit attempt.
func (g *Guardian) VerifyStep(ctx context.Context, userID, exitID string, step schema.Step, data map[string]string) (schema.StepResult, error) {
	res, err := g.exit.VerifyStep(ctx, userID, exitID, step, data)
	g.metrics.VerificationSteps.WithLabelValues(string(step), metrics.Result(string(schema.CodeOf(err)))).Inc()
	return res, err
}

// Execute completes a verified exit attempt and returns the decrypted data.
func (g *Guardian) Execute(ctx context.Context, userID, exitID string) (schema.ExecuteResult, error) {
	res, err := g.exit.Execute(ctx, userID, exitID)
	g.metrics.Exports.WithLabelValues(metrics.Result(string(schema.CodeOf(err)))).Inc()
	return res, err
}

// Attempt returns one exit attempt.
func (g *Guardian) Attempt(ctx context.Context, userID, exitID string) (schema.ExitAttempt, error) {
	return g.exit.Attempt(ctx, userID, exitID)
}

// Attempts returns every exit attempt of userID.
func (g *Guardian) Attempts(ctx context.Context, userID string) []schema.ExitAttempt {
	return g.exit.Attempts(ctx, userID)
}

// DetectViolation checks an action against the one-way rules.
func (g *Guardian) DetectViolation(ctx context.Context, userID, action string) schema.Violation {
	v := g.violations.Detect(ctx, userID, action)
	if v.IsViolation {
		g.metrics.Violations.WithLabelValues(v.Type).Inc()
	}
	return v
}

// Statistics aggregates exit activity, for one user or everyone.
func (g *Guardian) Statistics(ctx context.Context, userID string) schema.Statistics {
	return g.exit.Statistics(ctx, userID)
}

// EntryLog returns the entry log of userID.
func (g *Guardian) EntryLog(userID string) []schema.EntryRecord {
	return g.entry.Log(userID)
}

// Intelligence returns a snapshot of the learning state.
func (g *Guardian) Intelligence() schema.Intelligence {
	return g.classifier.Intelligence()
}

// ResetIntelligence clears all learned state.
func (g *Guardian) ResetIntelligence() {
	g.classifier.Reset()
}

// Patch changes settings at runtime. Nil fields are left alone.
type Patch struct {
	Oneway              oneway.Patch `json:"oneway"`
	LearningRate        *float64     `json:"learning_rate,omitempty"`
	ConfidenceThreshold *float64     `json:"confidence_threshold,omitempty"`
}

// Settings is the effective runtime configuration.
type Settings struct {
	Oneway              oneway.Config `json:"oneway"`
	LearningRate        float64       `json:"learning_rate"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
}

// Config returns the effective runtime configuration.
func (g *Guardian) Config() Settings {
	intel := g.classifier.Intelligence()
	return Settings{
		Oneway:              g.settings.Get(),
		LearningRate:        intel.LearningRate,
		ConfidenceThreshold: intel.ConfidenceThresh,
	}
}

// UpdateConfig applies p. The one-way part is validated first so a bad
// patch changes nothing.
func (g *Guardian) UpdateConfig(p Patch) (Settings, error) {
	if _, err := g.settings.Update(p.Oneway); err != nil {
		return g.Config(), err
	}
	if p.LearningRate != nil {
		g.classifier.SetLearningRate(*p.LearningRate)
	}
	if p.ConfidenceThreshold != nil {
		g.classifier.SetConfidenceThreshold(*p.ConfidenceThreshold)
	}
	s := g.Config()
	g.logger.Info("settings updated",
		zap.Float64("learning_rate", s.LearningRate),
		zap.Float64("confidence_threshold", s.ConfidenceThreshold),
	)
	return s, nil
}
