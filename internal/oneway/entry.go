package oneway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

const (
	entrySuccess = "success"
	entryFailed  = "failed"
)

var sourceLevels = map[schema.EntrySource]int{
	schema.SourceUserInput: 1,
	schema.SourceImport:    2,
	schema.SourceSync:      3,
	schema.SourceAPI:       4,
}

// EntryGate admits data into the store with light verification.
type EntryGate struct {
	mu       sync.Mutex
	settings *Settings
	logger   *zap.Logger
	now      func() time.Time
	logs     map[string][]schema.EntryRecord
}

// NewEntryGate creates an entry gate.
func NewEntryGate(settings *Settings, opts ...Option) *EntryGate {
	o := buildOptions(opts)
	return &EntryGate{
		settings: settings,
		logger:   o.logger.Named("entry"),
		now:      o.now,
		logs:     make(map[string][]schema.EntryRecord),
	}
}

// VerificationLevel returns the level required for source. Unknown sources
// get the lowest level.
func VerificationLevel(source schema.EntrySource) int {
	if lvl, ok := sourceLevels[source]; ok {
		return lvl
	}
	return 1
}

// Admit decides whether data from source may enter userID's store. Every call,
// allowed or not, is written to the user's entry log and counts toward the
// rate limit.
func (g *EntryGate) Admit(ctx context.Context, userID string, source schema.EntrySource, data any) (schema.Admission, error) {
	if userID == "" {
		err := schema.NewError(schema.CodeInvalidArgument, "user id is required")
		return schema.Admission{Code: err.Code, Reason: err.Message}, err
	}

	cfg := g.settings.Get()
	dataType, size := inspect(data)
	level := VerificationLevel(source)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	record := schema.EntryRecord{
		ID:                uuid.NewString(),
		UserID:            userID,
		Timestamp:         now,
		Source:            source,
		DataType:          dataType,
		Size:              size,
		VerificationLevel: level,
		Status:            entrySuccess,
	}
	adm := schema.Admission{
		EntryID:           record.ID,
		VerificationLevel: level,
		DataType:          dataType,
	}

	var err *schema.Error
	switch {
	case g.countSince(userID, now.Add(-cfg.EntryCooldown)) >= cfg.MaxEntryAttempts:
		err = schema.NewError(schema.CodeRateLimited, "entry rate limit exceeded")
		record.VerificationLevel = 0
		adm.VerificationLevel = 0
	case level > cfg.EntryVerificationLevels:
		err = schema.NewError(schema.CodeEntryDenied, "entry verification failed")
	}
	if err != nil {
		record.Status = entryFailed
		record.Reason = err.Message
		adm.Code = err.Code
		adm.Reason = err.Message
	} else {
		adm.Allowed = true
	}
	g.append(userID, record, cfg.MaxEntryLog)

	g.logger.Debug("entry processed",
		zap.String("user_id", userID),
		zap.String("entry_id", record.ID),
		zap.String("source", string(source)),
		zap.String("data_type", string(dataType)),
		zap.Bool("allowed", adm.Allowed),
	)
	if err != nil {
		return adm, err
	}
	return adm, nil
}

func (g *EntryGate) countSince(userID string, since time.Time) int {
	n := 0
	log := g.logs[userID]
	for i := len(log) - 1; i >= 0 && log[i].Timestamp.After(since); i-- {
		n++
	}
	return n
}

func (g *EntryGate) append(userID string, r schema.EntryRecord, max int) {
	log := append(g.logs[userID], r)
	if max > 0 && len(log) > max {
		log = append([]schema.EntryRecord(nil), log[len(log)-max:]...)
	}
	g.logs[userID] = log
}

// Log returns a copy of userID's entry log, oldest first.
func (g *EntryGate) Log(userID string) []schema.EntryRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]schema.EntryRecord(nil), g.logs[userID]...)
}

// inspect identifies the data type from the payload's shape and measures its
// JSON encoding.
func inspect(data any) (schema.DataType, int) {
	raw, err := json.Marshal(data)
	if err != nil {
		return schema.DataUnknown, 0
	}
	var shape any
	if err := json.Unmarshal(raw, &shape); err != nil {
		return schema.DataUnknown, len(raw)
	}
	switch v := shape.(type) {
	case []any:
		return schema.DataBulk, len(raw)
	case map[string]any:
		switch {
		case present(v, "password") && present(v, "username"):
			return schema.DataPassword, len(raw)
		case present(v, "content") && present(v, "title"):
			return schema.DataNote, len(raw)
		case present(v, "number") && present(v, "expiry"):
			return schema.DataCreditCard, len(raw)
		}
	}
	return schema.DataUnknown, len(raw)
}

func present(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}
