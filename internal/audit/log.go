package audit

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// LogSink writes events to a zap logger at a level matching their severity.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging under the "audit" name.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, ev schema.SecurityEvent) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("severity", string(ev.Severity)),
		zap.Time("timestamp", ev.Timestamp),
	}
	if ev.UserID != "" {
		fields = append(fields, zap.String("user_id", ev.UserID))
	}
	if ev.SourceAddress != "" {
		fields = append(fields, zap.String("source_address", ev.SourceAddress))
	}
	if len(ev.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", ev.Metadata))
	}
	s.logger.Log(levelFor(ev.Severity), ev.Description, fields...)
	return nil
}

func levelFor(sev schema.Severity) zapcore.Level {
	switch sev {
	case schema.SeverityCritical, schema.SeverityHigh:
		return zapcore.ErrorLevel
	case schema.SeverityWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
