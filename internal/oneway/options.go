package oneway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// PayloadProvider fetches the plaintext items a completed exit hands out.
type PayloadProvider interface {
	Payload(ctx context.Context, userID string, dataType schema.DataType, dataID string) (map[string]string, error)
}

// PayloadProviderFunc adapts a function to PayloadProvider.
type PayloadProviderFunc func(ctx context.Context, userID string, dataType schema.DataType, dataID string) (map[string]string, error)

func (f PayloadProviderFunc) Payload(ctx context.Context, userID string, dataType schema.DataType, dataID string) (map[string]string, error) {
	return f(ctx, userID, dataType, dataID)
}

var emptyPayload = PayloadProviderFunc(func(context.Context, string, schema.DataType, string) (map[string]string, error) {
	return map[string]string{}, nil
})

type options struct {
	logger    *zap.Logger
	now       func() time.Time
	recorder  EventRecorder
	verifiers map[schema.Step]StepVerifier
	plugged   map[schema.Step]bool
	provider  PayloadProvider
}

// Option configures the oneway components.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEventRecorder sets where security events are sent.
func WithEventRecorder(r EventRecorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithVerifier replaces the verifier for step.
func WithVerifier(step schema.Step, v StepVerifier) Option {
	return func(o *options) {
		o.verifiers[step] = v
		o.plugged[step] = true
	}
}

// WithPayloadProvider sets the source of exported data.
func WithPayloadProvider(p PayloadProvider) Option {
	return func(o *options) { o.provider = p }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:    zap.NewNop(),
		now:       time.Now,
		recorder:  nopRecorder{},
		verifiers: defaultVerifiers(),
		plugged:   make(map[schema.Step]bool),
		provider:  emptyPayload,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) emitter() emitter {
	return emitter{rec: o.recorder, logger: o.logger, now: o.now, newID: uuid.NewString}
}
