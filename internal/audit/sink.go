// Package audit delivers SecurityEvents to one or more append-only sinks.
package audit

import (
	"context"
	"errors"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Sink records security events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Record(ctx context.Context, ev schema.SecurityEvent) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// Multi fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev schema.SecurityEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
