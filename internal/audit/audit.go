// Package audit persists the append-only record of every safety decision.
package audit

import (
	"context"
	"errors"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// ErrClosed is returned when appending to a log that has been closed
var ErrClosed = errors.New("audit: log is closed")

// Log is an append-only audit sink. Implementations serialize concurrent
// writers so records never interleave.
type Log interface {
	Append(ctx context.Context, entry types.AuditLog) error
	Close() error
}

// Multi fans every record out to several sinks
type Multi []Log

// Append writes entry to every sink and joins their errors
func (m Multi) Append(ctx context.Context, entry types.AuditLog) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m Multi) Close() error {
	var errs []error
	for _, l := range m {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
