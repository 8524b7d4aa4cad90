package audit

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// FileLog appends one JSON line per record to a file
type FileLog struct {
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
	closed bool
}

// OpenFile opens path for appending, creating it if needed
func OpenFile(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLog{
		file:   f,
		logger: zerolog.New(zerolog.SyncWriter(f)),
	}, nil
}

// Append implements Log
func (l *FileLog) Append(_ context.Context, entry types.AuditLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	ev := l.logger.Log().
		Str("timestamp", entry.Timestamp.UTC().Format(time.RFC3339Nano)).
		Str("entry_type", entry.EntryType)
	if entry.OpportunityID != "" {
		ev = ev.Str("opportunity_id", entry.OpportunityID)
	}
	ev.Interface("payload", entry.Payload).
		Str("severity", string(entry.Severity)).
		Send()
	return nil
}

// Close flushes the file to disk and closes it
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("sync audit log: %w", err)
	}
	return l.file.Close()
}
