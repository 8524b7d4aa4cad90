package audit

import (
	"context"
	"sync"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// MemoryLog keeps records in memory
type MemoryLog struct {
	mu      sync.Mutex
	entries []types.AuditLog
	closed  bool

	// Err, if set, is returned by every Append
	Err error
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log
func (m *MemoryLog) Append(_ context.Context, entry types.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.Err != nil {
		return m.Err
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of every record appended so far
func (m *MemoryLog) Entries() []types.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AuditLog, len(m.entries))
	copy(out, m.entries)
	return out
}

// Close implements Log
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
