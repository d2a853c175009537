// Package store keeps the records of finished charging sessions.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"evse-controller/pkg/types"
)

// ErrEmptySessionID is returned when a record has no session ID.
var ErrEmptySessionID = errors.New("session_id is empty")

// SessionStore persists session records.
type SessionStore interface {
	Save(ctx context.Context, rec types.SessionRecord) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]types.SessionRecord, error)
	Close(ctx context.Context) error
}

// MemoryStore is a bounded in-process SessionStore.
type MemoryStore struct {
	mu      sync.Mutex
	records []types.SessionRecord
	max     int
}

// NewMemoryStore keeps at most max records; max <= 0 keeps all of them.
func NewMemoryStore(max int) *MemoryStore {
	return &MemoryStore{max: max}
}

func (m *MemoryStore) Save(_ context.Context, rec types.SessionRecord) error {
	if rec.SessionID == "" {
		return ErrEmptySessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if m.max > 0 && len(m.records) > m.max {
		m.records = m.records[len(m.records)-m.max:]
	}
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]types.SessionRecord, error) {
	m.mu.Lock()
	out := make([]types.SessionRecord, len(m.records))
	copy(out, m.records)
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close(context.Context) error { return nil }
