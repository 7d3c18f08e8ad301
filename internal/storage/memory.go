package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/org/timecapsule/pkg/models"
)

// MemoryLedger is a LedgerBackend kept in process memory. It is used for
// development and tests; contents are lost on exit.
type MemoryLedger struct {
	mu       sync.RWMutex
	messages map[string]models.MessageDescriptor
	anchors  map[string]string
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		messages: map[string]models.MessageDescriptor{},
		anchors:  map[string]string{},
	}
}

func (m *MemoryLedger) InsertMessage(_ context.Context, d *models.MessageDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[d.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.anchors[d.AnchorReference]; ok {
		return ErrAlreadyExists
	}
	m.messages[d.ID] = *d
	m.anchors[d.AnchorReference] = d.ID
	return nil
}

func (m *MemoryLedger) GetMessage(_ context.Context, id string) (*models.MessageDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryLedger) ListMessages(_ context.Context, filter MessageFilter) ([]*models.MessageDescriptor, error) {
	m.mu.RLock()
	var out []*models.MessageDescriptor
	for _, d := range m.messages {
		if filter.matches(&d) {
			cp := d
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryLedger) CountMessages(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.messages)), nil
}

func (m *MemoryLedger) Close() {}
