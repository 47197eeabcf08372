package failed

import (
	"context"
	"sort"
	"sync"

	"github.com/roadrunner-server/jobworker/job"
)

var _ Repository = (*MemoryStore)(nil)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*job.FailedJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recs: make(map[string]*job.FailedJob),
	}
}

// Store saves the record, a record with the same id is replaced.
func (m *MemoryStore) Store(_ context.Context, rec *job.FailedJob) error {
	cp := *rec

	m.mu.Lock()
	m.recs[rec.ID] = &cp
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*job.FailedJob, error) {
	m.mu.RLock()
	out := make([]*job.FailedJob, 0, len(m.recs))
	for _, rec := range m.recs {
		cp := *rec
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*job.FailedJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recs[id]; !ok {
		return ErrNotFound
	}

	delete(m.recs, id)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
