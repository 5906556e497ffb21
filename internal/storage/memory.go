package storage

import (
	"context"
	"sync"

	"github.com/qrseal/qrseal-go/internal/model"
)

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu      sync.RWMutex                    // Protects concurrent access to maps
	records map[string]*model.BindingRecord // Active records by document id
	prereg  map[string]*model.BindingRecord // Pre-registrations by document id
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		records: make(map[string]*model.BindingRecord),
		prereg:  make(map[string]*model.BindingRecord),
	}
}

func (m *memory) Save(ctx context.Context, rec model.BindingRecord) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	recCopy := rec
	m.records[rec.DocumentID] = &recCopy
	delete(m.prereg, rec.DocumentID)
	return nil
}

func (m *memory) SavePreRegistration(ctx context.Context, rec model.BindingRecord) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.prereg[rec.DocumentID]; exists {
		return ErrConflict
	}
	recCopy := rec
	m.prereg[rec.DocumentID] = &recCopy
	return nil
}

func (m *memory) Get(ctx context.Context, id string) (*model.BindingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.records[id]; ok {
		out := *rec
		return &out, nil
	}
	if rec, ok := m.prereg[id]; ok {
		out := *rec
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, a := m.records[id]
	_, p := m.prereg[id]
	if !a && !p {
		return ErrNotFound
	}
	delete(m.records, id)
	delete(m.prereg, id)
	return nil
}

func (m *memory) List(ctx context.Context, q model.ListBindingsQuery) (*model.ListBindingsResult, error) {
	m.mu.RLock()
	all := make([]model.BindingRecord, 0, len(m.records)+len(m.prereg))
	for _, r := range m.records {
		all = append(all, *r)
	}
	for _, r := range m.prereg {
		all = append(all, *r)
	}
	m.mu.RUnlock()
	return paginate(all, q)
}

func (m *memory) CleanupExpired(ctx context.Context, now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, set := range []map[string]*model.BindingRecord{m.records, m.prereg} {
		for id, r := range set {
			if r.Expired(now) {
				delete(set, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() error { return nil }
