package recordstore

import (
	"context"
	"sync"
	"time"

	"bizsync-p2p/internal/domain"
)

type Memory struct {
	mu   sync.RWMutex
	rows map[domain.Category]map[string]domain.Record
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[domain.Category]map[string]domain.Record)}
}

func (m *Memory) Put(_ context.Context, rec domain.Record) error {
	if err := validRecord(rec.Category, rec); err != nil {
		return domain.E(domain.KindValidation, "recordstore.Put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(rec)
	return nil
}

func (m *Memory) putLocked(rec domain.Record) {
	cat := m.rows[rec.Category]
	if cat == nil {
		cat = make(map[string]domain.Record)
		m.rows[rec.Category] = cat
	}
	cat[rec.ID] = rec
}

func (m *Memory) ReadDelta(_ context.Context, category domain.Category, since time.Time) ([]domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Record
	for _, rec := range m.rows[category] {
		if rec.ModifiedAt.After(since) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Lookup(_ context.Context, category domain.Category, id string) (*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rows[category][id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) FindByNaturalKey(_ context.Context, category domain.Category, key string) (*domain.Record, error) {
	if key == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.rows[category] {
		if rec.NaturalKey == key && !rec.Deleted {
			rec := rec
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *Memory) ApplyDelta(_ context.Context, category domain.Category, records []domain.Record, strategy domain.ResolutionPolicy) (domain.ApplyOutcome, error) {
	var out domain.ApplyOutcome
	if err := checkStrategy(strategy); err != nil {
		return out, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if err := validRecord(category, rec); err != nil {
			out.Add(domain.ApplyOutcome{Failed: 1, Errors: map[string]string{rec.ID: err.Error()}})
			continue
		}
		var local *domain.Record
		if cur, ok := m.rows[category][rec.ID]; ok {
			local = &cur
		}
		next, changed := resolve(local, rec, strategy)
		if !changed {
			out.Skipped++
			continue
		}
		m.putLocked(next)
		out.Applied++
	}
	return out, nil
}

// Count returns the number of live records in category.
func (m *Memory) Count(category domain.Category) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.rows[category] {
		if !rec.Deleted {
			n++
		}
	}
	return n
}
