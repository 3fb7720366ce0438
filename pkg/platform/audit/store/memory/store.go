package memory

import (
	"context"
	"slices"
	"sync"

	audit "audittrail/pkg/platform/audit"
)

// Store keeps delivered records in process, indexed by subject. It is a
// Sink and is safe for concurrent use from executor workers.
type Store struct {
	mu      sync.RWMutex
	records []audit.Record
	bySubj  map[string][]int
}

func NewStore() *Store {
	return &Store{bySubj: make(map[string][]int)}
}

// Clear drops every stored record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.bySubj = make(map[string][]int)
}

// Deliver appends rec.
func (s *Store) Deliver(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySubj[rec.Subject] = append(s.bySubj[rec.Subject], len(s.records))
	s.records = append(s.records, rec)
	return nil
}

// ListBySubject returns the records of subject in delivery order.
func (s *Store) ListBySubject(_ context.Context, subject string) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.bySubj[subject]
	out := make([]audit.Record, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.records[i])
	}
	return out, nil
}

// ListAll returns every record in delivery order.
func (s *Store) ListAll(_ context.Context) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Record{}, s.records...), nil
}

// ListRecent returns up to limit records, newest timestamp first. Records
// with equal timestamps keep reverse delivery order.
func (s *Store) ListRecent(_ context.Context, limit int) ([]audit.Record, error) {
	s.mu.RLock()
	out := append([]audit.Record{}, s.records...)
	s.mu.RUnlock()

	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b audit.Record) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many records are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
