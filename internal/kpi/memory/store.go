// Package memory provides an in-process snapshot store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lodgeboard/kpi-engine/internal/kpi"
)

// Store keeps snapshots in a map keyed by their natural key. Upserting an
// existing key replaces the row and keeps its id.
type Store struct {
	mu     sync.RWMutex
	rows   map[kpi.NaturalKey]kpi.AggregateRow
	nextID int64
	now    func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{rows: make(map[kpi.NaturalKey]kpi.AggregateRow), now: time.Now}
}

var _ kpi.Store = (*Store)(nil)

// Upsert inserts or replaces row.
func (s *Store) Upsert(ctx context.Context, row kpi.AggregateRow) (kpi.AggregateRow, error) {
	if err := ctx.Err(); err != nil {
		return kpi.AggregateRow{}, &kpi.PersistenceError{Key: row.Key(), Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(row), nil
}

func (s *Store) upsertLocked(row kpi.AggregateRow) kpi.AggregateRow {
	key := row.Key()
	if existing, ok := s.rows[key]; ok {
		row.ID = existing.ID
	} else {
		s.nextID++
		row.ID = s.nextID
	}
	row.CreatedDate = key.CreatedDate
	row.UpdatedAt = s.now().UTC()
	s.rows[key] = row
	return row
}

// UpsertAll upserts rows as one unit.
func (s *Store) UpsertAll(ctx context.Context, rows []kpi.AggregateRow) ([]kpi.AggregateRow, error) {
	if err := ctx.Err(); err != nil {
		var key kpi.NaturalKey
		if len(rows) > 0 {
			key = rows[0].Key()
		}
		return nil, &kpi.PersistenceError{Key: key, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kpi.AggregateRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.upsertLocked(row))
	}
	return out, nil
}

// List returns matching rows, newest created date first, then by dimension key.
func (s *Store) List(ctx context.Context, filter kpi.SnapshotFilter) ([]kpi.AggregateRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]kpi.AggregateRow, 0)
	for _, row := range s.rows {
		if matches(row, filter) {
			out = append(out, row)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedDate.Equal(out[j].CreatedDate) {
			return out[i].CreatedDate.After(out[j].CreatedDate)
		}
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return out[i].DimensionKey < out[j].DimensionKey
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(row kpi.AggregateRow, f kpi.SnapshotFilter) bool {
	if f.CompanyID != 0 && row.CompanyID != f.CompanyID {
		return false
	}
	if f.KPI != "" && row.KPI != f.KPI {
		return false
	}
	if f.Period != "" && row.Period != f.Period {
		return false
	}
	if !f.From.IsZero() && row.CreatedDate.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && row.CreatedDate.After(f.To) {
		return false
	}
	return true
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Reset drops every row.
func (s *Store) Reset() {
	s.mu.Lock()
	s.rows = make(map[kpi.NaturalKey]kpi.AggregateRow)
	s.nextID = 0
	s.mu.Unlock()
}
