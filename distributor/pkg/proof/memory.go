package proof

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uint64]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uint64]Record)}
}

func (s *MemoryStore) CreateDraft(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.Week]; ok {
		return &DuplicateWeekError{Week: rec.Week, State: cur.State, Claimed: cur.Claim != ""}
	}
	rec.State = StateDraft
	rec.Claim = ""
	rec.Document = slices.Clone(rec.Document)
	s.records[rec.Week] = rec
	return nil
}

func (s *MemoryStore) UpdateDraft(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.Week]
	if !ok {
		return fmt.Errorf("%w: week %d", ErrNotFound, rec.Week)
	}
	if cur.State != StateDraft || cur.Claim != "" {
		return &DuplicateWeekError{Week: rec.Week, State: cur.State, Claimed: cur.Claim != ""}
	}
	rec.State = StateDraft
	rec.CreatedAt = cur.CreatedAt
	rec.Document = slices.Clone(rec.Document)
	s.records[rec.Week] = rec
	return nil
}

func (s *MemoryStore) ClaimSubmission(ctx context.Context, week uint64, claim string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[week]
	if !ok {
		return fmt.Errorf("%w: week %d", ErrNotFound, week)
	}
	if cur.State != StateDraft || cur.Claim != "" {
		return &DuplicateWeekError{Week: week, State: cur.State, Claimed: cur.Claim != ""}
	}
	cur.Claim = claim
	s.records[week] = cur
	return nil
}

func (s *MemoryStore) ReleaseClaim(ctx context.Context, week uint64, claim string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[week]
	if !ok || cur.State != StateDraft || cur.Claim != claim {
		return nil
	}
	cur.Claim = ""
	s.records[week] = cur
	return nil
}

func (s *MemoryStore) MarkSubmitted(ctx context.Context, week uint64, claim string, locator, tx, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[week]
	if !ok {
		return fmt.Errorf("%w: week %d", ErrNotFound, week)
	}
	if cur.State != StateDraft || cur.Claim != claim {
		return &DuplicateWeekError{Week: week, State: cur.State, Claimed: cur.Claim != ""}
	}
	cur.State = StateSubmitted
	cur.Claim = ""
	cur.Locator = locator
	cur.SubmitTx = tx
	cur.SubmittedBy = by
	cur.SubmittedAt = &at
	cur.Document = nil
	s.records[week] = cur
	return nil
}

func (s *MemoryStore) MarkFinalized(ctx context.Context, week uint64, tx, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[week]
	if !ok {
		return fmt.Errorf("%w: week %d", ErrNotFound, week)
	}
	if err := Transition(cur.State, StateFinalized); err != nil {
		if cur.State == StateFinalized {
			return &DuplicateWeekError{Week: week, State: cur.State}
		}
		return err
	}
	cur.State = StateFinalized
	cur.FinalizeTx = tx
	cur.FinalizedBy = by
	cur.FinalizedAt = &at
	s.records[week] = cur
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, week uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[week]
	if !ok {
		return Record{}, fmt.Errorf("%w: week %d", ErrNotFound, week)
	}
	rec.Document = slices.Clone(rec.Document)
	return rec, nil
}

// Latest returns the highest published week.
func (s *MemoryStore) Latest(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  Record
		found bool
	)
	for _, rec := range s.records {
		if rec.State < StateSubmitted {
			continue
		}
		if !found || rec.Week > best.Week {
			best, found = rec, true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return best, nil
}

// List returns records newest first.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		rec.Document = nil
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.Week > b.Week:
			return -1
		case a.Week < b.Week:
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
