package network

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// Performance is one externally supplied weekly figure for a user.
type Performance struct {
	UserID    UserID
	Week      uint64
	NetProfit decimal.Decimal
	Volume    decimal.Decimal
}

// ConflictError reports a (user, week) key delivered with different values.
type ConflictError struct {
	UserID UserID
	Week   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting performance records for user %d in week %d", e.UserID, e.Week)
}

// PerformanceSet is the deduplicated input for one week.
type PerformanceSet struct {
	Week      uint64
	records   map[UserID]Performance
	conflicts map[UserID]*ConflictError
}

// NewPerformanceSet keeps one record per user for week. Identical re-deliveries
// collapse; records for other weeks are ignored; conflicting duplicates mark the
// user as inconsistent.
func NewPerformanceSet(week uint64, records []Performance) *PerformanceSet {
	s := &PerformanceSet{
		Week:      week,
		records:   make(map[UserID]Performance, len(records)),
		conflicts: make(map[UserID]*ConflictError),
	}
	for _, r := range records {
		if r.Week != week {
			continue
		}
		prev, ok := s.records[r.UserID]
		if !ok {
			s.records[r.UserID] = r
			continue
		}
		if !prev.NetProfit.Equal(r.NetProfit) || !prev.Volume.Equal(r.Volume) {
			s.conflicts[r.UserID] = &ConflictError{UserID: r.UserID, Week: week}
		}
	}
	return s
}

// Get returns the user's record. ok is false when nothing was delivered.
func (s *PerformanceSet) Get(id UserID) (Performance, bool, error) {
	if c, bad := s.conflicts[id]; bad {
		return Performance{}, false, c
	}
	p, ok := s.records[id]
	return p, ok, nil
}

// Volume returns the user's weekly volume, zero when absent or conflicting.
func (s *PerformanceSet) Volume(id UserID) decimal.Decimal {
	p, ok, err := s.Get(id)
	if !ok || err != nil {
		return decimal.Zero
	}
	return p.Volume
}

func (s *PerformanceSet) Len() int { return len(s.records) }

// UserIDs returns every user with a record, ordered by id.
func (s *PerformanceSet) UserIDs() []UserID {
	ids := make([]UserID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Population counts the distinct users in the network and the week's
// performance input together.
func Population(net *Network, perf *PerformanceSet) int {
	n := net.Len()
	for _, id := range perf.UserIDs() {
		if _, ok := net.User(id); !ok {
			n++
		}
	}
	return n
}
