package network

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Source supplies the sponsor forest and weekly performance figures.
type Source interface {
	LoadUsers(ctx context.Context) ([]User, error)
	LoadPerformance(ctx context.Context, week uint64) ([]Performance, error)
}

// LevelWriter persists recomputed unlocked levels.
type LevelWriter interface {
	SaveUnlockedLevels(ctx context.Context, levels map[UserID]int) error
}

// MemorySource is an in-process Source used by tests and dry runs.
type MemorySource struct {
	mu          sync.RWMutex
	users       map[UserID]User
	performance []Performance
}

func NewMemorySource(users []User, performance []Performance) *MemorySource {
	s := &MemorySource{users: make(map[UserID]User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	s.performance = slices.Clone(performance)
	return s
}

func (s *MemorySource) LoadUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *MemorySource) LoadPerformance(ctx context.Context, week uint64) ([]Performance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Performance
	for _, p := range s.performance {
		if p.Week == week {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemorySource) SaveUnlockedLevels(ctx context.Context, levels map[UserID]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, level := range levels {
		if u, ok := s.users[id]; ok {
			u.UnlockedLevel = level
			s.users[id] = u
		}
	}
	return nil
}

// Load builds a Network and the week's PerformanceSet from src.
func Load(ctx context.Context, src Source, week uint64) (*Network, *PerformanceSet, error) {
	users, err := src.LoadUsers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load users: %w", err)
	}
	net, err := New(users)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build network: %w", err)
	}
	perf, err := src.LoadPerformance(ctx, week)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load performance for week %d: %w", week, err)
	}
	return net, NewPerformanceSet(week, perf), nil
}
