package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
)

// MemoryStore is an in-memory core.PositionStore for tests and dry runs.
// It enforces the same order-id uniqueness rule as the SQLite store and can
// be scripted to fail writes.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]*core.Position

	// FailSaves makes the next n Save calls fail
	FailSaves int
	SaveCalls int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]*core.Position)}
}

func (s *MemoryStore) Save(ctx context.Context, p *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SaveCalls++
	if s.FailSaves > 0 {
		s.FailSaves--
		return fmt.Errorf("simulated store write failure")
	}

	for id, existing := range s.positions {
		if id == p.ID {
			continue
		}
		if orderIDConflict(existing, p) {
			return fmt.Errorf("%w: order id already tracked by another position", apperrors.ErrDuplicateOrder)
		}
	}

	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) LoadAll(ctx context.Context) ([]*core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *MemoryStore) PurgeClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, p := range s.positions {
		if p.Status.Terminal() && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			delete(s.positions, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error { return nil }

func orderIDConflict(a, b *core.Position) bool {
	ids := map[string]bool{}
	if a.EntryOrder != nil && a.EntryOrder.ID != "" {
		ids[a.EntryOrder.ID] = true
	}
	if a.ExitOrder != nil && a.ExitOrder.ID != "" {
		ids[a.ExitOrder.ID] = true
	}
	if b.EntryOrder != nil && b.EntryOrder.ID != "" && ids[b.EntryOrder.ID] {
		return true
	}
	if b.ExitOrder != nil && b.ExitOrder.ID != "" && ids[b.ExitOrder.ID] {
		return true
	}
	return false
}
