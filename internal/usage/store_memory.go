package usage

import (
	"context"
	"sync"
	"time"
)

type ledgerID struct {
	userID         string
	operation      string
	idempotencyKey string
}

type memoryStore struct {
	mu     sync.RWMutex
	data   map[string]Usage
	ledger map[ledgerID]LedgerEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		data:   make(map[string]Usage),
		ledger: make(map[ledgerID]LedgerEntry),
	}
}

func (s *memoryStore) Get(ctx context.Context, userID string) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.RLock()
	u, ok := s.data[userID]
	s.mu.RUnlock()
	if ok {
		return u, nil
	}
	return s.EnsurePeriod(ctx, userID)
}

func (s *memoryStore) EnsurePeriod(ctx context.Context, userID string) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(userID), nil
}

func (s *memoryStore) ensureLocked(userID string) Usage {
	now := time.Now().UTC()
	u, ok := s.data[userID]
	if !ok {
		u = defaultUsage()
	}
	if !now.Before(u.ResetsAt) {
		u.Used = 0
		u.ResetsAt = now.Add(periodLength)
	}
	s.data[userID] = u
	return u
}

func (s *memoryStore) Consume(ctx context.Context, userID string, key LedgerKey, n int) (Usage, bool, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensureLocked(userID)
	if n <= 0 {
		return u, false, nil
	}

	id := ledgerID{userID, key.Operation, key.IdempotencyKey}
	if _, exists := s.ledger[id]; exists {
		return u, false, nil
	}
	if u.Used+n > u.Limit {
		return Usage{}, false, ErrLimitReached
	}
	u.Used += n
	s.data[userID] = u
	s.ledger[id] = LedgerEntry{
		UserID:         userID,
		Operation:      key.Operation,
		IdempotencyKey: key.IdempotencyKey,
		Units:          n,
		ConsumedAt:     time.Now().UTC(),
	}
	return u, true, nil
}

func (s *memoryStore) Refund(ctx context.Context, userID string, key LedgerKey) (Usage, bool, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensureLocked(userID)

	id := ledgerID{userID, key.Operation, key.IdempotencyKey}
	entry, exists := s.ledger[id]
	if !exists || entry.RefundedAt != nil {
		return u, false, nil
	}
	now := time.Now().UTC()
	entry.RefundedAt = &now
	s.ledger[id] = entry

	u.Used -= entry.Units
	if u.Used < 0 {
		u.Used = 0
	}
	s.data[userID] = u
	return u, true, nil
}

func (s *memoryStore) Reset(ctx context.Context, userID string) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data[userID]
	if !ok {
		u = defaultUsage()
	}
	u.Used = 0
	u.ResetsAt = time.Now().UTC().Add(periodLength)
	s.data[userID] = u
	return u, nil
}
