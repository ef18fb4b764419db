package cases

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores cases in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu     sync.RWMutex
	byID   map[string]Case
	byUser map[string][]string
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:   make(map[string]Case),
		byUser: make(map[string][]string),
	}
}

// Create stores the case.
func (r *MemoryRepo) Create(ctx context.Context, c Case) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ID] = c
	r.byUser[c.UserID] = append(r.byUser[c.UserID], c.ID)
	return nil
}

// GetByID returns a case by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, caseID string) (Case, error) {
	if err := ctx.Err(); err != nil {
		return Case{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[caseID]
	if !ok {
		return Case{}, ErrNotFound
	}
	return c, nil
}

// GetByIdempotencyKey returns the user's case created under the given key.
func (r *MemoryRepo) GetByIdempotencyKey(ctx context.Context, userID, key string) (Case, error) {
	if err := ctx.Err(); err != nil {
		return Case{}, err
	}
	if key == "" {
		return Case{}, ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.byUser[userID] {
		if c := r.byID[id]; c.IdempotencyKey == key {
			return c, nil
		}
	}
	return Case{}, ErrNotFound
}

// MarkProcessing transitions a queued case to processing.
func (r *MemoryRepo) MarkProcessing(ctx context.Context, caseID string, startedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[caseID]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusProcessing
	c.StartedAt = &startedAt
	r.byID[caseID] = c
	return nil
}

// UpdateResult stores the completed outcome.
func (r *MemoryRepo) UpdateResult(ctx context.Context, caseID string, result CaseResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[caseID]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusCompleted
	c.Provider = result.Provider
	c.Model = result.Model
	c.AnalysisRaw = result.AnalysisRaw
	c.Analysis = result.Analysis
	c.Protocol = result.Protocol
	c.SimulationKey = result.SimulationKey
	completedAt := result.CompletedAt
	c.CompletedAt = &completedAt
	r.byID[caseID] = c
	return nil
}

// UpdateFailure marks the case failed with its classified error.
func (r *MemoryRepo) UpdateFailure(ctx context.Context, caseID, code, message string, retryable bool, completedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[caseID]
	if !ok {
		return ErrNotFound
	}
	c.Status = StatusFailed
	c.ErrorCode = code
	c.ErrorMessage = message
	c.Retryable = retryable
	c.CompletedAt = &completedAt
	r.byID[caseID] = c
	return nil
}

// ClaimGuest reassigns every case owned by guestUserID to authedUserID and
// returns how many cases moved.
func (r *MemoryRepo) ClaimGuest(ctx context.Context, guestUserID, authedUserID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byUser[guestUserID]
	for _, id := range ids {
		c := r.byID[id]
		c.UserID = authedUserID
		r.byID[id] = c
	}
	if len(ids) > 0 {
		r.byUser[authedUserID] = append(r.byUser[authedUserID], ids...)
		delete(r.byUser, guestUserID)
	}
	return len(ids), nil
}

// ListByUser returns cases for a user, newest first, with limit/offset.
func (r *MemoryRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	r.mu.RLock()
	ids := r.byUser[userID]
	out := make([]Case, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id])
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []Case{}, nil
	}
	end := len(out)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return out[offset:end], nil
}
