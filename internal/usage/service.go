package usage

import "context"

type store interface {
	Get(ctx context.Context, userID string) (Usage, error)
	EnsurePeriod(ctx context.Context, userID string) (Usage, error)
	Consume(ctx context.Context, userID string, key LedgerKey, n int) (Usage, bool, error)
	Refund(ctx context.Context, userID string, key LedgerKey) (Usage, bool, error)
	Reset(ctx context.Context, userID string) (Usage, error)
}

// Service manages the metered credit ledger via an underlying store.
type Service struct {
	store store
}

// NewService constructs a Service with an in-memory store.
func NewService() *Service {
	return &Service{store: newMemoryStore()}
}

// NewPostgresService constructs a Service backed by Postgres.
func NewPostgresService(pgStore store) *Service {
	return &Service{store: pgStore}
}

// Get returns the current usage for a user, initializing defaults if absent.
func (s *Service) Get(ctx context.Context, userID string) (Usage, error) {
	return s.store.Get(ctx, userID)
}

// EnsurePeriod resets usage if the period has expired.
func (s *Service) EnsurePeriod(ctx context.Context, userID string) (Usage, error) {
	return s.store.EnsurePeriod(ctx, userID)
}

// Consume charges n credits for the keyed attempt. A key that already
// consumed is not charged again; the second return reports whether this call
// actually charged.
func (s *Service) Consume(ctx context.Context, userID string, key LedgerKey, n int) (Usage, bool, error) {
	return s.store.Consume(ctx, userID, key, n)
}

// Refund returns the credits of a previously consumed key after a terminal
// failure. A key never consumed, or already refunded, refunds nothing; the
// second return reports whether this call actually refunded.
func (s *Service) Refund(ctx context.Context, userID string, key LedgerKey) (Usage, bool, error) {
	return s.store.Refund(ctx, userID, key)
}

// Reset sets usage to zero and resets the window.
func (s *Service) Reset(ctx context.Context, userID string) (Usage, error) {
	return s.store.Reset(ctx, userID)
}
