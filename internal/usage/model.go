package usage

import "time"

// Usage represents a user's plan consumption snapshot.
type Usage struct {
	Plan     string    `json:"plan"`
	Limit    int       `json:"limit"`
	Used     int       `json:"used"`
	ResetsAt time.Time `json:"resetsAt"`
}

// LedgerKey identifies one metered attempt. The same key always maps to the
// same charge, no matter how many times the caller retries.
type LedgerKey struct {
	Operation      string
	IdempotencyKey string
}

// LedgerEntry records a single consume and, when the attempt later failed
// terminally, its refund.
type LedgerEntry struct {
	UserID         string
	Operation      string
	IdempotencyKey string
	Units          int
	ConsumedAt     time.Time
	RefundedAt     *time.Time
}
