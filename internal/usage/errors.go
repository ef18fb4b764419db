package usage

import "errors"

// ErrLimitReached indicates the user exceeded their credit limit.
var ErrLimitReached = errors.New("limit reached")

// ErrNotConsumed indicates a refund was requested for a key that never
// consumed a credit.
var ErrNotConsumed = errors.New("nothing to refund")
