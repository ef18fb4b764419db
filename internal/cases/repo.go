package cases

import (
	"context"
	"encoding/json"
	"time"

	"smile-backend/internal/protocol"
)

// CaseResult carries everything a completed case persists in one update.
type CaseResult struct {
	Provider      string
	Model         string
	AnalysisRaw   json.RawMessage
	Analysis      *CaseAnalysis
	Protocol      *protocol.Protocol
	SimulationKey string
	CompletedAt   time.Time
}

// Repo defines persistence operations for cases.
type Repo interface {
	Create(ctx context.Context, c Case) error
	GetByID(ctx context.Context, caseID string) (Case, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (Case, error)
	MarkProcessing(ctx context.Context, caseID string, startedAt time.Time) error
	UpdateResult(ctx context.Context, caseID string, result CaseResult) error
	UpdateFailure(ctx context.Context, caseID, code, message string, retryable bool, completedAt time.Time) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Case, error)
}
