package cases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"smile-backend/internal/protocol"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const caseColumns = `
id, user_id, image_key, source_case_id, image_kind, mode, status, provider, model,
analysis_raw, analysis, protocol, simulation_key,
error_code, error_message, error_retryable, idempotency_key,
created_at, started_at, completed_at`

// Create inserts a new case.
func (r *PGRepo) Create(ctx context.Context, c Case) error {
	const query = `
INSERT INTO cases (
	id, user_id, image_key, source_case_id, image_kind, mode, status, idempotency_key, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.DB.ExecContext(ctx, query,
		c.ID,
		c.UserID,
		c.ImageKey,
		nullString(c.SourceCaseID),
		c.ImageKind,
		c.Mode,
		c.Status,
		nullString(c.IdempotencyKey),
		c.CreatedAt,
	)
	return err
}

// GetByID returns a case by ID.
func (r *PGRepo) GetByID(ctx context.Context, caseID string) (Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE id = $1 LIMIT 1`
	return scanCase(r.DB.QueryRowContext(ctx, query, caseID))
}

// GetByIdempotencyKey returns the user's case created under the given key.
func (r *PGRepo) GetByIdempotencyKey(ctx context.Context, userID, key string) (Case, error) {
	if key == "" {
		return Case{}, ErrNotFound
	}
	query := `SELECT ` + caseColumns + ` FROM cases
WHERE user_id = $1 AND idempotency_key = $2
ORDER BY created_at DESC LIMIT 1`
	return scanCase(r.DB.QueryRowContext(ctx, query, userID, key))
}

// MarkProcessing transitions a queued case to processing.
func (r *PGRepo) MarkProcessing(ctx context.Context, caseID string, startedAt time.Time) error {
	const query = `UPDATE cases SET status = $1, started_at = $2 WHERE id = $3`
	res, err := r.DB.ExecContext(ctx, query, StatusProcessing, startedAt, caseID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateResult stores the completed outcome.
func (r *PGRepo) UpdateResult(ctx context.Context, caseID string, result CaseResult) error {
	analysisPayload, err := marshalJSONB(result.Analysis)
	if err != nil {
		return err
	}
	protocolPayload, err := marshalJSONB(result.Protocol)
	if err != nil {
		return err
	}
	const query = `
UPDATE cases SET
	status = $1, provider = $2, model = $3,
	analysis_raw = $4, analysis = $5, protocol = $6,
	simulation_key = $7, completed_at = $8
WHERE id = $9`
	res, err := r.DB.ExecContext(ctx, query,
		StatusCompleted,
		result.Provider,
		result.Model,
		rawOrNil(result.AnalysisRaw),
		analysisPayload,
		protocolPayload,
		nullString(result.SimulationKey),
		result.CompletedAt,
		caseID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateFailure marks the case failed with its classified error.
func (r *PGRepo) UpdateFailure(ctx context.Context, caseID, code, message string, retryable bool, completedAt time.Time) error {
	const query = `
UPDATE cases SET status = $1, error_code = $2, error_message = $3, error_retryable = $4, completed_at = $5
WHERE id = $6`
	res, err := r.DB.ExecContext(ctx, query, StatusFailed, code, message, retryable, completedAt, caseID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListByUser returns cases for a user ordered newest-first.
func (r *PGRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Case, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + caseColumns + ` FROM cases
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := r.DB.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimGuest reassigns every case owned by guestUserID to authedUserID and
// returns how many rows moved.
func (r *PGRepo) ClaimGuest(ctx context.Context, guestUserID, authedUserID string) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE cases SET user_id = $1 WHERE user_id = $2`,
		authedUserID, guestUserID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (Case, error) {
	var c Case
	var sourceCaseID, provider, model, analysisRaw, analysis, protocolJSON sql.NullString
	var simulationKey, errorCode, errorMessage, idempotencyKey sql.NullString
	var errorRetryable sql.NullBool
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.UserID, &c.ImageKey, &sourceCaseID, &c.ImageKind, &c.Mode, &c.Status,
		&provider, &model,
		&analysisRaw, &analysis, &protocolJSON, &simulationKey,
		&errorCode, &errorMessage, &errorRetryable, &idempotencyKey,
		&c.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, err
	}

	if sourceCaseID.Valid {
		c.SourceCaseID = sourceCaseID.String
	}
	if provider.Valid {
		c.Provider = provider.String
	}
	if model.Valid {
		c.Model = model.String
	}
	if analysisRaw.Valid {
		c.AnalysisRaw = json.RawMessage(analysisRaw.String)
	}
	if analysis.Valid {
		parsed := &CaseAnalysis{}
		if err := json.Unmarshal([]byte(analysis.String), parsed); err == nil {
			c.Analysis = parsed
		}
	}
	if protocolJSON.Valid {
		parsed := &protocol.Protocol{}
		if err := json.Unmarshal([]byte(protocolJSON.String), parsed); err == nil {
			c.Protocol = parsed
		}
	}
	if simulationKey.Valid {
		c.SimulationKey = simulationKey.String
	}
	if errorCode.Valid {
		c.ErrorCode = errorCode.String
	}
	if errorMessage.Valid {
		c.ErrorMessage = errorMessage.String
	}
	if errorRetryable.Valid {
		c.Retryable = errorRetryable.Bool
	}
	if idempotencyKey.Valid {
		c.IdempotencyKey = idempotencyKey.String
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

func marshalJSONB(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch v := value.(type) {
	case *CaseAnalysis:
		if v == nil {
			return nil, nil
		}
	case *protocol.Protocol:
		if v == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
