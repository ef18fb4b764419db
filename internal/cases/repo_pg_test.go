package cases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newPGRepoTest(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGRepo{DB: db}, mock
}

func TestPGRepoCreate(t *testing.T) {
	repo, mock := newPGRepoTest(t)

	c := Case{
		ID:             "case-1",
		UserID:         "user-1",
		ImageKey:       "user-1/smile.jpg",
		ImageKind:      "smile_front",
		Mode:           ModeAnalysis,
		Status:         StatusQueued,
		IdempotencyKey: "req-1",
		CreatedAt:      time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO cases").
		WithArgs(
			c.ID,
			c.UserID,
			c.ImageKey,
			nil, // source_case_id
			c.ImageKind,
			c.Mode,
			c.Status,
			c.IdempotencyKey,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoGetByIDNotFound(t *testing.T) {
	repo, mock := newPGRepoTest(t)

	mock.ExpectQuery("SELECT (.+) FROM cases WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoUpdateFailure(t *testing.T) {
	repo, mock := newPGRepoTest(t)

	completedAt := time.Now().UTC()
	mock.ExpectExec("UPDATE cases SET status").
		WithArgs(StatusFailed, ErrorCodeExhausted, "every provider failed", true, completedAt, "case-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateFailure(context.Background(), "case-1", ErrorCodeExhausted, "every provider failed", true, completedAt)
	if err != nil {
		t.Fatalf("UpdateFailure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoUpdateResultMissingCase(t *testing.T) {
	repo, mock := newPGRepoTest(t)

	mock.ExpectExec("UPDATE cases SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateResult(context.Background(), "missing", CaseResult{
		Provider:    "openai",
		Model:       "gpt-4o",
		CompletedAt: time.Now().UTC(),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
