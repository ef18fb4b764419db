package account

import (
	"context"
	"errors"
	"strings"

	"smile-backend/internal/cases"
)

type Service struct {
	CaseRepo cases.Repo
}

type ClaimResult struct {
	MigratedCases int `json:"migratedCases"`
}

func NewService(caseRepo cases.Repo) *Service {
	return &Service{CaseRepo: caseRepo}
}

// guestClaimer is satisfied by repos that can reassign guest ownership in bulk.
type guestClaimer interface {
	ClaimGuest(ctx context.Context, guestUserID, authedUserID string) (int, error)
}

func (s *Service) ClaimGuest(ctx context.Context, guestUserID, authedUserID string) (ClaimResult, error) {
	if strings.TrimSpace(guestUserID) == "" || strings.TrimSpace(authedUserID) == "" {
		return ClaimResult{}, errors.New("guestUserID and authedUserID are required")
	}

	claimer, ok := s.CaseRepo.(guestClaimer)
	if !ok {
		return ClaimResult{}, errors.New("case repo does not support claim")
	}
	count, err := claimer.ClaimGuest(ctx, guestUserID, authedUserID)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{MigratedCases: count}, nil
}
