package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// DelegationService manages delegation grants. Circularity is rejected here,
// at creation time, not later at approval time.
type DelegationService struct {
	delegations repository.DelegationRepository
	sod         *SoDValidator
	log         zerolog.Logger
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(delegations repository.DelegationRepository, sod *SoDValidator, log zerolog.Logger) *DelegationService {
	return &DelegationService{delegations: delegations, sod: sod, log: log}
}

// CreateDelegationRequest carries a new delegation grant.
type CreateDelegationRequest struct {
	DelegatorID string     `json:"delegator_id"`
	DelegateeID string     `json:"delegatee_id"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     time.Time  `json:"valid_to"`
	AmountLimit *int64     `json:"amount_limit,omitempty"`
	Reason      string     `json:"reason"`
}

// Create validates and stores a delegation grant.
func (s *DelegationService) Create(ctx context.Context, req *CreateDelegationRequest) (*repository.Delegation, error) {
	if req.DelegatorID == "" {
		return nil, apperrors.InvalidInput("delegator_id", "delegator identity is required")
	}
	if req.DelegateeID == "" {
		return nil, apperrors.InvalidInput("delegatee_id", "delegatee identity is required")
	}
	if req.Reason == "" {
		return nil, apperrors.InvalidInput("reason", "delegation reason is required")
	}
	if !req.ValidTo.After(req.ValidFrom) {
		return nil, apperrors.InvalidInput("valid_to", "validity window must end after it starts")
	}
	if req.AmountLimit != nil && *req.AmountLimit <= 0 {
		return nil, apperrors.InvalidInput("amount_limit", "must be positive when set")
	}

	sodResult, err := s.sod.CheckDelegation(ctx, req.DelegatorID, req.DelegateeID, req.ValidFrom, req.ValidTo, s.delegations)
	if err != nil {
		return nil, err
	}
	if sodResult.Blocked() {
		v := sodResult.Violations[0]
		return nil, apperrors.New(apperrors.ErrCodeSoDViolation,
			fmt.Sprintf("%s: %s", v.RuleCode, v.Detail))
	}

	d := &repository.Delegation{
		DelegatorID: req.DelegatorID,
		DelegateeID: req.DelegateeID,
		ValidFrom:   req.ValidFrom,
		ValidTo:     req.ValidTo,
		AmountLimit: req.AmountLimit,
		Reason:      req.Reason,
		IsActive:    true,
	}
	if err := s.delegations.Create(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("delegation_id", d.ID).
		Str("delegator", d.DelegatorID).
		Str("delegatee", d.DelegateeID).
		Time("valid_to", d.ValidTo).
		Msg("Delegation created")

	return d, nil
}

// Get returns one delegation by id.
func (s *DelegationService) Get(ctx context.Context, id string) (*repository.Delegation, error) {
	return s.delegations.GetByID(ctx, id)
}

// List returns delegations, optionally only the currently active ones.
func (s *DelegationService) List(ctx context.Context, activeOnly bool) ([]*repository.Delegation, error) {
	return s.delegations.List(ctx, activeOnly)
}

// Revoke deactivates a delegation.
func (s *DelegationService) Revoke(ctx context.Context, id, revokedBy string) error {
	if revokedBy == "" {
		return apperrors.InvalidInput("revoked_by", "revoker identity is required")
	}
	if err := s.delegations.Revoke(ctx, id, revokedBy); err != nil {
		return err
	}
	s.log.Info().Str("delegation_id", id).Str("revoked_by", revokedBy).Msg("Delegation revoked")
	return nil
}
