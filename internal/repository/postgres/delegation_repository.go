package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/database"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// DelegationRepository stores delegation grants.
type DelegationRepository struct {
	db *database.DB
}

const delegationColumns = `
	id, delegator_id, delegatee_id, valid_from, valid_to,
	amount_limit, reason, is_active, revoked_at, revoked_by,
	created_at, updated_at
`

// Create inserts a new delegation grant.
func (r *DelegationRepository) Create(ctx context.Context, d *repository.Delegation) error {
	query := `
		INSERT INTO delegations
		    (delegator_id, delegatee_id, valid_from, valid_to,
		     amount_limit, reason, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		d.DelegatorID,
		d.DelegateeID,
		d.ValidFrom,
		d.ValidTo,
		d.AmountLimit,
		d.Reason,
		d.IsActive,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

// GetByID retrieves a delegation by primary key.
func (r *DelegationRepository) GetByID(ctx context.Context, id string) (*repository.Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = $1`

	d, err := scanDelegation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("delegation", id)
	}
	return d, err
}

// ListActiveForDelegator returns active in-window delegations granted by the
// given identity.
func (r *DelegationRepository) ListActiveForDelegator(ctx context.Context, delegatorID string, at time.Time) ([]*repository.Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM delegations
		WHERE delegator_id = $1
		  AND is_active = TRUE
		  AND revoked_at IS NULL
		  AND valid_from <= $2
		  AND valid_to > $2
		ORDER BY created_at ASC
	`
	return r.queryDelegations(ctx, query, delegatorID, at)
}

// ListOverlappingForDelegator returns unrevoked delegations granted by the
// given identity whose validity window overlaps [from, to). The circularity
// check uses it so reverse grants with future windows are still caught.
func (r *DelegationRepository) ListOverlappingForDelegator(ctx context.Context, delegatorID string, from, to time.Time) ([]*repository.Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM delegations
		WHERE delegator_id = $1
		  AND is_active = TRUE
		  AND revoked_at IS NULL
		  AND valid_from < $3
		  AND valid_to > $2
		ORDER BY created_at ASC
	`
	return r.queryDelegations(ctx, query, delegatorID, from, to)
}

// List returns all delegations, optionally only currently active ones.
func (r *DelegationRepository) List(ctx context.Context, activeOnly bool) ([]*repository.Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations`
	args := []any{}
	if activeOnly {
		query += `
			WHERE is_active = TRUE
			  AND revoked_at IS NULL
			  AND valid_from <= NOW()
			  AND valid_to > NOW()`
	}
	query += " ORDER BY created_at ASC"
	return r.queryDelegations(ctx, query, args...)
}

// Revoke deactivates a delegation.
func (r *DelegationRepository) Revoke(ctx context.Context, id, revokedBy string) error {
	query := `
		UPDATE delegations
		SET is_active  = FALSE,
		    revoked_at = NOW(),
		    revoked_by = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, revokedBy).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("delegation", id)
	}
	return err
}

func (r *DelegationRepository) queryDelegations(ctx context.Context, query string, args ...any) ([]*repository.Delegation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var out []*repository.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	return out, nil
}

type delegationScanner interface {
	Scan(dest ...any) error
}

func scanDelegation(row delegationScanner) (*repository.Delegation, error) {
	d := &repository.Delegation{}
	err := row.Scan(
		&d.ID,
		&d.DelegatorID,
		&d.DelegateeID,
		&d.ValidFrom,
		&d.ValidTo,
		&d.AmountLimit,
		&d.Reason,
		&d.IsActive,
		&d.RevokedAt,
		&d.RevokedBy,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
