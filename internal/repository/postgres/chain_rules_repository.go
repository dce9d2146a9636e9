package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/database"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// ChainRuleRepository handles CRUD for approval_chain_rules. The ordered
// step list travels as a JSONB array.
type ChainRuleRepository struct {
	db *database.DB
}

// Create inserts a new chain rule.
func (r *ChainRuleRepository) Create(ctx context.Context, rule *repository.ApprovalChainRule) error {
	stepsJSON, err := json.Marshal(rule.Steps)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal chain steps")
	}

	query := `
		INSERT INTO approval_chain_rules
		    (name, amount_min, amount_max, category, steps, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.Name,
		rule.AmountMin,
		rule.AmountMax,
		rule.Category,
		stepsJSON,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

// GetByID retrieves a rule by primary key.
func (r *ChainRuleRepository) GetByID(ctx context.Context, id string) (*repository.ApprovalChainRule, error) {
	query := `
		SELECT id, name, amount_min, amount_max, category, steps, is_active,
		       created_at, updated_at
		FROM approval_chain_rules
		WHERE id = $1
	`

	rule, err := scanChainRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_chain_rule", id)
	}
	return rule, err
}

// List returns all rules ordered by creation, optionally active only.
func (r *ChainRuleRepository) List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalChainRule, error) {
	query := `
		SELECT id, name, amount_min, amount_max, category, steps, is_active,
		       created_at, updated_at
		FROM approval_chain_rules
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list chain rules")
	}
	defer rows.Close()

	var rules []*repository.ApprovalChainRule
	for rows.Next() {
		rule, err := scanChainRule(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan chain rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Update persists changes to an existing rule.
func (r *ChainRuleRepository) Update(ctx context.Context, rule *repository.ApprovalChainRule) error {
	stepsJSON, err := json.Marshal(rule.Steps)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal chain steps")
	}

	query := `
		UPDATE approval_chain_rules
		SET name       = $2,
		    amount_min = $3,
		    amount_max = $4,
		    category   = $5,
		    steps      = $6,
		    is_active  = $7,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.AmountMin,
		rule.AmountMax,
		rule.Category,
		stepsJSON,
		rule.IsActive,
	).Scan(&rule.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_chain_rule", rule.ID)
	}
	return err
}

// Delete removes a chain rule.
func (r *ChainRuleRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM approval_chain_rules WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to delete chain rule")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_chain_rule", id)
	}
	return nil
}

type chainRuleScanner interface {
	Scan(dest ...any) error
}

func scanChainRule(row chainRuleScanner) (*repository.ApprovalChainRule, error) {
	rule := &repository.ApprovalChainRule{}
	var stepsJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.AmountMin,
		&rule.AmountMax,
		&rule.Category,
		&stepsJSON,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &rule.Steps); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal chain steps")
	}
	return rule, nil
}
