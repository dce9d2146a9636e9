package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/database"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// SoDRuleRepository stores the segregation-of-duties rule configuration and
// violation counters.
type SoDRuleRepository struct {
	db *database.DB
}

// GetByCode retrieves one SoD rule.
func (r *SoDRuleRepository) GetByCode(ctx context.Context, code repository.SoDRuleCode) (*repository.SoDRule, error) {
	query := `
		SELECT code, name, enforcement, violation_count, updated_at
		FROM sod_rules
		WHERE code = $1
	`

	rule := &repository.SoDRule{}
	err := r.db.QueryRow(ctx, query, code).Scan(
		&rule.Code, &rule.Name, &rule.Enforcement, &rule.ViolationCount, &rule.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("sod_rule", string(code))
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan SoD rule")
	}
	return rule, nil
}

// List returns all configured SoD rules.
func (r *SoDRuleRepository) List(ctx context.Context) ([]*repository.SoDRule, error) {
	query := `
		SELECT code, name, enforcement, violation_count, updated_at
		FROM sod_rules
		ORDER BY code ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list SoD rules")
	}
	defer rows.Close()

	var rules []*repository.SoDRule
	for rows.Next() {
		rule := &repository.SoDRule{}
		if err := rows.Scan(&rule.Code, &rule.Name, &rule.Enforcement, &rule.ViolationCount, &rule.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan SoD rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Put inserts or replaces a rule's configuration, preserving its counter.
func (r *SoDRuleRepository) Put(ctx context.Context, rule *repository.SoDRule) error {
	query := `
		INSERT INTO sod_rules (code, name, enforcement, violation_count)
		VALUES ($1, $2, $3::sod_enforcement, $4)
		ON CONFLICT (code) DO UPDATE
		SET name        = EXCLUDED.name,
		    enforcement = EXCLUDED.enforcement,
		    updated_at  = NOW()
		RETURNING violation_count, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.Code, rule.Name, rule.Enforcement, rule.ViolationCount,
	).Scan(&rule.ViolationCount, &rule.UpdatedAt)
}

// IncrementViolations bumps the advisory violation counter.
func (r *SoDRuleRepository) IncrementViolations(ctx context.Context, code repository.SoDRuleCode) error {
	query := `
		UPDATE sod_rules
		SET violation_count = violation_count + 1,
		    updated_at      = NOW()
		WHERE code = $1
		RETURNING code
	`

	var returned string
	err := r.db.QueryRow(ctx, query, code).Scan(&returned)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("sod_rule", string(code))
	}
	return err
}

// EscalationConfigRepository stores the single escalation configuration row.
type EscalationConfigRepository struct {
	db *database.DB
}

// Get returns the escalation configuration, falling back to defaults when
// the row has not been written yet.
func (r *EscalationConfigRepository) Get(ctx context.Context) (*repository.EscalationConfig, error) {
	query := `
		SELECT sla_hours, fallback_roles, updated_at
		FROM escalation_config
		WHERE id = 1
	`

	cfg := &repository.EscalationConfig{}
	var rolesJSON []byte
	err := r.db.QueryRow(ctx, query).Scan(&cfg.SLAHours, &rolesJSON, &cfg.UpdatedAt)
	if err == pgx.ErrNoRows {
		return &repository.EscalationConfig{SLAHours: 48, FallbackRoles: map[string]string{}}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan escalation config")
	}

	cfg.FallbackRoles = map[string]string{}
	if rolesJSON != nil {
		if err := json.Unmarshal(rolesJSON, &cfg.FallbackRoles); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal fallback roles")
		}
	}
	return cfg, nil
}

// Update writes the escalation configuration.
func (r *EscalationConfigRepository) Update(ctx context.Context, cfg *repository.EscalationConfig) error {
	rolesJSON, err := json.Marshal(cfg.FallbackRoles)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal fallback roles")
	}

	query := `
		INSERT INTO escalation_config (id, sla_hours, fallback_roles)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET sla_hours      = EXCLUDED.sla_hours,
		    fallback_roles = EXCLUDED.fallback_roles,
		    updated_at     = NOW()
		RETURNING updated_at
	`

	return r.db.QueryRow(ctx, query, cfg.SLAHours, rolesJSON).Scan(&cfg.UpdatedAt)
}
