package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/database"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// HierarchyRepository stores the organizational tree in hierarchy_nodes.
type HierarchyRepository struct {
	db *database.DB
}

// CreateNode inserts a new hierarchy node.
func (r *HierarchyRepository) CreateNode(ctx context.Context, node *repository.HierarchyNode) error {
	query := `
		INSERT INTO hierarchy_nodes
		    (node_type, parent_id, name, code, status)
		VALUES ($1::hierarchy_node_type, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		node.Type,
		node.ParentID,
		node.Name,
		node.Code,
		node.Status,
	).Scan(&node.ID, &node.CreatedAt, &node.UpdatedAt)
}

// GetNode retrieves a node by primary key.
func (r *HierarchyRepository) GetNode(ctx context.Context, id string) (*repository.HierarchyNode, error) {
	query := `
		SELECT id, node_type, parent_id, name, code, status, created_at, updated_at
		FROM hierarchy_nodes
		WHERE id = $1
	`

	node, err := scanNode(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("hierarchy_node", id)
	}
	return node, err
}

// ListNodes returns all nodes, optionally filtered by type, oldest first.
func (r *HierarchyRepository) ListNodes(ctx context.Context, nodeType *repository.NodeType) ([]*repository.HierarchyNode, error) {
	query := `
		SELECT id, node_type, parent_id, name, code, status, created_at, updated_at
		FROM hierarchy_nodes
	`
	args := []any{}
	if nodeType != nil {
		query += " WHERE node_type = $1::hierarchy_node_type"
		args = append(args, *nodeType)
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list hierarchy nodes")
	}
	defer rows.Close()

	var nodes []*repository.HierarchyNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan hierarchy node")
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

type nodeScanner interface {
	Scan(dest ...any) error
}

func scanNode(row nodeScanner) (*repository.HierarchyNode, error) {
	node := &repository.HierarchyNode{}
	err := row.Scan(
		&node.ID,
		&node.Type,
		&node.ParentID,
		&node.Name,
		&node.Code,
		&node.Status,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// PolicyRepository stores per-node card control policies.
type PolicyRepository struct {
	db *database.DB
}

// Upsert inserts or replaces a node's policy. Channel toggles travel as JSONB.
func (r *PolicyRepository) Upsert(ctx context.Context, policy *repository.CardControlPolicy) error {
	channelsJSON, err := json.Marshal(policy.Channels)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal channel toggles")
	}

	query := `
		INSERT INTO card_control_policies
		    (node_id, node_type, per_txn_limit, daily_limit, monthly_limit,
		     allowed_mccs, blocked_mccs, channels, allowed_countries, updated_by)
		VALUES ($1, $2::hierarchy_node_type, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		ON CONFLICT (node_id) DO UPDATE
		SET node_type         = EXCLUDED.node_type,
		    per_txn_limit     = EXCLUDED.per_txn_limit,
		    daily_limit       = EXCLUDED.daily_limit,
		    monthly_limit     = EXCLUDED.monthly_limit,
		    allowed_mccs      = EXCLUDED.allowed_mccs,
		    blocked_mccs      = EXCLUDED.blocked_mccs,
		    channels          = EXCLUDED.channels,
		    allowed_countries = EXCLUDED.allowed_countries,
		    updated_by        = EXCLUDED.updated_by,
		    updated_at        = NOW()
		RETURNING created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		policy.NodeID,
		policy.NodeType,
		policy.PerTxnLimit,
		policy.DailyLimit,
		policy.MonthlyLimit,
		policy.AllowedMCCs,
		policy.BlockedMCCs,
		channelsJSON,
		policy.AllowedCountries,
		policy.UpdatedBy,
	).Scan(&policy.CreatedAt, &policy.UpdatedAt)
}

// GetByNodeID returns a node's own policy, or (nil, nil) when the node
// carries none.
func (r *PolicyRepository) GetByNodeID(ctx context.Context, nodeID string) (*repository.CardControlPolicy, error) {
	query := `
		SELECT node_id, node_type, per_txn_limit, daily_limit, monthly_limit,
		       allowed_mccs, blocked_mccs, channels, allowed_countries,
		       updated_by, created_at, updated_at
		FROM card_control_policies
		WHERE node_id = $1
	`

	policy := &repository.CardControlPolicy{}
	var channelsJSON []byte
	err := r.db.QueryRow(ctx, query, nodeID).Scan(
		&policy.NodeID,
		&policy.NodeType,
		&policy.PerTxnLimit,
		&policy.DailyLimit,
		&policy.MonthlyLimit,
		&policy.AllowedMCCs,
		&policy.BlockedMCCs,
		&channelsJSON,
		&policy.AllowedCountries,
		&policy.UpdatedBy,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan card control policy")
	}

	if channelsJSON != nil {
		if err := json.Unmarshal(channelsJSON, &policy.Channels); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal channel toggles")
		}
	}
	return policy, nil
}
