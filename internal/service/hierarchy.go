package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// HierarchyService manages the organizational tree and the card control
// policies attached to its nodes.
type HierarchyService struct {
	hierarchy repository.HierarchyRepository
	policies  repository.PolicyRepository
	log       zerolog.Logger
}

// NewHierarchyService creates a new HierarchyService.
func NewHierarchyService(hierarchy repository.HierarchyRepository, policies repository.PolicyRepository, log zerolog.Logger) *HierarchyService {
	return &HierarchyService{hierarchy: hierarchy, policies: policies, log: log}
}

// CreateNode validates and stores a hierarchy node. A node's type must sit
// exactly one level below its parent's type; only bank roots may omit the
// parent.
func (s *HierarchyService) CreateNode(ctx context.Context, node *repository.HierarchyNode) (*repository.HierarchyNode, error) {
	if !node.Type.Valid() {
		return nil, apperrors.InvalidInput("type", "unknown node type")
	}
	if node.Name == "" {
		return nil, apperrors.InvalidInput("name", "node name is required")
	}
	if node.Code == "" {
		return nil, apperrors.InvalidInput("code", "node code is required")
	}

	if node.Type == repository.NodeTypeBank {
		if node.ParentID != nil {
			return nil, apperrors.InvalidInput("parent_id", "bank nodes are roots and take no parent")
		}
	} else {
		if node.ParentID == nil {
			return nil, apperrors.InvalidInput("parent_id", "non-bank nodes require a parent")
		}
		parent, err := s.hierarchy.GetNode(ctx, *node.ParentID)
		if err != nil {
			return nil, err
		}
		if !node.Type.ChildOf(parent.Type) {
			return nil, apperrors.InvalidInput("type",
				"node type must be exactly one level below its parent's type")
		}
	}

	if node.Status == "" {
		node.Status = "active"
	}
	if err := s.hierarchy.CreateNode(ctx, node); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("node_id", node.ID).
		Str("type", string(node.Type)).
		Str("code", node.Code).
		Msg("Hierarchy node created")

	return node, nil
}

// GetNode returns one node by id.
func (s *HierarchyService) GetNode(ctx context.Context, id string) (*repository.HierarchyNode, error) {
	return s.hierarchy.GetNode(ctx, id)
}

// ListNodes returns all nodes, optionally filtered by type.
func (s *HierarchyService) ListNodes(ctx context.Context, nodeType *repository.NodeType) ([]*repository.HierarchyNode, error) {
	if nodeType != nil && !nodeType.Valid() {
		return nil, apperrors.InvalidInput("type", "unknown node type")
	}
	return s.hierarchy.ListNodes(ctx, nodeType)
}

// UpsertPolicy stores a node's card control policy. Policies attach to
// company, division, and department nodes; descendants inherit through the
// resolver. Writes are accepted as authored — widening against the parent is
// clamped at resolution time, not rejected here.
func (s *HierarchyService) UpsertPolicy(ctx context.Context, p *repository.CardControlPolicy) (*repository.CardControlPolicy, error) {
	node, err := s.hierarchy.GetNode(ctx, p.NodeID)
	if err != nil {
		return nil, err
	}
	if p.NodeType != "" && p.NodeType != node.Type {
		return nil, apperrors.InvalidInput("node_type", "node type does not match the stored node")
	}
	p.NodeType = node.Type

	depth := node.Type.Depth()
	if depth < repository.NodeTypeCompany.Depth() || depth > repository.NodeTypeDepartment.Depth() {
		return nil, apperrors.InvalidInput("node_id",
			"card control policies attach to company, division, or department nodes")
	}

	for _, limit := range []*int64{p.PerTxnLimit, p.DailyLimit, p.MonthlyLimit} {
		if limit != nil && *limit < 0 {
			return nil, apperrors.InvalidInput("limits", "spend limits must not be negative")
		}
	}

	if err := s.policies.Upsert(ctx, p); err != nil {
		return nil, err
	}

	s.log.Info().Str("node_id", p.NodeID).Str("node_type", string(p.NodeType)).Msg("Card control policy upserted")
	return p, nil
}

// GetPolicy returns a node's own (unmerged) policy, or NotFound when the
// node carries none.
func (s *HierarchyService) GetPolicy(ctx context.Context, nodeID string) (*repository.CardControlPolicy, error) {
	p, err := s.policies.GetByNodeID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.NotFound("card_control_policy", nodeID)
	}
	return p, nil
}
