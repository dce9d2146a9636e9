package repository

import (
	"context"
	"time"
)

// HierarchyRepository stores the organizational tree.
type HierarchyRepository interface {
	CreateNode(ctx context.Context, node *HierarchyNode) error
	GetNode(ctx context.Context, id string) (*HierarchyNode, error)
	// ListNodes returns all nodes, optionally filtered by type.
	ListNodes(ctx context.Context, nodeType *NodeType) ([]*HierarchyNode, error)
}

// PolicyRepository stores per-node card control policies.
type PolicyRepository interface {
	Upsert(ctx context.Context, policy *CardControlPolicy) error
	// GetByNodeID returns (nil, nil) when the node carries no explicit
	// policy; the resolver skips such nodes rather than treating them as
	// unrestricted.
	GetByNodeID(ctx context.Context, nodeID string) (*CardControlPolicy, error)
}

// ChainRuleRepository stores approval chain rules, ordered by creation.
type ChainRuleRepository interface {
	Create(ctx context.Context, rule *ApprovalChainRule) error
	GetByID(ctx context.Context, id string) (*ApprovalChainRule, error)
	List(ctx context.Context, activeOnly bool) ([]*ApprovalChainRule, error)
	Update(ctx context.Context, rule *ApprovalChainRule) error
	Delete(ctx context.Context, id string) error
}

// ApprovalRepository stores approval instances with their step snapshots and
// append-only timelines.
type ApprovalRepository interface {
	Create(ctx context.Context, inst *ApprovalInstance) error
	GetByID(ctx context.Context, id string) (*ApprovalInstance, error)
	// Mutate applies fn to the instance as a single atomic read-modify-write.
	// Two concurrent Mutate calls on the same id are serialized; fn returning
	// an error leaves the instance untouched. The mutated instance is
	// returned on success.
	Mutate(ctx context.Context, id string, fn func(inst *ApprovalInstance) error) (*ApprovalInstance, error)
	// ListDueIDs returns the ids of instances in the given status whose
	// dueAt is at or before the cutoff, oldest first.
	ListDueIDs(ctx context.Context, status ApprovalStatus, cutoff time.Time) ([]string, error)
	// ListPendingForUser returns open instances awaiting action from the
	// given identity, either directly assigned or delegated.
	ListPendingForUser(ctx context.Context, userID string) ([]*ApprovalInstance, error)
}

// DelegationRepository stores delegation grants.
type DelegationRepository interface {
	Create(ctx context.Context, d *Delegation) error
	GetByID(ctx context.Context, id string) (*Delegation, error)
	// ListActiveForDelegator returns delegations granted by the given
	// identity that are active and within their validity window at the
	// given instant.
	ListActiveForDelegator(ctx context.Context, delegatorID string, at time.Time) ([]*Delegation, error)
	// ListOverlappingForDelegator returns unrevoked delegations granted by
	// the given identity whose validity window overlaps [from, to), used for
	// the circular-delegation check at creation time.
	ListOverlappingForDelegator(ctx context.Context, delegatorID string, from, to time.Time) ([]*Delegation, error)
	List(ctx context.Context, activeOnly bool) ([]*Delegation, error)
	Revoke(ctx context.Context, id, revokedBy string) error
}

// SoDRuleRepository stores the built-in segregation-of-duties rule
// configuration and violation counters.
type SoDRuleRepository interface {
	GetByCode(ctx context.Context, code SoDRuleCode) (*SoDRule, error)
	List(ctx context.Context) ([]*SoDRule, error)
	Put(ctx context.Context, rule *SoDRule) error
	IncrementViolations(ctx context.Context, code SoDRuleCode) error
}

// EscalationConfigRepository stores the single escalation configuration row.
type EscalationConfigRepository interface {
	Get(ctx context.Context) (*EscalationConfig, error)
	Update(ctx context.Context, cfg *EscalationConfig) error
}

// AuditRepository appends and reads immutable audit log entries.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByInstance(ctx context.Context, instanceID string) ([]*AuditEntry, error)
}

// Store bundles all repositories behind one constructor per backend, so the
// engine cannot tell a relational store from an in-memory map.
type Store interface {
	Hierarchy() HierarchyRepository
	Policies() PolicyRepository
	ChainRules() ChainRuleRepository
	Approvals() ApprovalRepository
	Delegations() DelegationRepository
	SoDRules() SoDRuleRepository
	EscalationConfig() EscalationConfigRepository
	Audit() AuditRepository
}
