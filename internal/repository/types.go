// Package repository defines the domain types and the store interfaces the
// approval engine is built on. Two complete implementations exist: postgres
// (pgx) and memory. The engine only ever sees the interfaces.
package repository

import "time"

// ── Organizational hierarchy ─────────────────────────────────────────────────

// NodeType is one of the six levels of the organizational tree.
type NodeType string

const (
	NodeTypeBank       NodeType = "BANK"
	NodeTypeProgram    NodeType = "PROGRAM"
	NodeTypeCompany    NodeType = "COMPANY"
	NodeTypeDivision   NodeType = "DIVISION"
	NodeTypeDepartment NodeType = "DEPARTMENT"
	NodeTypeCostCenter NodeType = "COST_CENTER"
)

// Depth returns the node type's level in the tree, bank being 0. Returns -1
// for an unknown type.
func (t NodeType) Depth() int {
	switch t {
	case NodeTypeBank:
		return 0
	case NodeTypeProgram:
		return 1
	case NodeTypeCompany:
		return 2
	case NodeTypeDivision:
		return 3
	case NodeTypeDepartment:
		return 4
	case NodeTypeCostCenter:
		return 5
	}
	return -1
}

// Valid reports whether t is one of the six known node types.
func (t NodeType) Valid() bool { return t.Depth() >= 0 }

// ChildOf reports whether t sits exactly one level below parent. Level
// skipping is not allowed anywhere in the tree.
func (t NodeType) ChildOf(parent NodeType) bool {
	return t.Valid() && parent.Valid() && t.Depth() == parent.Depth()+1
}

// HierarchyNode is one node of the organizational tree.
type HierarchyNode struct {
	ID        string
	Type      NodeType
	ParentID  *string // nil only for the bank root
	Name      string
	Code      string
	Status    string // active | inactive
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ── Card control policies ────────────────────────────────────────────────────

// ChannelToggles are the per-channel spend switches. A nil pointer means the
// policy does not define the toggle and the parent's value is inherited.
type ChannelToggles struct {
	POS         *bool `json:"pos,omitempty"`
	Ecom        *bool `json:"ecom,omitempty"`
	ATM         *bool `json:"atm,omitempty"`
	Contactless *bool `json:"contactless,omitempty"`
	Wallet      *bool `json:"wallet,omitempty"`
}

// CardControlPolicy is the partial control override attached to one node.
// Nil fields inherit from the ancestor chain; defined fields may only narrow
// the inherited value (enforced by clamping at resolution time).
type CardControlPolicy struct {
	NodeID           string
	NodeType         NodeType
	PerTxnLimit      *int64 // paise
	DailyLimit       *int64
	MonthlyLimit     *int64
	AllowedMCCs      []string // nil = inherit; empty = block everything
	BlockedMCCs      []string // always additive across the chain
	Channels         ChannelToggles
	AllowedCountries []string // nil = inherit
	UpdatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EffectivePolicy is the resolved merge of a node's own policy with all of
// its ancestors'. Never persisted; recomputed per resolution call.
type EffectivePolicy struct {
	NodeID           string         `json:"node_id"`
	NodeType         NodeType       `json:"node_type"`
	PerTxnLimit      *int64         `json:"per_txn_limit,omitempty"` // nil = no limit defined anywhere
	DailyLimit       *int64         `json:"daily_limit,omitempty"`
	MonthlyLimit     *int64         `json:"monthly_limit,omitempty"`
	AllowedMCCs      []string       `json:"allowed_mccs,omitempty"` // nil = no allow-list in force
	BlockedMCCs      []string       `json:"blocked_mccs,omitempty"`
	Channels         ChannelToggles `json:"channels"`
	AllowedCountries []string       `json:"allowed_countries,omitempty"`
	SourceNodeIDs    []string       `json:"source_node_ids"` // contributing nodes, company first
}

// ── Approval chain rules ─────────────────────────────────────────────────────

// ChainStep is one entry in a rule's ordered approver sequence.
type ChainStep struct {
	Role  string `json:"role"`
	Level int    `json:"level"`
}

// ApprovalChainRule maps an amount band and category to an ordered approver
// chain. AmountMax == 0 means the band is open-ended upward.
type ApprovalChainRule struct {
	ID        string
	Name      string
	AmountMin int64 // paise, inclusive
	AmountMax int64 // paise, exclusive; 0 = unbounded
	Category  string // "ALL" or a specific expense category code
	Steps     []ChainStep
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CategoryAll is the wildcard category on chain rules. Category-specific
// rules beat CategoryAll rules in the same amount band.
const CategoryAll = "ALL"

// DefaultChainRole is the single-step fallback so no submission is ever
// left unroutable.
const DefaultChainRole = "DEPT_MANAGER"

// ── Approval instances ───────────────────────────────────────────────────────

// ApprovalStatus is the instance lifecycle state.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "PENDING"
	StatusApproved  ApprovalStatus = "APPROVED"
	StatusRejected  ApprovalStatus = "REJECTED"
	StatusDelegated ApprovalStatus = "DELEGATED"
	StatusEscalated ApprovalStatus = "ESCALATED"
)

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// TimelineAction labels one entry in an instance's append-only history.
type TimelineAction string

const (
	ActionSubmitted     TimelineAction = "SUBMITTED"
	ActionApproved      TimelineAction = "APPROVED"
	ActionRejected      TimelineAction = "REJECTED"
	ActionDelegated     TimelineAction = "DELEGATED"
	ActionReassigned    TimelineAction = "REASSIGNED"
	ActionEscalated     TimelineAction = "ESCALATED"
	ActionRecalled      TimelineAction = "RECALLED"
	ActionSoDWarning    TimelineAction = "SOD_WARNING"
	ActionPolicyWarning TimelineAction = "POLICY_WARNING"
)

// TimelineEntry is one immutable history record. The timeline is append-only
// and never reordered.
type TimelineEntry struct {
	Action  TimelineAction `json:"action"`
	By      string         `json:"by"`
	At      time.Time      `json:"at"`
	Comment string         `json:"comment,omitempty"`
}

// InstanceStep is one step of the chain snapshot taken at submission.
// Levels are renumbered to be consecutive from 1 so the level counter can
// advance arithmetically even after an escalation splice.
type InstanceStep struct {
	Level      int        `json:"level"`
	Role       string     `json:"role"`
	AssignedTo string     `json:"assigned_to,omitempty"` // empty = any holder of the role may act
	ActedBy    *string    `json:"acted_by,omitempty"`
	ActedAt    *time.Time `json:"acted_at,omitempty"`
	Notes      *string    `json:"notes,omitempty"`
}

// ApprovalInstance is one approval in flight for an expense report or
// workflow request. The submitting entity owns it; the engine references it
// by ID and mutates it only through atomic per-instance transitions.
type ApprovalInstance struct {
	ID              string
	EntityType      string // expense_report | workflow_request
	EntityID        string
	Amount          int64 // paise
	Category        string
	SubmitterID     string
	CostCenterID    string // hierarchy node supplying policy context
	RuleID          *string
	Steps           []InstanceStep
	CurrentLevel    int
	Status          ApprovalStatus
	CurrentAssignee string // identity expected to act next; empty = any role holder
	SubmittedAt     time.Time
	DueAt           time.Time
	CompletedAt     *time.Time
	Timeline        []TimelineEntry
	Version         int // optimistic concurrency stamp, bumped on every mutation
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CurrentStep returns the step at the instance's current level, or nil when
// the level is out of range.
func (a *ApprovalInstance) CurrentStep() *InstanceStep {
	if a.CurrentLevel < 1 || a.CurrentLevel > len(a.Steps) {
		return nil
	}
	return &a.Steps[a.CurrentLevel-1]
}

// ── Delegations ──────────────────────────────────────────────────────────────

// Delegation grants a delegatee the delegator's approval authority within a
// validity window, optionally capped by amount.
type Delegation struct {
	ID          string
	DelegatorID string
	DelegateeID string
	ValidFrom   time.Time
	ValidTo     time.Time
	AmountLimit *int64 // paise; nil = uncapped
	Reason      string
	IsActive    bool
	RevokedAt   *time.Time
	RevokedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Covers reports whether the delegation is usable at the given instant for
// the given amount.
func (d *Delegation) Covers(now time.Time, amount int64) bool {
	if !d.IsActive || d.RevokedAt != nil {
		return false
	}
	if now.Before(d.ValidFrom) || !now.Before(d.ValidTo) {
		return false
	}
	if d.AmountLimit != nil && amount > *d.AmountLimit {
		return false
	}
	return true
}

// ── Segregation of duties ────────────────────────────────────────────────────

// SoDRuleCode identifies one of the built-in segregation-of-duties rules.
type SoDRuleCode string

const (
	SoDSelfApproval       SoDRuleCode = "SELF_APPROVAL"
	SoDDuplicateApprover  SoDRuleCode = "DUPLICATE_APPROVER"
	SoDCircularDelegation SoDRuleCode = "CIRCULAR_DELEGATION"
)

// SoDEnforcement selects blocking versus advisory handling of a violation.
type SoDEnforcement string

const (
	// EnforcementActive blocks the transition.
	EnforcementActive SoDEnforcement = "ACTIVE"
	// EnforcementAdvisory records the violation and lets the transition
	// commit with a warning.
	EnforcementAdvisory SoDEnforcement = "ADVISORY"
)

// SoDRule is the stored configuration and violation counter for one
// built-in rule.
type SoDRule struct {
	Code           SoDRuleCode
	Name           string
	Enforcement    SoDEnforcement
	ViolationCount int64
	UpdatedAt      time.Time
}

// ── Escalation ───────────────────────────────────────────────────────────────

// EscalationConfig holds the SLA window and the explicit fallback role map
// used when a pending approval goes overdue with no usable delegation.
// A role missing from FallbackRoles escalates in place without a level bump.
type EscalationConfig struct {
	SLAHours      int               `json:"sla_hours"`
	FallbackRoles map[string]string `json:"fallback_roles"` // overdue role -> next-tier role
	UpdatedAt     time.Time         `json:"updated_at"`
}

// SLAWindow returns the configured window as a duration.
func (c *EscalationConfig) SLAWindow() time.Duration {
	return time.Duration(c.SLAHours) * time.Hour
}

// SweepError records an isolated per-instance failure during a sweep.
type SweepError struct {
	InstanceID string `json:"instance_id"`
	Error      string `json:"error"`
}

// SweepResult summarizes one escalation sweep run.
type SweepResult struct {
	Checked   int          `json:"checked"`
	Escalated []string     `json:"escalated"`
	Rerouted  []string     `json:"rerouted"`
	Errors    []SweepError `json:"errors,omitempty"`
}

// ── Audit log ────────────────────────────────────────────────────────────────

// AuditEntry is one immutable record in the global approval audit log,
// written alongside (not instead of) the per-instance timeline.
type AuditEntry struct {
	ID           string
	InstanceID   string
	EntityType   string
	EntityID     string
	Action       string
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]interface{}
}
