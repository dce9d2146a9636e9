// Package memory is the in-memory implementation of the repository
// interfaces. It backs tests and the STORE_BACKEND=memory fallback mode;
// the engine cannot tell it apart from the Postgres store.
package memory

import (
	"sync"
	"time"

	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// Store holds every collection behind a single RWMutex, plus one mutex per
// approval instance so transitions serialize per instance without blocking
// unrelated instances.
type Store struct {
	mu sync.RWMutex

	nodes       map[string]*repository.HierarchyNode
	policies    map[string]*repository.CardControlPolicy // keyed by node id
	rules       map[string]*repository.ApprovalChainRule
	ruleOrder   []string // creation order
	instances   map[string]*repository.ApprovalInstance
	delegations map[string]*repository.Delegation
	sodRules    map[repository.SoDRuleCode]*repository.SoDRule
	escConfig   *repository.EscalationConfig
	auditLog    []*repository.AuditEntry

	instLocksMu sync.Mutex
	instLocks   map[string]*sync.Mutex
}

// New creates an empty Store with the default escalation configuration.
func New() *Store {
	return &Store{
		nodes:       map[string]*repository.HierarchyNode{},
		policies:    map[string]*repository.CardControlPolicy{},
		rules:       map[string]*repository.ApprovalChainRule{},
		instances:   map[string]*repository.ApprovalInstance{},
		delegations: map[string]*repository.Delegation{},
		sodRules:    map[repository.SoDRuleCode]*repository.SoDRule{},
		escConfig: &repository.EscalationConfig{
			SLAHours:      48,
			FallbackRoles: map[string]string{},
		},
		instLocks: map[string]*sync.Mutex{},
	}
}

// Hierarchy implements repository.Store.
func (s *Store) Hierarchy() repository.HierarchyRepository { return &hierarchyRepo{s} }

// Policies implements repository.Store.
func (s *Store) Policies() repository.PolicyRepository { return &policyRepo{s} }

// ChainRules implements repository.Store.
func (s *Store) ChainRules() repository.ChainRuleRepository { return &chainRuleRepo{s} }

// Approvals implements repository.Store.
func (s *Store) Approvals() repository.ApprovalRepository { return &approvalRepo{s} }

// Delegations implements repository.Store.
func (s *Store) Delegations() repository.DelegationRepository { return &delegationRepo{s} }

// SoDRules implements repository.Store.
func (s *Store) SoDRules() repository.SoDRuleRepository { return &sodRepo{s} }

// EscalationConfig implements repository.Store.
func (s *Store) EscalationConfig() repository.EscalationConfigRepository { return &escConfigRepo{s} }

// Audit implements repository.Store.
func (s *Store) Audit() repository.AuditRepository { return &auditRepo{s} }

// instanceLock returns the mutex dedicated to one instance id.
func (s *Store) instanceLock(id string) *sync.Mutex {
	s.instLocksMu.Lock()
	defer s.instLocksMu.Unlock()
	lock, ok := s.instLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.instLocks[id] = lock
	}
	return lock
}

// ── copy helpers ─────────────────────────────────────────────────────────────
//
// Everything handed out or taken in is deep-copied so callers can never
// mutate stored state outside a repository operation.

func copyNode(n *repository.HierarchyNode) *repository.HierarchyNode {
	out := *n
	out.ParentID = copyStrPtr(n.ParentID)
	return &out
}

func copyPolicy(p *repository.CardControlPolicy) *repository.CardControlPolicy {
	out := *p
	out.PerTxnLimit = copyInt64Ptr(p.PerTxnLimit)
	out.DailyLimit = copyInt64Ptr(p.DailyLimit)
	out.MonthlyLimit = copyInt64Ptr(p.MonthlyLimit)
	out.AllowedMCCs = copyStrings(p.AllowedMCCs)
	out.BlockedMCCs = copyStrings(p.BlockedMCCs)
	out.AllowedCountries = copyStrings(p.AllowedCountries)
	out.Channels = copyChannels(p.Channels)
	return &out
}

func copyChannels(c repository.ChannelToggles) repository.ChannelToggles {
	return repository.ChannelToggles{
		POS:         copyBoolPtr(c.POS),
		Ecom:        copyBoolPtr(c.Ecom),
		ATM:         copyBoolPtr(c.ATM),
		Contactless: copyBoolPtr(c.Contactless),
		Wallet:      copyBoolPtr(c.Wallet),
	}
}

func copyRule(r *repository.ApprovalChainRule) *repository.ApprovalChainRule {
	out := *r
	out.Steps = make([]repository.ChainStep, len(r.Steps))
	copy(out.Steps, r.Steps)
	return &out
}

func copyInstance(a *repository.ApprovalInstance) *repository.ApprovalInstance {
	out := *a
	out.RuleID = copyStrPtr(a.RuleID)
	out.CompletedAt = copyTimePtr(a.CompletedAt)
	out.Steps = make([]repository.InstanceStep, len(a.Steps))
	for i, st := range a.Steps {
		cp := st
		cp.ActedBy = copyStrPtr(st.ActedBy)
		cp.ActedAt = copyTimePtr(st.ActedAt)
		cp.Notes = copyStrPtr(st.Notes)
		out.Steps[i] = cp
	}
	out.Timeline = make([]repository.TimelineEntry, len(a.Timeline))
	copy(out.Timeline, a.Timeline)
	return &out
}

func copyDelegation(d *repository.Delegation) *repository.Delegation {
	out := *d
	out.AmountLimit = copyInt64Ptr(d.AmountLimit)
	out.RevokedAt = copyTimePtr(d.RevokedAt)
	out.RevokedBy = copyStrPtr(d.RevokedBy)
	return &out
}

func copySoDRule(r *repository.SoDRule) *repository.SoDRule {
	out := *r
	return &out
}

func copyEscConfig(c *repository.EscalationConfig) *repository.EscalationConfig {
	out := *c
	out.FallbackRoles = make(map[string]string, len(c.FallbackRoles))
	for k, v := range c.FallbackRoles {
		out.FallbackRoles[k] = v
	}
	return &out
}

func copyAuditEntry(e *repository.AuditEntry) *repository.AuditEntry {
	out := *e
	out.StatusBefore = copyStrPtr(e.StatusBefore)
	out.StatusAfter = copyStrPtr(e.StatusAfter)
	if e.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func copyStrPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyBoolPtr(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
