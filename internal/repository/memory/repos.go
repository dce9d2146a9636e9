package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// ── hierarchy ────────────────────────────────────────────────────────────────

type hierarchyRepo struct{ s *Store }

func (r *hierarchyRepo) CreateNode(ctx context.Context, node *repository.HierarchyNode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if _, exists := r.s.nodes[node.ID]; exists {
		return apperrors.New(apperrors.ErrCodeConflict, "hierarchy node already exists")
	}
	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now
	r.s.nodes[node.ID] = copyNode(node)
	return nil
}

func (r *hierarchyRepo) GetNode(ctx context.Context, id string) (*repository.HierarchyNode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	node, ok := r.s.nodes[id]
	if !ok {
		return nil, apperrors.NotFound("hierarchy_node", id)
	}
	return copyNode(node), nil
}

func (r *hierarchyRepo) ListNodes(ctx context.Context, nodeType *repository.NodeType) ([]*repository.HierarchyNode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*repository.HierarchyNode{}
	for _, node := range r.s.nodes {
		if nodeType != nil && node.Type != *nodeType {
			continue
		}
		out = append(out, copyNode(node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── card control policies ────────────────────────────────────────────────────

type policyRepo struct{ s *Store }

func (r *policyRepo) Upsert(ctx context.Context, policy *repository.CardControlPolicy) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.s.policies[policy.NodeID]; ok {
		policy.CreatedAt = existing.CreatedAt
	} else {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now
	r.s.policies[policy.NodeID] = copyPolicy(policy)
	return nil
}

func (r *policyRepo) GetByNodeID(ctx context.Context, nodeID string) (*repository.CardControlPolicy, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	policy, ok := r.s.policies[nodeID]
	if !ok {
		return nil, nil
	}
	return copyPolicy(policy), nil
}

// ── chain rules ──────────────────────────────────────────────────────────────

type chainRuleRepo struct{ s *Store }

func (r *chainRuleRepo) Create(ctx context.Context, rule *repository.ApprovalChainRule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if _, exists := r.s.rules[rule.ID]; exists {
		return apperrors.New(apperrors.ErrCodeConflict, "approval chain rule already exists")
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	r.s.rules[rule.ID] = copyRule(rule)
	r.s.ruleOrder = append(r.s.ruleOrder, rule.ID)
	return nil
}

func (r *chainRuleRepo) GetByID(ctx context.Context, id string) (*repository.ApprovalChainRule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rule, ok := r.s.rules[id]
	if !ok {
		return nil, apperrors.NotFound("approval_chain_rule", id)
	}
	return copyRule(rule), nil
}

func (r *chainRuleRepo) List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalChainRule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*repository.ApprovalChainRule{}
	for _, id := range r.s.ruleOrder {
		rule, ok := r.s.rules[id]
		if !ok {
			continue
		}
		if activeOnly && !rule.IsActive {
			continue
		}
		out = append(out, copyRule(rule))
	}
	return out, nil
}

func (r *chainRuleRepo) Update(ctx context.Context, rule *repository.ApprovalChainRule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.rules[rule.ID]
	if !ok {
		return apperrors.NotFound("approval_chain_rule", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	r.s.rules[rule.ID] = copyRule(rule)
	return nil
}

func (r *chainRuleRepo) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.rules[id]; !ok {
		return apperrors.NotFound("approval_chain_rule", id)
	}
	delete(r.s.rules, id)
	for i, rid := range r.s.ruleOrder {
		if rid == id {
			r.s.ruleOrder = append(r.s.ruleOrder[:i], r.s.ruleOrder[i+1:]...)
			break
		}
	}
	return nil
}

// ── approval instances ───────────────────────────────────────────────────────

type approvalRepo struct{ s *Store }

func (r *approvalRepo) Create(ctx context.Context, inst *repository.ApprovalInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if _, exists := r.s.instances[inst.ID]; exists {
		return apperrors.New(apperrors.ErrCodeConflict, "approval instance already exists")
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.Version = 1
	r.s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (r *approvalRepo) GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	inst, ok := r.s.instances[id]
	if !ok {
		return nil, apperrors.NotFound("approval_instance", id)
	}
	return copyInstance(inst), nil
}

// Mutate serializes on the per-instance mutex, applies fn to a working copy,
// and swaps the copy in only when fn succeeds — a failed transition leaves
// no partial writes behind.
func (r *approvalRepo) Mutate(ctx context.Context, id string, fn func(inst *repository.ApprovalInstance) error) (*repository.ApprovalInstance, error) {
	lock := r.s.instanceLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.s.mu.RLock()
	stored, ok := r.s.instances[id]
	var working *repository.ApprovalInstance
	if ok {
		working = copyInstance(stored)
	}
	r.s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("approval_instance", id)
	}

	priorTimeline := len(working.Timeline)
	if err := fn(working); err != nil {
		return nil, err
	}
	if len(working.Timeline) < priorTimeline {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "timeline is append-only")
	}

	working.Version++
	working.UpdatedAt = time.Now().UTC()

	r.s.mu.Lock()
	r.s.instances[id] = copyInstance(working)
	r.s.mu.Unlock()

	return copyInstance(working), nil
}

func (r *approvalRepo) ListDueIDs(ctx context.Context, status repository.ApprovalStatus, cutoff time.Time) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	type due struct {
		id    string
		dueAt time.Time
	}
	var dues []due
	for _, inst := range r.s.instances {
		if inst.Status == status && !inst.DueAt.After(cutoff) {
			dues = append(dues, due{inst.ID, inst.DueAt})
		}
	}
	sort.Slice(dues, func(i, j int) bool { return dues[i].dueAt.Before(dues[j].dueAt) })

	ids := make([]string, 0, len(dues))
	for _, d := range dues {
		ids = append(ids, d.id)
	}
	return ids, nil
}

func (r *approvalRepo) ListPendingForUser(ctx context.Context, userID string) ([]*repository.ApprovalInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*repository.ApprovalInstance{}
	for _, inst := range r.s.instances {
		if inst.Status.Terminal() {
			continue
		}
		step := inst.CurrentStep()
		assignee := inst.CurrentAssignee
		if assignee == userID || (step != nil && step.AssignedTo == userID) {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

// ── delegations ──────────────────────────────────────────────────────────────

type delegationRepo struct{ s *Store }

func (r *delegationRepo) Create(ctx context.Context, d *repository.Delegation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if _, exists := r.s.delegations[d.ID]; exists {
		return apperrors.New(apperrors.ErrCodeConflict, "delegation already exists")
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	r.s.delegations[d.ID] = copyDelegation(d)
	return nil
}

func (r *delegationRepo) GetByID(ctx context.Context, id string) (*repository.Delegation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	d, ok := r.s.delegations[id]
	if !ok {
		return nil, apperrors.NotFound("delegation", id)
	}
	return copyDelegation(d), nil
}

func (r *delegationRepo) ListActiveForDelegator(ctx context.Context, delegatorID string, at time.Time) ([]*repository.Delegation, error) {
	return r.listActiveBy(func(d *repository.Delegation) bool { return d.DelegatorID == delegatorID }, at)
}

func (r *delegationRepo) ListOverlappingForDelegator(ctx context.Context, delegatorID string, from, to time.Time) ([]*repository.Delegation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*repository.Delegation{}
	for _, d := range r.s.delegations {
		if d.DelegatorID != delegatorID || !d.IsActive || d.RevokedAt != nil {
			continue
		}
		if !d.ValidFrom.Before(to) || !d.ValidTo.After(from) {
			continue
		}
		out = append(out, copyDelegation(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *delegationRepo) listActiveBy(match func(*repository.Delegation) bool, at time.Time) ([]*repository.Delegation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*repository.Delegation{}
	for _, d := range r.s.delegations {
		if !match(d) || !d.IsActive || d.RevokedAt != nil {
			continue
		}
		if at.Before(d.ValidFrom) || !at.Before(d.ValidTo) {
			continue
		}
		out = append(out, copyDelegation(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *delegationRepo) List(ctx context.Context, activeOnly bool) ([]*repository.Delegation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	now := time.Now().UTC()
	out := []*repository.Delegation{}
	for _, d := range r.s.delegations {
		if activeOnly {
			if !d.IsActive || d.RevokedAt != nil || now.Before(d.ValidFrom) || !now.Before(d.ValidTo) {
				continue
			}
		}
		out = append(out, copyDelegation(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *delegationRepo) Revoke(ctx context.Context, id, revokedBy string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.delegations[id]
	if !ok {
		return apperrors.NotFound("delegation", id)
	}
	now := time.Now().UTC()
	d.IsActive = false
	d.RevokedAt = &now
	d.RevokedBy = &revokedBy
	d.UpdatedAt = now
	return nil
}

// ── SoD rules ────────────────────────────────────────────────────────────────

type sodRepo struct{ s *Store }

func (r *sodRepo) GetByCode(ctx context.Context, code repository.SoDRuleCode) (*repository.SoDRule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rule, ok := r.s.sodRules[code]
	if !ok {
		return nil, apperrors.NotFound("sod_rule", string(code))
	}
	return copySoDRule(rule), nil
}

func (r *sodRepo) List(ctx context.Context) ([]*repository.SoDRule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*repository.SoDRule{}
	for _, rule := range r.s.sodRules {
		out = append(out, copySoDRule(rule))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *sodRepo) Put(ctx context.Context, rule *repository.SoDRule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rule.UpdatedAt = time.Now().UTC()
	r.s.sodRules[rule.Code] = copySoDRule(rule)
	return nil
}

func (r *sodRepo) IncrementViolations(ctx context.Context, code repository.SoDRuleCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rule, ok := r.s.sodRules[code]
	if !ok {
		return apperrors.NotFound("sod_rule", string(code))
	}
	rule.ViolationCount++
	rule.UpdatedAt = time.Now().UTC()
	return nil
}

// ── escalation config ────────────────────────────────────────────────────────

type escConfigRepo struct{ s *Store }

func (r *escConfigRepo) Get(ctx context.Context) (*repository.EscalationConfig, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return copyEscConfig(r.s.escConfig), nil
}

func (r *escConfigRepo) Update(ctx context.Context, cfg *repository.EscalationConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cfg.UpdatedAt = time.Now().UTC()
	r.s.escConfig = copyEscConfig(cfg)
	return nil
}

// ── audit log ────────────────────────────────────────────────────────────────

type auditRepo struct{ s *Store }

func (r *auditRepo) Append(ctx context.Context, entry *repository.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now().UTC()
	}
	r.s.auditLog = append(r.s.auditLog, copyAuditEntry(entry))
	return nil
}

func (r *auditRepo) ListByInstance(ctx context.Context, instanceID string) ([]*repository.AuditEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*repository.AuditEntry{}
	for _, entry := range r.s.auditLog {
		if entry.InstanceID == instanceID {
			out = append(out, copyAuditEntry(entry))
		}
	}
	return out, nil
}
