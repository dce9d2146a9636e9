package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/policy"
	"github.com/brixapay/be-expense-approvals/internal/repository"
	"github.com/brixapay/be-expense-approvals/internal/repository/memory"
)

// testEngine wires the full service stack over a fresh memory store.
type testEngine struct {
	store       repository.Store
	approvals   *ApprovalService
	delegations *DelegationService
	chains      *ChainRuleService
	escalations *EscalationService
	sod         *SoDValidator
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	log := zerolog.Nop()

	for _, rule := range DefaultSoDRules() {
		require.NoError(t, store.SoDRules().Put(ctx, rule))
	}

	sod := NewSoDValidator(store.SoDRules(), log)
	chains := NewChainRuleService(store.ChainRules(), log)
	resolver := policy.NewResolver(store.Hierarchy(), store.Policies())

	return &testEngine{
		store:  store,
		chains: chains,
		sod:    sod,
		approvals: NewApprovalService(
			store.Approvals(), store.Delegations(), store.EscalationConfig(), store.Audit(),
			chains, resolver, sod, nil, nil, nil, 48*time.Hour, log,
		),
		delegations: NewDelegationService(store.Delegations(), sod, log),
		escalations: NewEscalationService(
			store.Approvals(), store.Delegations(), store.EscalationConfig(), store.Audit(),
			nil, nil, nil, log,
		),
	}
}

func (e *testEngine) addTwoStepRule(t *testing.T) *repository.ApprovalChainRule {
	t.Helper()
	rule := &repository.ApprovalChainRule{
		Name: "standard", AmountMin: 0, AmountMax: 0, Category: repository.CategoryAll,
		Steps: []repository.ChainStep{
			{Role: "DEPT_MANAGER", Level: 1},
			{Role: "FINANCE_HEAD", Level: 2},
		},
		IsActive: true,
	}
	require.NoError(t, e.chains.Add(context.Background(), rule))
	return rule
}

func submitReq() *SubmitRequest {
	return &SubmitRequest{
		EntityType:  "expense_report",
		EntityID:    "exp-1",
		Amount:      25_000_00,
		Category:    "TRAVEL",
		SubmitterID: "alice",
	}
}

func timelineActions(inst *repository.ApprovalInstance) []repository.TimelineAction {
	out := make([]repository.TimelineAction, 0, len(inst.Timeline))
	for _, e := range inst.Timeline {
		out = append(out, e.Action)
	}
	return out
}

// ── Submission ────────────────────────────────────────────────────────────────

func TestSubmitSnapshotsMatchedChain(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	rule := e.addTwoStepRule(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	assert.Equal(t, repository.StatusPending, inst.Status)
	assert.Equal(t, 1, inst.CurrentLevel)
	require.NotNil(t, inst.RuleID)
	assert.Equal(t, rule.ID, *inst.RuleID)
	require.Len(t, inst.Steps, 2)
	assert.Equal(t, 1, inst.Steps[0].Level)
	assert.Equal(t, "DEPT_MANAGER", inst.Steps[0].Role)
	assert.Equal(t, 2, inst.Steps[1].Level)
	assert.Equal(t, []repository.TimelineAction{repository.ActionSubmitted}, timelineActions(inst))
	assert.True(t, inst.DueAt.After(inst.SubmittedAt))
}

func TestSubmitFallsBackToDefaultChain(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	assert.Nil(t, inst.RuleID)
	require.Len(t, inst.Steps, 1)
	assert.Equal(t, repository.DefaultChainRole, inst.Steps[0].Role)
}

func TestSubmitRenumbersGappedStepLevels(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	rule := &repository.ApprovalChainRule{
		Name: "gapped", Category: repository.CategoryAll,
		Steps: []repository.ChainStep{
			{Role: "DEPT_MANAGER", Level: 1},
			{Role: "VP", Level: 5},
		},
		IsActive: true,
	}
	require.NoError(t, e.chains.Add(ctx, rule))

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	require.Len(t, inst.Steps, 2)
	assert.Equal(t, 1, inst.Steps[0].Level)
	assert.Equal(t, 2, inst.Steps[1].Level)
}

func TestSubmitValidatesInput(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for _, mutate := range []func(*SubmitRequest){
		func(r *SubmitRequest) { r.EntityType = "purchase_order" },
		func(r *SubmitRequest) { r.EntityID = "" },
		func(r *SubmitRequest) { r.Amount = -1 },
		func(r *SubmitRequest) { r.Category = "" },
		func(r *SubmitRequest) { r.SubmitterID = "" },
	} {
		req := submitReq()
		mutate(req)
		_, err := e.approvals.Submit(ctx, req)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
	}
}

func TestSubmitRecordsPolicyWarningWhenLimitExceeded(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	company := &repository.HierarchyNode{Type: repository.NodeTypeCompany, Name: "co", Code: "co"}
	require.NoError(t, e.store.Hierarchy().CreateNode(ctx, company))
	division := &repository.HierarchyNode{Type: repository.NodeTypeDivision, ParentID: &company.ID, Name: "div", Code: "div"}
	require.NoError(t, e.store.Hierarchy().CreateNode(ctx, division))
	department := &repository.HierarchyNode{Type: repository.NodeTypeDepartment, ParentID: &division.ID, Name: "dept", Code: "dept"}
	require.NoError(t, e.store.Hierarchy().CreateNode(ctx, department))
	costCenter := &repository.HierarchyNode{Type: repository.NodeTypeCostCenter, ParentID: &department.ID, Name: "cc", Code: "cc"}
	require.NoError(t, e.store.Hierarchy().CreateNode(ctx, costCenter))

	limit := int64(10_000_00)
	require.NoError(t, e.store.Policies().Upsert(ctx, &repository.CardControlPolicy{
		NodeID: company.ID, NodeType: repository.NodeTypeCompany, PerTxnLimit: &limit,
	}))

	req := submitReq()
	req.CostCenterID = costCenter.ID
	req.Amount = 25_000_00

	inst, err := e.approvals.Submit(ctx, req)
	require.NoError(t, err)

	// Routing proceeds; the breach only annotates the timeline for approvers.
	assert.Equal(t, repository.StatusPending, inst.Status)
	assert.Contains(t, timelineActions(inst), repository.ActionPolicyWarning)
}

// ── Decisions ─────────────────────────────────────────────────────────────────

func TestApproveAdvancesThenTerminalizes(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	inst, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "bob", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, inst.Status)
	assert.Equal(t, 2, inst.CurrentLevel)
	assert.Nil(t, inst.CompletedAt)
	require.NotNil(t, inst.Steps[0].ActedBy)
	assert.Equal(t, "bob", *inst.Steps[0].ActedBy)

	inst, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, []repository.TimelineAction{
		repository.ActionSubmitted, repository.ActionApproved, repository.ActionApproved,
	}, timelineActions(inst))
}

func TestRejectTerminalizesAtAnyLevel(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	inst, err = e.approvals.Decide(ctx, inst.ID, DecisionReject, "bob", "missing receipts")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, inst.Status)
	require.NotNil(t, inst.CompletedAt)
}

func TestRejectRequiresComment(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	_, err = e.approvals.Decide(ctx, inst.ID, DecisionReject, "bob", "   ")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestTerminalInstancesRejectFurtherTransitions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)
	inst, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "bob", "")
	require.NoError(t, err)
	require.Equal(t, repository.StatusApproved, inst.Status)

	_, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "carol", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))

	_, err = e.approvals.Decide(ctx, inst.ID, DecisionReject, "carol", "too late")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))

	_, err = e.approvals.Recall(ctx, inst.ID, "alice", "changed my mind")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
}

func TestSelfApprovalBlockedAndLeavesNoPartialWrites(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)
	versionBefore := inst.Version

	_, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "alice", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSoDViolation))

	// A blocked transition must not leak any mutation.
	after, err := e.approvals.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, after.Status)
	assert.Equal(t, versionBefore, after.Version)
	assert.Equal(t, []repository.TimelineAction{repository.ActionSubmitted}, timelineActions(after))
}

func TestDuplicateApproverBlockedAcrossLevels(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	inst, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "bob", "")
	require.NoError(t, err)

	_, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "bob", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSoDViolation))
}

func TestAdvisoryEnforcementCommitsWithWarning(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)

	require.NoError(t, e.store.SoDRules().Put(ctx, &repository.SoDRule{
		Code: repository.SoDDuplicateApprover, Name: "advisory now",
		Enforcement: repository.EnforcementAdvisory,
	}))

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	inst, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "bob", "")
	require.NoError(t, err)

	inst, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, inst.Status)
	assert.Contains(t, timelineActions(inst), repository.ActionSoDWarning)

	rule, err := e.store.SoDRules().GetByCode(ctx, repository.SoDDuplicateApprover)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rule.ViolationCount)
}

// ── Delegation of a live step ─────────────────────────────────────────────────

func TestDelegateRequiresCoveringGrant(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	_, err = e.approvals.Delegate(ctx, inst.ID, "bob", "carol", "vacation")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

func TestDelegateReassignsWithoutAdvancingLevel(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)
	now := time.Now().UTC()

	_, err := e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "bob", DelegateeID: "carol",
		ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(24 * time.Hour),
		Reason: "annual leave",
	})
	require.NoError(t, err)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	inst, err = e.approvals.Delegate(ctx, inst.ID, "bob", "carol", "annual leave")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDelegated, inst.Status)
	assert.Equal(t, 1, inst.CurrentLevel)
	assert.Equal(t, "carol", inst.CurrentAssignee)
	assert.Equal(t, "carol", inst.Steps[0].AssignedTo)

	// The delegatee's decision advances the chain and is attributed to them.
	inst, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, inst.Status)
	assert.Equal(t, 2, inst.CurrentLevel)
	require.NotNil(t, inst.Steps[0].ActedBy)
	assert.Equal(t, "carol", *inst.Steps[0].ActedBy)
}

func TestDelegateHonorsAmountCap(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)
	now := time.Now().UTC()

	capAmount := int64(10_000_00)
	_, err := e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "bob", DelegateeID: "carol",
		ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(24 * time.Hour),
		AmountLimit: &capAmount, Reason: "limited cover",
	})
	require.NoError(t, err)

	req := submitReq()
	req.Amount = 25_000_00 // over the cap
	inst, err := e.approvals.Submit(ctx, req)
	require.NoError(t, err)

	_, err = e.approvals.Delegate(ctx, inst.ID, "bob", "carol", "limited cover")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

func TestDelegateToSubmitterIsBlocked(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)
	now := time.Now().UTC()

	_, err := e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "bob", DelegateeID: "alice",
		ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(24 * time.Hour),
		Reason: "annual leave",
	})
	require.NoError(t, err)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	// A covering grant does not override SoD: alice submitted this instance
	// and must never end up assigned to a step of it.
	_, err = e.approvals.Delegate(ctx, inst.ID, "bob", "alice", "annual leave")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSoDViolation))

	after, err := e.store.Approvals().GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, after.Status)
	assert.NotContains(t, timelineActions(after), repository.ActionDelegated)
	assert.Equal(t, inst.Version, after.Version)
}

// ── Recall ────────────────────────────────────────────────────────────────────

func TestRecallBySubmitterTerminalizes(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	inst, err = e.approvals.Recall(ctx, inst.ID, "alice", "submitted twice")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, inst.Status)
	assert.Contains(t, timelineActions(inst), repository.ActionRecalled)
	require.NotNil(t, inst.CompletedAt)
}

func TestRecallByNonSubmitterIsForbidden(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	_, err = e.approvals.Recall(ctx, inst.ID, "mallory", "nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))
}

// ── Queries and audit ─────────────────────────────────────────────────────────

func TestPendingForUserTracksCurrentAssignee(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)
	now := time.Now().UTC()

	_, err := e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "bob", DelegateeID: "carol",
		ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(24 * time.Hour),
		Reason: "cover",
	})
	require.NoError(t, err)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	_, err = e.approvals.Delegate(ctx, inst.ID, "bob", "carol", "cover")
	require.NoError(t, err)

	pending, err := e.approvals.PendingForUser(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, inst.ID, pending[0].ID)

	pending, err = e.approvals.PendingForUser(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHistoryAccumulatesAuditTrail(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.addTwoStepRule(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)
	_, err = e.approvals.Decide(ctx, inst.ID, DecisionApprove, "bob", "")
	require.NoError(t, err)
	_, err = e.approvals.Decide(ctx, inst.ID, DecisionReject, "carol", "duplicate claim")
	require.NoError(t, err)

	entries, err := e.approvals.History(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "submitted", entries[0].Action)
	assert.Equal(t, "approved", entries[1].Action)
	assert.Equal(t, "rejected", entries[2].Action)
}
