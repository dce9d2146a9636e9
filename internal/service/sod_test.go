package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/repository"
	"github.com/brixapay/be-expense-approvals/internal/repository/memory"
)

func TestUnconfiguredRuleEnforcesHard(t *testing.T) {
	ctx := context.Background()
	store := memory.New() // no SoD rules seeded
	v := NewSoDValidator(store.SoDRules(), zerolog.Nop())

	inst := &repository.ApprovalInstance{SubmitterID: "alice", EntityType: "expense_report"}
	result, err := v.CheckDecision(ctx, inst, "alice")
	require.NoError(t, err)

	// A missing rule row must never relax enforcement.
	assert.True(t, result.Blocked())
	require.Len(t, result.Violations, 1)
	assert.Equal(t, repository.SoDSelfApproval, result.Violations[0].RuleCode)
}

func TestAdvisoryRuleWarnsAndCounts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := NewSoDValidator(store.SoDRules(), zerolog.Nop())

	require.NoError(t, store.SoDRules().Put(ctx, &repository.SoDRule{
		Code: repository.SoDSelfApproval, Name: "advisory self-approval",
		Enforcement: repository.EnforcementAdvisory,
	}))

	inst := &repository.ApprovalInstance{SubmitterID: "alice", EntityType: "expense_report"}
	result, err := v.CheckDecision(ctx, inst, "alice")
	require.NoError(t, err)

	assert.False(t, result.Blocked())
	require.Len(t, result.Warnings, 1)

	rule, err := store.SoDRules().GetByCode(ctx, repository.SoDSelfApproval)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rule.ViolationCount)
}

func TestCheckDecisionIgnoresEarlierActorsAtCurrentLevel(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, rule := range DefaultSoDRules() {
		require.NoError(t, store.SoDRules().Put(ctx, rule))
	}
	v := NewSoDValidator(store.SoDRules(), zerolog.Nop())

	bob := "bob"
	inst := &repository.ApprovalInstance{
		SubmitterID:  "alice",
		EntityType:   "expense_report",
		CurrentLevel: 2,
		Steps: []repository.InstanceStep{
			{Level: 1, Role: "DEPT_MANAGER", ActedBy: &bob},
			{Level: 2, Role: "FINANCE_HEAD"},
		},
	}

	// carol never acted before: clean.
	result, err := v.CheckDecision(ctx, inst, "carol")
	require.NoError(t, err)
	assert.False(t, result.Blocked())
	assert.Empty(t, result.Warnings)

	// bob acted at level 1: duplicate.
	result, err = v.CheckDecision(ctx, inst, "bob")
	require.NoError(t, err)
	assert.True(t, result.Blocked())
	assert.Equal(t, repository.SoDDuplicateApprover, result.Violations[0].RuleCode)
}

func TestCheckDelegationRejectsSelfAndCircular(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, rule := range DefaultSoDRules() {
		require.NoError(t, store.SoDRules().Put(ctx, rule))
	}
	v := NewSoDValidator(store.SoDRules(), zerolog.Nop())
	now := time.Now().UTC()

	// Self-delegation.
	result, err := v.CheckDelegation(ctx, "dave", "dave", now, now.Add(24*time.Hour), store.Delegations())
	require.NoError(t, err)
	assert.True(t, result.Blocked())

	// dave -> erin exists; erin -> dave would close the loop.
	require.NoError(t, store.Delegations().Create(ctx, &repository.Delegation{
		DelegatorID: "dave", DelegateeID: "erin",
		ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(24 * time.Hour),
		Reason: "cover", IsActive: true,
	}))

	result, err = v.CheckDelegation(ctx, "erin", "dave", now, now.Add(24*time.Hour), store.Delegations())
	require.NoError(t, err)
	assert.True(t, result.Blocked())
	assert.Equal(t, repository.SoDCircularDelegation, result.Violations[0].RuleCode)

	// The reverse direction outside the loop stays allowed.
	result, err = v.CheckDelegation(ctx, "erin", "frank", now, now.Add(24*time.Hour), store.Delegations())
	require.NoError(t, err)
	assert.False(t, result.Blocked())
}

func TestCheckDelegationCatchesFutureWindowOverlap(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, rule := range DefaultSoDRules() {
		require.NoError(t, store.SoDRules().Put(ctx, rule))
	}
	v := NewSoDValidator(store.SoDRules(), zerolog.Nop())
	now := time.Now().UTC()

	// erin -> dave goes live only tomorrow.
	require.NoError(t, store.Delegations().Create(ctx, &repository.Delegation{
		DelegatorID: "erin", DelegateeID: "dave",
		ValidFrom: now.Add(24 * time.Hour), ValidTo: now.Add(48 * time.Hour),
		Reason: "vacation", IsActive: true,
	}))

	// dave -> erin starting now still overlaps it mid-window.
	result, err := v.CheckDelegation(ctx, "dave", "erin", now, now.Add(72*time.Hour), store.Delegations())
	require.NoError(t, err)
	assert.True(t, result.Blocked())
	assert.Equal(t, repository.SoDCircularDelegation, result.Violations[0].RuleCode)

	// Windows that merely touch at the boundary never coexist.
	result, err = v.CheckDelegation(ctx, "dave", "erin", now.Add(48*time.Hour), now.Add(72*time.Hour), store.Delegations())
	require.NoError(t, err)
	assert.False(t, result.Blocked())
}

func TestDelegationServiceBlocksCircularGrant(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	now := time.Now().UTC()

	_, err := e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "dave", DelegateeID: "erin",
		ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(24 * time.Hour),
		Reason: "cover",
	})
	require.NoError(t, err)

	_, err = e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "erin", DelegateeID: "dave",
		ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(24 * time.Hour),
		Reason: "reverse cover",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSoDViolation))

	// A reverse grant that only starts inside the existing window is just as
	// circular as one active immediately.
	_, err = e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "erin", DelegateeID: "dave",
		ValidFrom: now.Add(12 * time.Hour), ValidTo: now.Add(48 * time.Hour),
		Reason: "deferred reverse cover",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSoDViolation))

	// Disjoint windows are fine.
	_, err = e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "erin", DelegateeID: "dave",
		ValidFrom: now.Add(24 * time.Hour), ValidTo: now.Add(48 * time.Hour),
		Reason: "after the fact",
	})
	require.NoError(t, err)
}

func TestDelegationServiceValidatesWindow(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	now := time.Now().UTC()

	_, err := e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "dave", DelegateeID: "erin",
		ValidFrom: now, ValidTo: now.Add(-time.Hour),
		Reason: "inverted window",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestRevokedDelegationNoLongerCovers(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	now := time.Now().UTC()

	d, err := e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "bob", DelegateeID: "carol",
		ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(24 * time.Hour),
		Reason: "cover",
	})
	require.NoError(t, err)
	require.NoError(t, e.delegations.Revoke(ctx, d.ID, "admin"))

	active, err := e.store.Delegations().ListActiveForDelegator(ctx, "bob", now)
	require.NoError(t, err)
	assert.Empty(t, active)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)
	_, err = e.approvals.Delegate(ctx, inst.ID, "bob", "carol", "cover")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}
