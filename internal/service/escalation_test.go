package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// overdueInstance plants a pending instance whose SLA expired an hour ago.
func overdueInstance(t *testing.T, e *testEngine, assignee string) *repository.ApprovalInstance {
	t.Helper()
	past := time.Now().UTC().Add(-time.Hour)
	inst := &repository.ApprovalInstance{
		EntityType:   "expense_report",
		EntityID:     "exp-overdue",
		Amount:       15_000_00,
		Category:     "TRAVEL",
		SubmitterID:  "alice",
		Steps:        []repository.InstanceStep{{Level: 1, Role: "DEPT_MANAGER", AssignedTo: assignee}},
		CurrentLevel: 1,
		Status:       repository.StatusPending,
		SubmittedAt:  past.Add(-48 * time.Hour),
		DueAt:        past,
		Timeline: []repository.TimelineEntry{
			{Action: repository.ActionSubmitted, By: "alice", At: past.Add(-48 * time.Hour)},
		},
	}
	inst.CurrentAssignee = assignee
	require.NoError(t, e.store.Approvals().Create(context.Background(), inst))
	return inst
}

func TestSweepEscalatesWithFallbackRoleSplice(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	now := time.Now().UTC()

	require.NoError(t, e.store.EscalationConfig().Update(ctx, &repository.EscalationConfig{
		SLAHours:      48,
		FallbackRoles: map[string]string{"DEPT_MANAGER": "FINANCE_HEAD"},
	}))

	inst := overdueInstance(t, e, "bob")

	result, err := e.escalations.RunSweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, []string{inst.ID}, result.Escalated)
	assert.Empty(t, result.Rerouted)
	assert.Empty(t, result.Errors)

	after, err := e.store.Approvals().GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusEscalated, after.Status)
	require.Len(t, after.Steps, 2)
	assert.Equal(t, 1, after.Steps[0].Level)
	assert.Equal(t, "DEPT_MANAGER", after.Steps[0].Role)
	assert.Equal(t, 2, after.Steps[1].Level)
	assert.Equal(t, "FINANCE_HEAD", after.Steps[1].Role)
	assert.Equal(t, 2, after.CurrentLevel)
	assert.True(t, after.DueAt.After(now))
	assert.Contains(t, timelineActions(after), repository.ActionEscalated)
}

func TestSweepEscalatesInPlaceWithoutFallback(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	now := time.Now().UTC()

	inst := overdueInstance(t, e, "bob")

	result, err := e.escalations.RunSweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, result.Escalated)

	after, err := e.store.Approvals().GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusEscalated, after.Status)
	// No fallback role configured: status flips, the chain does not grow.
	require.Len(t, after.Steps, 1)
	assert.Equal(t, 1, after.CurrentLevel)
	assert.True(t, after.DueAt.After(now))
}

func TestSweepReroutesThroughActiveDelegation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	now := time.Now().UTC()

	_, err := e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "bob", DelegateeID: "carol",
		ValidFrom: now.Add(-2 * time.Hour), ValidTo: now.Add(24 * time.Hour),
		Reason: "out of office",
	})
	require.NoError(t, err)

	inst := overdueInstance(t, e, "bob")

	result, err := e.escalations.RunSweep(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, result.Escalated)
	assert.Equal(t, []string{inst.ID}, result.Rerouted)

	after, err := e.store.Approvals().GetByID(ctx, inst.ID)
	require.NoError(t, err)
	// A reroute keeps the instance pending at the same level under the
	// delegatee.
	assert.Equal(t, repository.StatusPending, after.Status)
	assert.Equal(t, 1, after.CurrentLevel)
	assert.Equal(t, "carol", after.CurrentAssignee)
	assert.Equal(t, "carol", after.Steps[0].AssignedTo)
	assert.Contains(t, timelineActions(after), repository.ActionReassigned)
	assert.True(t, after.DueAt.After(now))
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	now := time.Now().UTC()

	_, err := e.delegations.Create(ctx, &CreateDelegationRequest{
		DelegatorID: "bob", DelegateeID: "carol",
		ValidFrom: now.Add(-2 * time.Hour), ValidTo: now.Add(24 * time.Hour),
		Reason: "out of office",
	})
	require.NoError(t, err)

	overdueInstance(t, e, "bob")

	first, err := e.escalations.RunSweep(ctx, now)
	require.NoError(t, err)
	require.Len(t, first.Rerouted, 1)

	// The reroute pushed dueAt forward, so an immediate re-run finds nothing.
	second, err := e.escalations.RunSweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, second.Checked)
	assert.Empty(t, second.Rerouted)
	assert.Empty(t, second.Escalated)
}

func TestSweepSkipsInstancesNotYetDue(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	inst, err := e.approvals.Submit(ctx, submitReq())
	require.NoError(t, err)

	result, err := e.escalations.RunSweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, result.Checked)

	after, err := e.store.Approvals().GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, after.Status)
}

func TestUpdateConfigPatchesPartially(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	hours := 24
	cfg, err := e.escalations.UpdateConfig(ctx, &ConfigPatch{SLAHours: &hours})
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.SLAHours)

	roles := map[string]string{"DEPT_MANAGER": "FINANCE_HEAD"}
	cfg, err = e.escalations.UpdateConfig(ctx, &ConfigPatch{FallbackRoles: &roles})
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.SLAHours)
	assert.Equal(t, roles, cfg.FallbackRoles)

	bad := 0
	_, err = e.escalations.UpdateConfig(ctx, &ConfigPatch{SLAHours: &bad})
	require.Error(t, err)
}
