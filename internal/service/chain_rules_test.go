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

func newChainRuleService(t *testing.T) *ChainRuleService {
	t.Helper()
	return NewChainRuleService(memory.New().ChainRules(), zerolog.Nop())
}

func twoStepChain() []repository.ChainStep {
	return []repository.ChainStep{
		{Role: "DEPT_MANAGER", Level: 1},
		{Role: "FINANCE_HEAD", Level: 2},
	}
}

func TestFindMatchingSelectsBandAndCategory(t *testing.T) {
	ctx := context.Background()
	svc := newChainRuleService(t)

	small := &repository.ApprovalChainRule{
		Name: "small-any", AmountMin: 0, AmountMax: 50_000_00, Category: repository.CategoryAll,
		Steps: []repository.ChainStep{{Role: "DEPT_MANAGER", Level: 1}}, IsActive: true,
	}
	large := &repository.ApprovalChainRule{
		Name: "large-any", AmountMin: 50_000_00, AmountMax: 0, Category: repository.CategoryAll,
		Steps: twoStepChain(), IsActive: true,
	}
	require.NoError(t, svc.Add(ctx, small))
	require.NoError(t, svc.Add(ctx, large))

	got, err := svc.FindMatching(ctx, 10_000_00, "TRAVEL")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, small.ID, got.ID)

	// Band lower bound is inclusive, upper bound exclusive.
	got, err = svc.FindMatching(ctx, 50_000_00, "TRAVEL")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, large.ID, got.ID)

	// Open-ended band catches arbitrarily large amounts.
	got, err = svc.FindMatching(ctx, 9_999_999_00, "TRAVEL")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, large.ID, got.ID)
}

func TestFindMatchingCategorySpecificBeatsWildcard(t *testing.T) {
	ctx := context.Background()
	svc := newChainRuleService(t)

	wildcard := &repository.ApprovalChainRule{
		Name: "any", AmountMin: 0, AmountMax: 0, Category: repository.CategoryAll,
		Steps: twoStepChain(), IsActive: true,
	}
	travel := &repository.ApprovalChainRule{
		Name: "travel", AmountMin: 0, AmountMax: 0, Category: "TRAVEL",
		Steps: []repository.ChainStep{{Role: "TRAVEL_DESK", Level: 1}}, IsActive: true,
	}
	require.NoError(t, svc.Add(ctx, wildcard))
	require.NoError(t, svc.Add(ctx, travel))

	got, err := svc.FindMatching(ctx, 1000, "TRAVEL")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, travel.ID, got.ID)

	got, err = svc.FindMatching(ctx, 1000, "MEALS")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wildcard.ID, got.ID)
}

func TestFindMatchingNarrowestBandWins(t *testing.T) {
	ctx := context.Background()
	svc := newChainRuleService(t)

	wide := &repository.ApprovalChainRule{
		Name: "wide", AmountMin: 0, AmountMax: 1_000_000, Category: repository.CategoryAll,
		Steps: twoStepChain(), IsActive: true,
	}
	narrow := &repository.ApprovalChainRule{
		Name: "narrow", AmountMin: 100, AmountMax: 10_000, Category: repository.CategoryAll,
		Steps: twoStepChain(), IsActive: true,
	}
	open := &repository.ApprovalChainRule{
		Name: "open", AmountMin: 0, AmountMax: 0, Category: repository.CategoryAll,
		Steps: twoStepChain(), IsActive: true,
	}
	require.NoError(t, svc.Add(ctx, wide))
	require.NoError(t, svc.Add(ctx, narrow))
	require.NoError(t, svc.Add(ctx, open))

	got, err := svc.FindMatching(ctx, 5_000, "MEALS")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, narrow.ID, got.ID)
}

func TestFindMatchingRecencyBreaksExactTies(t *testing.T) {
	ctx := context.Background()
	svc := newChainRuleService(t)

	older := &repository.ApprovalChainRule{
		Name: "older", AmountMin: 0, AmountMax: 10_000, Category: repository.CategoryAll,
		Steps: twoStepChain(), IsActive: true,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	newer := &repository.ApprovalChainRule{
		Name: "newer", AmountMin: 0, AmountMax: 10_000, Category: repository.CategoryAll,
		Steps: twoStepChain(), IsActive: true,
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, svc.Add(ctx, older))
	require.NoError(t, svc.Add(ctx, newer))

	got, err := svc.FindMatching(ctx, 500, "MEALS")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)
}

func TestFindMatchingIgnoresInactiveAndReturnsNilOnNoMatch(t *testing.T) {
	ctx := context.Background()
	svc := newChainRuleService(t)

	inactive := &repository.ApprovalChainRule{
		Name: "inactive", AmountMin: 0, AmountMax: 0, Category: repository.CategoryAll,
		Steps: twoStepChain(), IsActive: false,
	}
	require.NoError(t, svc.Add(ctx, inactive))

	got, err := svc.FindMatching(ctx, 500, "MEALS")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindMatchingRejectsNegativeAmount(t *testing.T) {
	svc := newChainRuleService(t)

	_, err := svc.FindMatching(context.Background(), -1, "MEALS")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestAddValidatesStepOrdering(t *testing.T) {
	ctx := context.Background()
	svc := newChainRuleService(t)

	cases := []struct {
		name  string
		steps []repository.ChainStep
	}{
		{"no steps", nil},
		{"missing role", []repository.ChainStep{{Role: "", Level: 1}}},
		{"starts above one", []repository.ChainStep{{Role: "A", Level: 2}}},
		{"not increasing", []repository.ChainStep{{Role: "A", Level: 1}, {Role: "B", Level: 1}}},
		{"gapped is fine but decreasing is not", []repository.ChainStep{{Role: "A", Level: 1}, {Role: "B", Level: 3}, {Role: "C", Level: 2}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Add(ctx, &repository.ApprovalChainRule{
				Name: "bad", Category: repository.CategoryAll, Steps: tc.steps, IsActive: true,
			})
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidChain))
		})
	}
}

func TestAddValidatesBand(t *testing.T) {
	ctx := context.Background()
	svc := newChainRuleService(t)

	err := svc.Add(ctx, &repository.ApprovalChainRule{
		Name: "bad-band", Category: repository.CategoryAll,
		AmountMin: 100, AmountMax: 100, Steps: twoStepChain(), IsActive: true,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))

	err = svc.Add(ctx, &repository.ApprovalChainRule{
		Name: "negative-min", Category: repository.CategoryAll,
		AmountMin: -1, Steps: twoStepChain(), IsActive: true,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}
