package service

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// ChainRuleService owns CRUD and matching for approval chain rules.
type ChainRuleService struct {
	rules repository.ChainRuleRepository
	log   zerolog.Logger
}

// NewChainRuleService creates a new ChainRuleService.
func NewChainRuleService(rules repository.ChainRuleRepository, log zerolog.Logger) *ChainRuleService {
	return &ChainRuleService{rules: rules, log: log}
}

// List returns all configured rules ordered by creation.
func (s *ChainRuleService) List(ctx context.Context) ([]*repository.ApprovalChainRule, error) {
	return s.rules.List(ctx, false)
}

// Get returns one rule by id.
func (s *ChainRuleService) Get(ctx context.Context, id string) (*repository.ApprovalChainRule, error) {
	return s.rules.GetByID(ctx, id)
}

// Add validates and persists a new rule.
func (s *ChainRuleService) Add(ctx context.Context, rule *repository.ApprovalChainRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return err
	}
	s.log.Info().
		Str("rule_id", rule.ID).
		Str("rule_name", rule.Name).
		Int("steps", len(rule.Steps)).
		Msg("Approval chain rule created")
	return nil
}

// Update validates and persists changes to an existing rule.
func (s *ChainRuleService) Update(ctx context.Context, rule *repository.ApprovalChainRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.rules.Update(ctx, rule)
}

// Delete removes a rule.
func (s *ChainRuleService) Delete(ctx context.Context, id string) error {
	return s.rules.Delete(ctx, id)
}

// FindMatching selects the active rule for an amount and category, or nil
// when nothing matches (the caller then routes through the built-in default
// chain). A category-specific rule beats an "ALL" rule in the same band;
// among equally specific overlapping rules the narrowest amount span wins,
// and creation recency breaks any remaining tie.
func (s *ChainRuleService) FindMatching(ctx context.Context, amount int64, category string) (*repository.ApprovalChainRule, error) {
	if amount < 0 {
		return nil, apperrors.InvalidInput("amount", "amount must not be negative")
	}

	rules, err := s.rules.List(ctx, true)
	if err != nil {
		return nil, err
	}

	var best *repository.ApprovalChainRule
	for _, rule := range rules {
		if !bandContains(rule, amount) {
			continue
		}
		if rule.Category != category && rule.Category != repository.CategoryAll {
			continue
		}
		if best == nil || beats(rule, best, category) {
			best = rule
		}
	}
	return best, nil
}

// bandContains reports whether the amount falls inside the rule's band
// (amountMin inclusive, amountMax exclusive, 0 = open-ended).
func bandContains(rule *repository.ApprovalChainRule, amount int64) bool {
	if amount < rule.AmountMin {
		return false
	}
	return rule.AmountMax == 0 || amount < rule.AmountMax
}

// beats reports whether candidate should replace current as the selected rule.
func beats(candidate, current *repository.ApprovalChainRule, category string) bool {
	candSpecific := candidate.Category == category && category != repository.CategoryAll
	currSpecific := current.Category == category && category != repository.CategoryAll
	if candSpecific != currSpecific {
		return candSpecific
	}
	candSpan, currSpan := bandSpan(candidate), bandSpan(current)
	if candSpan != currSpan {
		return candSpan < currSpan
	}
	return candidate.CreatedAt.After(current.CreatedAt)
}

// bandSpan returns the width of a rule's amount band, open-ended bands being
// effectively infinite.
func bandSpan(rule *repository.ApprovalChainRule) int64 {
	if rule.AmountMax == 0 {
		return math.MaxInt64
	}
	return rule.AmountMax - rule.AmountMin
}

// validateRule enforces the band and step-ordering invariants before any
// write. Step levels must be strictly increasing starting at 1.
func validateRule(rule *repository.ApprovalChainRule) error {
	if rule.Name == "" {
		return apperrors.InvalidInput("name", "rule name is required")
	}
	if rule.Category == "" {
		return apperrors.InvalidInput("category", "category is required (use ALL for any)")
	}
	if rule.AmountMin < 0 {
		return apperrors.InvalidInput("amount_min", "must not be negative")
	}
	if rule.AmountMax != 0 && rule.AmountMin >= rule.AmountMax {
		return apperrors.InvalidInput("amount_max", "must be greater than amount_min (or 0 for open-ended)")
	}
	if len(rule.Steps) == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidChain, "rule must define at least one step")
	}
	prev := 0
	for i, step := range rule.Steps {
		if step.Role == "" {
			return apperrors.New(apperrors.ErrCodeInvalidChain, "every step must name a role")
		}
		if i == 0 && step.Level != 1 {
			return apperrors.New(apperrors.ErrCodeInvalidChain, "step levels must start at 1")
		}
		if step.Level <= prev {
			return apperrors.New(apperrors.ErrCodeInvalidChain, "step levels must be strictly increasing")
		}
		prev = step.Level
	}
	return nil
}
