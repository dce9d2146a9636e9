package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// SoDViolation describes one segregation-of-duties rule that fired.
type SoDViolation struct {
	RuleCode repository.SoDRuleCode `json:"rule_code"`
	Detail   string                 `json:"detail"`
}

// SoDResult separates blocking violations from advisory warnings. Advisory
// violations have already been counted against the rule when the result is
// returned.
type SoDResult struct {
	Violations []SoDViolation // hard; the transition must not commit
	Warnings   []SoDViolation // soft; the transition commits with a warning
}

// Blocked reports whether any hard violation fired.
func (r *SoDResult) Blocked() bool { return len(r.Violations) > 0 }

// SoDValidator evaluates the built-in segregation-of-duties rules before
// approval transitions and delegation grants commit. Violations are always
// reported, never silently bypassed; per-rule enforcement decides whether
// they block or only warn.
type SoDValidator struct {
	rules repository.SoDRuleRepository
	log   zerolog.Logger
}

// NewSoDValidator creates a new SoDValidator.
func NewSoDValidator(rules repository.SoDRuleRepository, log zerolog.Logger) *SoDValidator {
	return &SoDValidator{rules: rules, log: log}
}

// DefaultSoDRules returns the built-in rule set with its default (hard)
// enforcement, used to seed a fresh store.
func DefaultSoDRules() []*repository.SoDRule {
	return []*repository.SoDRule{
		{Code: repository.SoDSelfApproval, Name: "No self-approval", Enforcement: repository.EnforcementActive},
		{Code: repository.SoDDuplicateApprover, Name: "No repeat approver in one chain", Enforcement: repository.EnforcementActive},
		{Code: repository.SoDCircularDelegation, Name: "No circular delegations", Enforcement: repository.EnforcementActive},
	}
}

// CheckDecision evaluates the decision-time rules for an approver acting on
// an instance: self-approval and duplicate-approver.
func (v *SoDValidator) CheckDecision(ctx context.Context, inst *repository.ApprovalInstance, approverID string) (*SoDResult, error) {
	result := &SoDResult{}

	if approverID == inst.SubmitterID {
		if err := v.record(ctx, result, repository.SoDSelfApproval,
			fmt.Sprintf("submitter %s cannot approve their own %s", approverID, inst.EntityType)); err != nil {
			return nil, err
		}
	}

	for _, step := range inst.Steps {
		if step.ActedBy != nil && *step.ActedBy == approverID && step.Level < inst.CurrentLevel {
			if err := v.record(ctx, result, repository.SoDDuplicateApprover,
				fmt.Sprintf("%s already acted at level %d of this chain", approverID, step.Level)); err != nil {
				return nil, err
			}
			break
		}
	}

	return result, nil
}

// CheckDelegation evaluates the creation-time circular-delegation rule: the
// proposed delegatee must not hold a delegation back to the delegator whose
// validity window overlaps the proposed [validFrom, validTo) window. Checking
// only the grant's start instant would miss reverse grants that begin later
// and go live mid-window.
func (v *SoDValidator) CheckDelegation(ctx context.Context, delegatorID, delegateeID string, validFrom, validTo time.Time, delegations repository.DelegationRepository) (*SoDResult, error) {
	result := &SoDResult{}

	if delegatorID == delegateeID {
		if err := v.record(ctx, result, repository.SoDCircularDelegation,
			"cannot delegate approval authority to oneself"); err != nil {
			return nil, err
		}
		return result, nil
	}

	reverse, err := delegations.ListOverlappingForDelegator(ctx, delegateeID, validFrom, validTo)
	if err != nil {
		return nil, err
	}
	for _, d := range reverse {
		if d.DelegateeID == delegatorID {
			if err := v.record(ctx, result, repository.SoDCircularDelegation,
				fmt.Sprintf("%s already delegates to %s within an overlapping window", delegateeID, delegatorID)); err != nil {
				return nil, err
			}
			break
		}
	}

	return result, nil
}

// record classifies a fired rule as blocking or advisory based on its stored
// enforcement, bumping the violation counter for advisory rules.
func (v *SoDValidator) record(ctx context.Context, result *SoDResult, code repository.SoDRuleCode, detail string) error {
	rule, err := v.rules.GetByCode(ctx, code)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			// Unconfigured rules enforce hard; a missing row never relaxes SoD.
			result.Violations = append(result.Violations, SoDViolation{RuleCode: code, Detail: detail})
			return nil
		}
		return err
	}

	violation := SoDViolation{RuleCode: code, Detail: detail}
	if rule.Enforcement == repository.EnforcementAdvisory {
		if err := v.rules.IncrementViolations(ctx, code); err != nil {
			v.log.Warn().Err(err).Str("rule", string(code)).Msg("Failed to bump SoD violation counter")
		}
		result.Warnings = append(result.Warnings, violation)
		v.log.Warn().Str("rule", string(code)).Str("detail", detail).Msg("SoD advisory violation")
		return nil
	}

	result.Violations = append(result.Violations, violation)
	return nil
}
