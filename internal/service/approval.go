package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/metrics"
	"github.com/brixapay/be-expense-approvals/internal/policy"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// IdentityDirectory resolves which users hold a role for a hierarchy node.
// The HTTP layer wires the real directory; tests use a static one.
type IdentityDirectory interface {
	// UsersWithRole returns user IDs that hold the given role at a node.
	UsersWithRole(ctx context.Context, nodeID, role string) ([]string, error)
}

// EventPublisher pushes approval lifecycle events to the notification
// transport. Implementations must be non-fatal: publish failures are logged
// by the publisher, never surfaced to the approval operation.
type EventPublisher interface {
	PublishApprovalEvent(ctx context.Context, eventType string, inst *repository.ApprovalInstance, actorID string, recipients []string, payload map[string]interface{})
}

// DecisionAction is the caller's choice on a pending instance.
type DecisionAction string

const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
)

// SubmitRequest carries everything needed to open an approval instance.
type SubmitRequest struct {
	EntityType   string `json:"entity_type"` // expense_report | workflow_request
	EntityID     string `json:"entity_id"`
	Amount       int64  `json:"amount"` // paise
	Category     string `json:"category"`
	SubmitterID  string `json:"submitter_id"`
	CostCenterID string `json:"cost_center_id"`
	Comment      string `json:"comment,omitempty"`
}

// ApprovalService is the approval state machine: it builds the step chain on
// submission and applies approve / reject / delegate / recall transitions,
// each gated by the SoD validator and serialized per instance through the
// repository's atomic Mutate.
type ApprovalService struct {
	approvals   repository.ApprovalRepository
	delegations repository.DelegationRepository
	escConfig   repository.EscalationConfigRepository
	audit       repository.AuditRepository
	chains      *ChainRuleService
	resolver    *policy.Resolver
	sod         *SoDValidator
	identity    IdentityDirectory
	publisher   EventPublisher
	metrics     *metrics.Metrics
	defaultSLA  time.Duration
	log         zerolog.Logger
}

// NewApprovalService creates a new ApprovalService. publisher may be nil
// when notifications are disabled.
func NewApprovalService(
	approvals repository.ApprovalRepository,
	delegations repository.DelegationRepository,
	escConfig repository.EscalationConfigRepository,
	audit repository.AuditRepository,
	chains *ChainRuleService,
	resolver *policy.Resolver,
	sod *SoDValidator,
	identity IdentityDirectory,
	publisher EventPublisher,
	m *metrics.Metrics,
	defaultSLA time.Duration,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		approvals:   approvals,
		delegations: delegations,
		escConfig:   escConfig,
		audit:       audit,
		chains:      chains,
		resolver:    resolver,
		sod:         sod,
		identity:    identity,
		publisher:   publisher,
		metrics:     m,
		defaultSLA:  defaultSLA,
		log:         log,
	}
}

// ── Submission ────────────────────────────────────────────────────────────────

// Submit opens an approval instance: it resolves the matching chain rule
// (default single-step chain when none matches), snapshots the step
// sequence, pre-assigns approvers from the identity directory, and stamps
// the first SLA window.
func (s *ApprovalService) Submit(ctx context.Context, req *SubmitRequest) (*repository.ApprovalInstance, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	rule, err := s.chains.FindMatching(ctx, req.Amount, req.Category)
	if err != nil {
		return nil, err
	}

	steps, ruleID := s.resolveSteps(rule)
	if err := s.assignApprovers(ctx, req.CostCenterID, steps); err != nil {
		return nil, err
	}

	inst := &repository.ApprovalInstance{
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Amount:       req.Amount,
		Category:     req.Category,
		SubmitterID:  req.SubmitterID,
		CostCenterID: req.CostCenterID,
		RuleID:       ruleID,
		Steps:        steps,
		CurrentLevel: 1,
		Status:       repository.StatusPending,
		SubmittedAt:  now,
		DueAt:        now.Add(s.slaWindow(ctx)),
	}
	inst.CurrentAssignee = steps[0].AssignedTo
	inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
		Action:  repository.ActionSubmitted,
		By:      req.SubmitterID,
		At:      now,
		Comment: req.Comment,
	})

	s.applyPolicyContext(ctx, inst, now)

	if err := s.approvals.Create(ctx, inst); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Submissions.Inc()
	}
	s.appendAudit(ctx, inst, "submitted", req.SubmitterID, nil, strPtr(string(inst.Status)), map[string]interface{}{
		"amount":   inst.Amount,
		"category": inst.Category,
		"steps":    len(inst.Steps),
	})
	s.publish(ctx, "submitted", inst, req.SubmitterID)
	s.publish(ctx, "approval_required", inst, req.SubmitterID)

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("entity_type", inst.EntityType).
		Str("entity_id", inst.EntityID).
		Int64("amount", inst.Amount).
		Int("steps", len(inst.Steps)).
		Msg("Approval instance created")

	return inst, nil
}

// resolveSteps snapshots the rule's step sequence (or the built-in default)
// into instance steps, renumbered consecutively from 1.
func (s *ApprovalService) resolveSteps(rule *repository.ApprovalChainRule) ([]repository.InstanceStep, *string) {
	if rule == nil || len(rule.Steps) == 0 {
		return []repository.InstanceStep{{Level: 1, Role: repository.DefaultChainRole}}, nil
	}
	steps := make([]repository.InstanceStep, 0, len(rule.Steps))
	for i, def := range rule.Steps {
		steps = append(steps, repository.InstanceStep{Level: i + 1, Role: def.Role})
	}
	id := rule.ID
	return steps, &id
}

// assignApprovers pre-assigns the first available holder of each step's role
// at the submitter's cost center. Missing role holders leave the step
// unassigned; any holder of the role may then act.
func (s *ApprovalService) assignApprovers(ctx context.Context, costCenterID string, steps []repository.InstanceStep) error {
	if s.identity == nil {
		return nil
	}
	for i := range steps {
		users, err := s.identity.UsersWithRole(ctx, costCenterID, steps[i].Role)
		if err != nil {
			s.log.Warn().Err(err).Str("role", steps[i].Role).Msg("Could not fetch users for role; step will be unassigned")
			continue
		}
		if len(users) > 0 {
			steps[i].AssignedTo = users[0]
		}
	}
	return nil
}

// applyPolicyContext checks the submission amount against the effective
// per-transaction limit of the submitter's cost center and records a policy
// warning on the timeline when it is exceeded. Routing always proceeds; the
// warning is context for the approvers.
func (s *ApprovalService) applyPolicyContext(ctx context.Context, inst *repository.ApprovalInstance, now time.Time) {
	if s.resolver == nil || inst.CostCenterID == "" {
		return
	}
	eff, err := s.resolver.ResolveEffective(ctx, inst.CostCenterID, repository.NodeTypeCostCenter)
	if err != nil {
		s.log.Warn().Err(err).Str("node_id", inst.CostCenterID).Msg("Could not resolve effective policy for submission context")
		return
	}
	if eff.PerTxnLimit != nil && inst.Amount > *eff.PerTxnLimit {
		inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
			Action:  repository.ActionPolicyWarning,
			By:      "system",
			At:      now,
			Comment: fmt.Sprintf("amount %d exceeds effective per-transaction limit %d", inst.Amount, *eff.PerTxnLimit),
		})
	}
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// Decide applies an approve or reject by the given approver. Approving the
// final step terminalizes the instance as APPROVED; approving an earlier
// step advances the level and resets the SLA clock. Rejecting terminalizes
// unconditionally at any level.
func (s *ApprovalService) Decide(ctx context.Context, instanceID string, action DecisionAction, approverID, comment string) (*repository.ApprovalInstance, error) {
	if approverID == "" {
		return nil, apperrors.InvalidInput("approver_id", "approver identity is required")
	}
	if action != DecisionApprove && action != DecisionReject {
		return nil, apperrors.InvalidInput("action", "action must be approve or reject")
	}
	if action == DecisionReject && strings.TrimSpace(comment) == "" {
		return nil, apperrors.InvalidInput("comment", "a rejection comment is required")
	}

	var statusBefore repository.ApprovalStatus
	now := time.Now().UTC()

	inst, err := s.approvals.Mutate(ctx, instanceID, func(inst *repository.ApprovalInstance) error {
		statusBefore = inst.Status
		if err := checkTransition(inst.Status, transitionKind(action)); err != nil {
			return err
		}
		if err := assertCanAct(inst, approverID); err != nil {
			return err
		}

		sodResult, err := s.sod.CheckDecision(ctx, inst, approverID)
		if err != nil {
			return err
		}
		if sodResult.Blocked() {
			if s.metrics != nil {
				s.metrics.SoDViolations.WithLabelValues("hard").Inc()
			}
			v := sodResult.Violations[0]
			return apperrors.New(apperrors.ErrCodeSoDViolation,
				fmt.Sprintf("%s: %s", v.RuleCode, v.Detail))
		}
		for _, w := range sodResult.Warnings {
			if s.metrics != nil {
				s.metrics.SoDViolations.WithLabelValues("soft").Inc()
			}
			inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
				Action:  repository.ActionSoDWarning,
				By:      approverID,
				At:      now,
				Comment: fmt.Sprintf("%s: %s", w.RuleCode, w.Detail),
			})
		}

		step := inst.CurrentStep()
		if step == nil {
			return apperrors.New(apperrors.ErrCodeInternal, "current level has no step")
		}
		step.ActedBy = strPtr(approverID)
		step.ActedAt = &now
		if comment != "" {
			step.Notes = strPtr(comment)
		}

		switch action {
		case DecisionApprove:
			inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
				Action: repository.ActionApproved, By: approverID, At: now, Comment: comment,
			})
			if inst.CurrentLevel >= len(inst.Steps) {
				inst.Status = repository.StatusApproved
				inst.CompletedAt = &now
				inst.CurrentAssignee = ""
			} else {
				inst.CurrentLevel++
				inst.Status = repository.StatusPending
				inst.DueAt = now.Add(s.slaWindow(ctx))
				inst.CurrentAssignee = inst.Steps[inst.CurrentLevel-1].AssignedTo
			}
		case DecisionReject:
			inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
				Action: repository.ActionRejected, By: approverID, At: now, Comment: comment,
			})
			inst.Status = repository.StatusRejected
			inst.CompletedAt = &now
			inst.CurrentAssignee = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Decisions.WithLabelValues(string(action)).Inc()
	}
	auditAction := "approved"
	if action == DecisionReject {
		auditAction = "rejected"
	}
	s.appendAudit(ctx, inst, auditAction, approverID,
		strPtr(string(statusBefore)), strPtr(string(inst.Status)),
		map[string]interface{}{"level": inst.CurrentLevel, "comment": comment})

	switch inst.Status {
	case repository.StatusApproved:
		s.publish(ctx, "approved", inst, approverID)
	case repository.StatusRejected:
		s.publish(ctx, "rejected", inst, approverID)
	default:
		s.publish(ctx, "approval_required", inst, approverID)
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("action", string(action)).
		Str("approver", approverID).
		Str("status", string(inst.Status)).
		Int("level", inst.CurrentLevel).
		Msg("Approval decision applied")

	return inst, nil
}

// ── Explicit delegation ───────────────────────────────────────────────────────

// Delegate hands the current step to another approver. It requires an
// active stored Delegation from the current approver to the target covering
// the instance amount, and the target must pass the same segregation-of-duties
// rules a decision would; the level does not advance and the subsequent
// decision is attributed to the delegatee.
func (s *ApprovalService) Delegate(ctx context.Context, instanceID, fromApprover, toApprover, reason string) (*repository.ApprovalInstance, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperrors.InvalidInput("reason", "delegation reason is required")
	}
	if toApprover == "" {
		return nil, apperrors.InvalidInput("to_approver", "delegatee identity is required")
	}

	now := time.Now().UTC()
	var statusBefore repository.ApprovalStatus

	inst, err := s.approvals.Mutate(ctx, instanceID, func(inst *repository.ApprovalInstance) error {
		statusBefore = inst.Status
		if err := checkTransition(inst.Status, transitionDelegate); err != nil {
			return err
		}
		if err := assertCanAct(inst, fromApprover); err != nil {
			return err
		}

		grant, err := s.coveringDelegation(ctx, fromApprover, toApprover, now, inst.Amount)
		if err != nil {
			return err
		}
		if grant == nil {
			return apperrors.New(apperrors.ErrCodeConflict,
				"no active delegation covers this approver, target, and amount")
		}

		// The delegatee will act on this step, so they must clear the same
		// SoD rules now rather than failing later at decision time.
		sodResult, err := s.sod.CheckDecision(ctx, inst, toApprover)
		if err != nil {
			return err
		}
		if sodResult.Blocked() {
			if s.metrics != nil {
				s.metrics.SoDViolations.WithLabelValues("hard").Inc()
			}
			v := sodResult.Violations[0]
			return apperrors.New(apperrors.ErrCodeSoDViolation,
				fmt.Sprintf("%s: %s", v.RuleCode, v.Detail))
		}
		for _, w := range sodResult.Warnings {
			if s.metrics != nil {
				s.metrics.SoDViolations.WithLabelValues("soft").Inc()
			}
			inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
				Action:  repository.ActionSoDWarning,
				By:      fromApprover,
				At:      now,
				Comment: fmt.Sprintf("%s: %s", w.RuleCode, w.Detail),
			})
		}

		inst.Status = repository.StatusDelegated
		inst.CurrentAssignee = toApprover
		step := inst.CurrentStep()
		if step != nil {
			step.AssignedTo = toApprover
		}
		inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
			Action:  repository.ActionDelegated,
			By:      fromApprover,
			At:      now,
			Comment: fmt.Sprintf("delegated to %s: %s", toApprover, reason),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Delegations.Inc()
	}
	s.appendAudit(ctx, inst, "delegated", fromApprover,
		strPtr(string(statusBefore)), strPtr(string(inst.Status)),
		map[string]interface{}{"delegated_to": toApprover, "reason": reason})
	s.publish(ctx, "approval_required", inst, fromApprover)

	return inst, nil
}

// coveringDelegation returns the first active delegation from fromApprover
// to toApprover valid at now for the amount, or nil.
func (s *ApprovalService) coveringDelegation(ctx context.Context, fromApprover, toApprover string, now time.Time, amount int64) (*repository.Delegation, error) {
	grants, err := s.delegations.ListActiveForDelegator(ctx, fromApprover, now)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if g.DelegateeID == toApprover && g.Covers(now, amount) {
			return g, nil
		}
	}
	return nil, nil
}

// ── Recall ────────────────────────────────────────────────────────────────────

// Recall lets the original submitter withdraw a non-terminal instance. The
// instance terminalizes as REJECTED with a RECALLED timeline entry.
func (s *ApprovalService) Recall(ctx context.Context, instanceID, recalledBy, reason string) (*repository.ApprovalInstance, error) {
	now := time.Now().UTC()
	var statusBefore repository.ApprovalStatus

	inst, err := s.approvals.Mutate(ctx, instanceID, func(inst *repository.ApprovalInstance) error {
		statusBefore = inst.Status
		if err := checkTransition(inst.Status, transitionRecall); err != nil {
			return err
		}
		if inst.SubmitterID != recalledBy {
			return apperrors.New(apperrors.ErrCodeUnauthorized, "only the submitter can recall")
		}
		inst.Status = repository.StatusRejected
		inst.CompletedAt = &now
		inst.CurrentAssignee = ""
		inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
			Action: repository.ActionRecalled, By: recalledBy, At: now, Comment: reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Decisions.WithLabelValues("recall").Inc()
	}
	s.appendAudit(ctx, inst, "recalled", recalledBy,
		strPtr(string(statusBefore)), strPtr(string(inst.Status)), nil)
	s.publish(ctx, "recalled", inst, recalledBy)

	return inst, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Get returns one instance by id.
func (s *ApprovalService) Get(ctx context.Context, instanceID string) (*repository.ApprovalInstance, error) {
	return s.approvals.GetByID(ctx, instanceID)
}

// PendingForUser returns the open instances awaiting action from an identity.
func (s *ApprovalService) PendingForUser(ctx context.Context, userID string) ([]*repository.ApprovalInstance, error) {
	return s.approvals.ListPendingForUser(ctx, userID)
}

// History returns the global audit trail for one instance oldest-first.
func (s *ApprovalService) History(ctx context.Context, instanceID string) ([]*repository.AuditEntry, error) {
	return s.audit.ListByInstance(ctx, instanceID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// assertCanAct checks that the actor is the current assignee. Unassigned
// steps can be acted on by anyone holding the role (no assignment yet).
func assertCanAct(inst *repository.ApprovalInstance, actorID string) error {
	if inst.CurrentAssignee == "" || inst.CurrentAssignee == actorID {
		return nil
	}
	return apperrors.New(apperrors.ErrCodeUnauthorized,
		"user is not the current approver for this instance")
}

// slaWindow returns the configured SLA window, falling back to the service
// default when the escalation config is unreadable.
func (s *ApprovalService) slaWindow(ctx context.Context) time.Duration {
	if s.escConfig != nil {
		if cfg, err := s.escConfig.Get(ctx); err == nil && cfg.SLAHours > 0 {
			return cfg.SLAWindow()
		}
	}
	return s.defaultSLA
}

// appendAudit writes an audit entry and logs a warning on failure (never
// fails the operation).
func (s *ApprovalService) appendAudit(ctx context.Context, inst *repository.ApprovalInstance, action, performedBy string, before, after *string, metadata map[string]interface{}) {
	entry := &repository.AuditEntry{
		InstanceID:   inst.ID,
		EntityType:   inst.EntityType,
		EntityID:     inst.EntityID,
		Action:       action,
		PerformedBy:  performedBy,
		StatusBefore: before,
		StatusAfter:  after,
		Metadata:     metadata,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("instance_id", inst.ID).
			Str("action", action).
			Msg("Failed to write audit log entry")
	}
}

// publish sends a lifecycle event when a publisher is wired.
func (s *ApprovalService) publish(ctx context.Context, eventType string, inst *repository.ApprovalInstance, actorID string) {
	if s.publisher == nil {
		return
	}
	recipients := []string{inst.SubmitterID}
	if inst.CurrentAssignee != "" && inst.CurrentAssignee != inst.SubmitterID {
		recipients = append(recipients, inst.CurrentAssignee)
	}
	s.publisher.PublishApprovalEvent(ctx, eventType, inst, actorID, recipients, map[string]interface{}{
		"amount":   inst.Amount,
		"category": inst.Category,
		"level":    inst.CurrentLevel,
		"status":   string(inst.Status),
	})
}

func validateSubmit(req *SubmitRequest) error {
	if req.EntityType != "expense_report" && req.EntityType != "workflow_request" {
		return apperrors.InvalidInput("entity_type", "must be expense_report or workflow_request")
	}
	if req.EntityID == "" {
		return apperrors.InvalidInput("entity_id", "entity id is required")
	}
	if req.Amount < 0 {
		return apperrors.InvalidInput("amount", "amount must not be negative")
	}
	if req.Category == "" {
		return apperrors.InvalidInput("category", "category is required")
	}
	if req.SubmitterID == "" {
		return apperrors.InvalidInput("submitter_id", "submitter identity is required")
	}
	return nil
}

func strPtr(s string) *string { return &s }
