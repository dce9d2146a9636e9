package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/metrics"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// EscalationService runs the overdue sweep and owns the escalation
// configuration. The sweep is driven by an external scheduler or an
// on-demand call, never by an internal timer.
type EscalationService struct {
	approvals   repository.ApprovalRepository
	delegations repository.DelegationRepository
	config      repository.EscalationConfigRepository
	audit       repository.AuditRepository
	identity    IdentityDirectory
	publisher   EventPublisher
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// NewEscalationService creates a new EscalationService. publisher may be nil.
func NewEscalationService(
	approvals repository.ApprovalRepository,
	delegations repository.DelegationRepository,
	config repository.EscalationConfigRepository,
	audit repository.AuditRepository,
	identity IdentityDirectory,
	publisher EventPublisher,
	m *metrics.Metrics,
	log zerolog.Logger,
) *EscalationService {
	return &EscalationService{
		approvals:   approvals,
		delegations: delegations,
		config:      config,
		audit:       audit,
		identity:    identity,
		publisher:   publisher,
		metrics:     m,
		log:         log,
	}
}

// RunSweep processes every PENDING instance due at or before now. An active
// delegation for the current assignee reroutes the instance (stays PENDING,
// approver pointer updates); otherwise the instance escalates, bumping the
// level to the configured fallback role when one exists. dueAt is pushed
// forward in both branches, which makes the sweep idempotent: a second run
// at the same instant finds nothing newly due. Per-instance failures are
// collected and never abort the rest of the sweep.
func (s *EscalationService) RunSweep(ctx context.Context, now time.Time) (*repository.SweepResult, error) {
	cfg, err := s.config.Get(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := s.approvals.ListDueIDs(ctx, repository.StatusPending, now)
	if err != nil {
		return nil, err
	}

	result := &repository.SweepResult{Escalated: []string{}, Rerouted: []string{}}
	for _, id := range ids {
		result.Checked++
		escalated, rerouted, err := s.sweepOne(ctx, id, now, cfg)
		if err != nil {
			result.Errors = append(result.Errors, repository.SweepError{InstanceID: id, Error: err.Error()})
			s.log.Error().Err(err).Str("instance_id", id).Msg("Sweep failed for instance")
			continue
		}
		if escalated {
			result.Escalated = append(result.Escalated, id)
		}
		if rerouted {
			result.Rerouted = append(result.Rerouted, id)
		}
	}

	s.log.Info().
		Int("checked", result.Checked).
		Int("escalated", len(result.Escalated)).
		Int("rerouted", len(result.Rerouted)).
		Int("errors", len(result.Errors)).
		Msg("Escalation sweep finished")

	return result, nil
}

// sweepOne applies the overdue handling to a single instance under its
// per-instance lock, rechecking dueness inside the critical section.
func (s *EscalationService) sweepOne(ctx context.Context, id string, now time.Time, cfg *repository.EscalationConfig) (escalated, rerouted bool, err error) {
	var actor string

	inst, err := s.approvals.Mutate(ctx, id, func(inst *repository.ApprovalInstance) error {
		// Re-check under the lock: a decision or an earlier sweep pass may
		// have already moved the instance on.
		if inst.Status != repository.StatusPending || inst.DueAt.After(now) {
			return nil
		}
		if err := checkTransition(inst.Status, transitionEscalate); err != nil {
			return err
		}

		window := cfg.SLAWindow()
		step := inst.CurrentStep()
		if step == nil {
			return apperrors.New(apperrors.ErrCodeInternal, "current level has no step")
		}

		if grant := s.reroutingDelegation(ctx, inst, now); grant != nil {
			// Implicit delegation-driven reroute: the assignment changes,
			// the state machine position does not.
			step.AssignedTo = grant.DelegateeID
			inst.CurrentAssignee = grant.DelegateeID
			inst.DueAt = now.Add(window)
			inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
				Action:  repository.ActionReassigned,
				By:      "system",
				At:      now,
				Comment: fmt.Sprintf("overdue; rerouted from %s to delegatee %s", grant.DelegatorID, grant.DelegateeID),
			})
			actor = grant.DelegateeID
			rerouted = true
			return nil
		}

		inst.Status = repository.StatusEscalated
		comment := "overdue with no usable delegation"
		if fallback, ok := cfg.FallbackRoles[step.Role]; ok && fallback != "" {
			next := repository.InstanceStep{Level: inst.CurrentLevel + 1, Role: fallback}
			if s.identity != nil {
				if users, uerr := s.identity.UsersWithRole(ctx, inst.CostCenterID, fallback); uerr == nil && len(users) > 0 {
					next.AssignedTo = users[0]
				}
			}
			inst.Steps = spliceStep(inst.Steps, inst.CurrentLevel, next)
			inst.CurrentLevel++
			inst.CurrentAssignee = next.AssignedTo
			comment = fmt.Sprintf("overdue; escalated from %s to %s", step.Role, fallback)
		}
		inst.DueAt = now.Add(window)
		inst.Timeline = append(inst.Timeline, repository.TimelineEntry{
			Action:  repository.ActionEscalated,
			By:      "system",
			At:      now,
			Comment: comment,
		})
		actor = "system"
		escalated = true
		return nil
	})
	if err != nil {
		return false, false, err
	}

	if escalated {
		if s.metrics != nil {
			s.metrics.Escalations.Inc()
		}
		s.appendAudit(ctx, inst, "escalated")
		if s.publisher != nil {
			s.publisher.PublishApprovalEvent(ctx, "escalated", inst, actor,
				[]string{inst.SubmitterID, inst.CurrentAssignee},
				map[string]interface{}{"level": inst.CurrentLevel})
		}
	}
	if rerouted {
		if s.metrics != nil {
			s.metrics.Reroutes.Inc()
		}
		s.appendAudit(ctx, inst, "rerouted")
		if s.publisher != nil {
			s.publisher.PublishApprovalEvent(ctx, "approval_required", inst, actor,
				[]string{inst.CurrentAssignee},
				map[string]interface{}{"level": inst.CurrentLevel})
		}
	}
	return escalated, rerouted, nil
}

// reroutingDelegation returns an active delegation from the instance's
// current assignee covering the amount, or nil. Unassigned steps have no
// delegator to consult.
func (s *EscalationService) reroutingDelegation(ctx context.Context, inst *repository.ApprovalInstance, now time.Time) *repository.Delegation {
	if inst.CurrentAssignee == "" {
		return nil
	}
	grants, err := s.delegations.ListActiveForDelegator(ctx, inst.CurrentAssignee, now)
	if err != nil {
		s.log.Warn().Err(err).Str("delegator", inst.CurrentAssignee).Msg("Could not load delegations during sweep")
		return nil
	}
	for _, g := range grants {
		if g.Covers(now, inst.Amount) {
			return g
		}
	}
	return nil
}

// spliceStep inserts step after position level, renumbering everything
// behind it so levels stay consecutive.
func spliceStep(steps []repository.InstanceStep, level int, step repository.InstanceStep) []repository.InstanceStep {
	out := make([]repository.InstanceStep, 0, len(steps)+1)
	out = append(out, steps[:level]...)
	out = append(out, step)
	out = append(out, steps[level:]...)
	for i := range out {
		out[i].Level = i + 1
	}
	return out
}

// GetConfig returns the current escalation configuration.
func (s *EscalationService) GetConfig(ctx context.Context) (*repository.EscalationConfig, error) {
	return s.config.Get(ctx)
}

// ConfigPatch carries a partial escalation-config update; nil fields are
// left unchanged.
type ConfigPatch struct {
	SLAHours      *int               `json:"sla_hours,omitempty"`
	FallbackRoles *map[string]string `json:"fallback_roles,omitempty"`
}

// UpdateConfig applies a patch to the escalation configuration.
func (s *EscalationService) UpdateConfig(ctx context.Context, patch *ConfigPatch) (*repository.EscalationConfig, error) {
	cfg, err := s.config.Get(ctx)
	if err != nil {
		return nil, err
	}
	if patch.SLAHours != nil {
		if *patch.SLAHours <= 0 {
			return nil, apperrors.InvalidInput("sla_hours", "must be positive")
		}
		cfg.SLAHours = *patch.SLAHours
	}
	if patch.FallbackRoles != nil {
		cfg.FallbackRoles = *patch.FallbackRoles
	}
	if err := s.config.Update(ctx, cfg); err != nil {
		return nil, err
	}
	s.log.Info().Int("sla_hours", cfg.SLAHours).Msg("Escalation configuration updated")
	return cfg, nil
}

// appendAudit writes a sweep audit entry, logging on failure.
func (s *EscalationService) appendAudit(ctx context.Context, inst *repository.ApprovalInstance, action string) {
	status := string(inst.Status)
	entry := &repository.AuditEntry{
		InstanceID:  inst.ID,
		EntityType:  inst.EntityType,
		EntityID:    inst.EntityID,
		Action:      action,
		PerformedBy: "system",
		StatusAfter: &status,
		Metadata:    map[string]interface{}{"level": inst.CurrentLevel},
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Failed to write audit log entry")
	}
}
