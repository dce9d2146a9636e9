package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/database"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// ApprovalRepository stores approval instances with their step snapshots
// and append-only timelines. Instance + steps + timeline are always written
// together in a single transaction.
type ApprovalRepository struct {
	db *database.DB
}

const instanceColumns = `
	id, entity_type, entity_id, amount, category,
	submitter_id, cost_center_id, rule_id,
	current_level, status, current_assignee,
	submitted_at, due_at, completed_at,
	version, created_at, updated_at
`

// Create inserts an instance, its step snapshot, and the initial timeline
// entries in one transaction.
func (r *ApprovalRepository) Create(ctx context.Context, inst *repository.ApprovalInstance) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_instances
			    (entity_type, entity_id, amount, category,
			     submitter_id, cost_center_id, rule_id,
			     current_level, status, current_assignee,
			     submitted_at, due_at, version)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7,
			        $8, $9::approval_status, $10,
			        $11, $12, 1)
			RETURNING id, version, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			inst.EntityType,
			inst.EntityID,
			inst.Amount,
			inst.Category,
			inst.SubmitterID,
			inst.CostCenterID,
			inst.RuleID,
			inst.CurrentLevel,
			inst.Status,
			inst.CurrentAssignee,
			inst.SubmittedAt,
			inst.DueAt,
		).Scan(&inst.ID, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval instance")
		}

		if err := insertSteps(ctx, tx, inst.ID, inst.Steps); err != nil {
			return err
		}
		return insertTimeline(ctx, tx, inst.ID, 0, inst.Timeline)
	})
}

// GetByID retrieves an instance with its steps and timeline.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_instance", id)
	}
	if err != nil {
		return nil, err
	}

	if inst.Steps, err = r.loadSteps(ctx, id); err != nil {
		return nil, err
	}
	if inst.Timeline, err = r.loadTimeline(ctx, id); err != nil {
		return nil, err
	}
	return inst, nil
}

// Mutate locks the instance row FOR UPDATE, applies fn to the loaded state,
// and writes the result back — steps replaced, timeline extended with only
// the newly appended entries. fn returning an error rolls everything back.
func (r *ApprovalRepository) Mutate(ctx context.Context, id string, fn func(inst *repository.ApprovalInstance) error) (*repository.ApprovalInstance, error) {
	var out *repository.ApprovalInstance

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1 FOR UPDATE`

		inst, err := scanInstance(tx.QueryRow(ctx, query, id))
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("approval_instance", id)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to lock approval instance")
		}

		if inst.Steps, err = loadStepsTx(ctx, tx, id); err != nil {
			return err
		}
		if inst.Timeline, err = loadTimelineTx(ctx, tx, id); err != nil {
			return err
		}

		priorTimeline := len(inst.Timeline)
		if err := fn(inst); err != nil {
			return err
		}
		if len(inst.Timeline) < priorTimeline {
			return apperrors.New(apperrors.ErrCodeInternal, "timeline is append-only")
		}

		inst.Version++
		update := `
			UPDATE approval_instances
			SET current_level    = $2,
			    status           = $3::approval_status,
			    current_assignee = $4,
			    due_at           = $5,
			    completed_at     = $6,
			    version          = $7,
			    updated_at       = NOW()
			WHERE id = $1
			RETURNING updated_at
		`
		if err := tx.QueryRow(ctx, update,
			inst.ID,
			inst.CurrentLevel,
			inst.Status,
			inst.CurrentAssignee,
			inst.DueAt,
			inst.CompletedAt,
			inst.Version,
		).Scan(&inst.UpdatedAt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval instance")
		}

		// Steps are a snapshot sub-collection; escalation can splice and
		// renumber them, so replace wholesale.
		if _, err := tx.Exec(ctx, `DELETE FROM approval_instance_steps WHERE instance_id = $1`, id); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to clear instance steps")
		}
		if err := insertSteps(ctx, tx, id, inst.Steps); err != nil {
			return err
		}
		if err := insertTimeline(ctx, tx, id, priorTimeline, inst.Timeline); err != nil {
			return err
		}

		out = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListDueIDs returns ids of instances in the given status due at or before
// the cutoff, oldest due first.
func (r *ApprovalRepository) ListDueIDs(ctx context.Context, status repository.ApprovalStatus, cutoff time.Time) ([]string, error) {
	query := `
		SELECT id
		FROM approval_instances
		WHERE status = $1::approval_status
		  AND due_at <= $2
		ORDER BY due_at ASC
	`

	rows, err := r.db.Query(ctx, query, status, cutoff)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list due instances")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan instance id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListPendingForUser returns open instances whose current step awaits the
// given identity, soonest due first.
func (r *ApprovalRepository) ListPendingForUser(ctx context.Context, userID string) ([]*repository.ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE status IN ('PENDING', 'DELEGATED', 'ESCALATED')
		  AND current_assignee = $1
		ORDER BY due_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var insts []*repository.ApprovalInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval instance")
		}
		insts = append(insts, inst)
	}
	rows.Close()

	for _, inst := range insts {
		if inst.Steps, err = r.loadSteps(ctx, inst.ID); err != nil {
			return nil, err
		}
		if inst.Timeline, err = r.loadTimeline(ctx, inst.ID); err != nil {
			return nil, err
		}
	}
	return insts, nil
}

// ── step and timeline helpers ────────────────────────────────────────────────

func insertSteps(ctx context.Context, tx pgx.Tx, instanceID string, steps []repository.InstanceStep) error {
	query := `
		INSERT INTO approval_instance_steps
		    (instance_id, level, role, assigned_to, acted_by, acted_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, step := range steps {
		if _, err := tx.Exec(ctx, query,
			instanceID,
			step.Level,
			step.Role,
			step.AssignedTo,
			step.ActedBy,
			step.ActedAt,
			step.Notes,
		); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert instance step")
		}
	}
	return nil
}

func insertTimeline(ctx context.Context, tx pgx.Tx, instanceID string, from int, timeline []repository.TimelineEntry) error {
	query := `
		INSERT INTO approval_timeline
		    (instance_id, seq, action, performed_by, performed_at, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for i := from; i < len(timeline); i++ {
		e := timeline[i]
		if _, err := tx.Exec(ctx, query, instanceID, i+1, e.Action, e.By, e.At, e.Comment); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to insert timeline entry")
		}
	}
	return nil
}

const stepQuery = `
	SELECT level, role, assigned_to, acted_by, acted_at, notes
	FROM approval_instance_steps
	WHERE instance_id = $1
	ORDER BY level ASC
`

const timelineQuery = `
	SELECT action, performed_by, performed_at, comment
	FROM approval_timeline
	WHERE instance_id = $1
	ORDER BY seq ASC
`

func (r *ApprovalRepository) loadSteps(ctx context.Context, instanceID string) ([]repository.InstanceStep, error) {
	rows, err := r.db.Query(ctx, stepQuery, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load instance steps")
	}
	defer rows.Close()
	return scanSteps(rows)
}

func loadStepsTx(ctx context.Context, tx pgx.Tx, instanceID string) ([]repository.InstanceStep, error) {
	rows, err := tx.Query(ctx, stepQuery, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load instance steps")
	}
	defer rows.Close()
	return scanSteps(rows)
}

func (r *ApprovalRepository) loadTimeline(ctx context.Context, instanceID string) ([]repository.TimelineEntry, error) {
	rows, err := r.db.Query(ctx, timelineQuery, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load timeline")
	}
	defer rows.Close()
	return scanTimeline(rows)
}

func loadTimelineTx(ctx context.Context, tx pgx.Tx, instanceID string) ([]repository.TimelineEntry, error) {
	rows, err := tx.Query(ctx, timelineQuery, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to load timeline")
	}
	defer rows.Close()
	return scanTimeline(rows)
}

func scanSteps(rows pgx.Rows) ([]repository.InstanceStep, error) {
	var steps []repository.InstanceStep
	for rows.Next() {
		var step repository.InstanceStep
		var assignedTo *string
		if err := rows.Scan(&step.Level, &step.Role, &assignedTo, &step.ActedBy, &step.ActedAt, &step.Notes); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan instance step")
		}
		if assignedTo != nil {
			step.AssignedTo = *assignedTo
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func scanTimeline(rows pgx.Rows) ([]repository.TimelineEntry, error) {
	var timeline []repository.TimelineEntry
	for rows.Next() {
		var e repository.TimelineEntry
		if err := rows.Scan(&e.Action, &e.By, &e.At, &e.Comment); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan timeline entry")
		}
		timeline = append(timeline, e)
	}
	return timeline, nil
}

type instanceScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row instanceScanner) (*repository.ApprovalInstance, error) {
	inst := &repository.ApprovalInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.EntityType,
		&inst.EntityID,
		&inst.Amount,
		&inst.Category,
		&inst.SubmitterID,
		&inst.CostCenterID,
		&inst.RuleID,
		&inst.CurrentLevel,
		&inst.Status,
		&inst.CurrentAssignee,
		&inst.SubmittedAt,
		&inst.DueAt,
		&inst.CompletedAt,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
