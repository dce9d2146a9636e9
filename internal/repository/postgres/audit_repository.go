package postgres

import (
	"context"
	"encoding/json"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/database"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// AuditRepository appends and reads immutable approval audit log entries.
// The table has a delete-prevention trigger, so appending is the only
// mutation exposed.
type AuditRepository struct {
	db *database.DB
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *repository.AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (instance_id, entity_type, entity_id,
		     action, performed_by,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3,
		        $4, $5,
		        $6, $7, $8)
		RETURNING id, performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.InstanceID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// ListByInstance returns the audit trail for one instance oldest-first.
func (r *AuditRepository) ListByInstance(ctx context.Context, instanceID string) ([]*repository.AuditEntry, error) {
	query := `
		SELECT id, instance_id, entity_type, entity_id,
		       action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM approval_audit_log
		WHERE instance_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*repository.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type auditScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(sc auditScanner) (*repository.AuditEntry, error) {
	entry := &repository.AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.InstanceID,
		&entry.EntityType,
		&entry.EntityID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return entry, nil
}
