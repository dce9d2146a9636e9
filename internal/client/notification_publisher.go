package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// NotificationPublisher publishes approval lifecycle events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.expense.<event_type>
// Event types: submitted, approval_required, approved, rejected,
//              delegated, escalated, recalled
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt
// approval operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	EntityID     string                 `json:"entity_id"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher connects to NATS and returns a publisher. A
// connection failure is returned to the caller so startup can decide
// whether notifications are required.
func NewNotificationPublisher(url string, log zerolog.Logger) (*NotificationPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("be-expense-approvals"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NotificationPublisher{conn: conn, log: log}, nil
}

// PublishApprovalEvent publishes one approval lifecycle event.
// Subject: notifications.expense.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType string, inst *repository.ApprovalInstance, actorID string, recipients []string, payload map[string]interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		EntityID:     inst.EntityID,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: inst.EntityType,
		ResourceID:   inst.ID,
		IsActionable: eventType == "approval_required",
		Severity:     "info",
		Category:     "expense_approval",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.expense.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", inst.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", inst.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}

// Close drains and closes the NATS connection.
func (p *NotificationPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("notification: failed to drain NATS connection")
	}
}
