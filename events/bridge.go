// Package events bridges external signals into ticket event inboxes over
// NATS. Publishers emit to orchard.event.<ticket_id>.<event_type>; the
// bridge appends one TicketEvent row per message, where wait_for_event
// tasks pick it up.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/orchard/policy"
	"github.com/c360studio/orchard/store"
)

// SubjectPrefix is the root of the bridge's subject space.
const SubjectPrefix = "orchard.event"

// Subject builds the publish subject for a ticket event.
func Subject(ticketID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, ticketID, eventType)
}

// ParseSubject extracts the ticket id and event type from a bridge
// subject. Event types may contain dots; ticket ids may not.
func ParseSubject(subject string) (ticketID, eventType string, err error) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok {
		return "", "", fmt.Errorf("subject %q is outside %s", subject, SubjectPrefix)
	}
	ticketID, eventType, ok = strings.Cut(rest, ".")
	if !ok || ticketID == "" || eventType == "" {
		return "", "", fmt.Errorf("subject %q needs ticket id and event type", subject)
	}
	return ticketID, eventType, nil
}

// Bridge subscribes to the event subject space and appends rows to ticket
// inboxes.
type Bridge struct {
	store  store.Store
	conn   *nats.Conn
	logger *slog.Logger
	sub    *nats.Subscription
}

// NewBridge creates a bridge over an established NATS connection.
func NewBridge(st store.Store, conn *nats.Conn, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:  st,
		conn:   conn,
		logger: logger.With("component", "event_bridge"),
	}
}

// Start subscribes to the subject space. Messages are handled on the NATS
// delivery goroutine; handling failures are logged and the message is
// dropped, matching at-most-once inbox semantics.
func (b *Bridge) Start() error {
	sub, err := b.conn.Subscribe(SubjectPrefix+".>", func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Handle(ctx, msg.Subject, msg.Data); err != nil {
			b.logger.Warn("Dropped event message", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", SubjectPrefix, err)
	}
	b.sub = sub
	b.logger.Info("Event bridge started", "subject", SubjectPrefix+".>")
	return nil
}

// Stop drains the subscription.
func (b *Bridge) Stop() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Drain()
}

// Handle appends one inbound message to the target ticket's inbox. The
// message body, when present, must be a JSON object and becomes the event
// payload. Unknown tickets are rejected.
func (b *Bridge) Handle(ctx context.Context, subject string, data []byte) error {
	ticketID, eventType, err := ParseSubject(subject)
	if err != nil {
		return err
	}

	payload := store.Bag{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decode payload for %s: %w", subject, err)
		}
	}

	event := &store.TicketEvent{
		TicketID:  ticketID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: policy.Now(),
	}
	err = b.store.RunInTx(ctx, func(tx store.Store) error {
		if _, err := tx.Tickets().GetByTicketID(ctx, ticketID); err != nil {
			return err
		}
		return tx.Events().Append(ctx, event)
	})
	if err != nil {
		return err
	}
	b.logger.Debug("Event bridged",
		"ticket_id", ticketID, "event_type", eventType, "event_id", event.ID)
	return nil
}

// Publish emits a ticket event to the subject space, for processes that
// feed the bridge rather than writing to the store directly.
func Publish(conn *nats.Conn, ticketID, eventType string, payload store.Bag) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	return conn.Publish(Subject(ticketID, eventType), body)
}
