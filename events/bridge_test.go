package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/orchard/store"
	"github.com/c360studio/orchard/store/memory"
)

func seedTicket(t *testing.T, st store.Store, ticketID string) {
	t.Helper()
	now := time.Now().UTC()
	err := st.Tickets().Create(context.Background(), &store.Ticket{
		TicketID:       ticketID,
		WorkflowKey:    "default_ticket",
		Stage:          "intake",
		Status:         store.TicketActive,
		ApprovalStatus: store.ApprovalNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err, "seed ticket")
}

func newTestBridge(st store.Store) *Bridge {
	return NewBridge(st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		subject    string
		wantTicket string
		wantType   string
		wantErr    bool
	}{
		{"orchard.event.tkt-abc.go", "tkt-abc", "go", false},
		{"orchard.event.tkt-abc.deploy.finished", "tkt-abc", "deploy.finished", false},
		{"orchard.event.tkt-abc", "", "", true},
		{"other.subject", "", "", true},
		{"orchard.event..go", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			ticketID, eventType, err := ParseSubject(tt.subject)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTicket, ticketID)
			assert.Equal(t, tt.wantType, eventType)
		})
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	subject := Subject("tkt-42", "build.done")
	ticketID, eventType, err := ParseSubject(subject)
	require.NoError(t, err)
	assert.Equal(t, "tkt-42", ticketID)
	assert.Equal(t, "build.done", eventType)
}

func TestHandleAppendsEvent(t *testing.T) {
	st := memory.New()
	seedTicket(t, st, "tkt-abc")
	b := newTestBridge(st)

	err := b.Handle(context.Background(), "orchard.event.tkt-abc.go", []byte(`{"n": 1}`))
	require.NoError(t, err)

	ev, err := st.Events().OldestUnconsumed(context.Background(), "tkt-abc", "go")
	require.NoError(t, err, "expected event in inbox")
	assert.Equal(t, float64(1), ev.Payload["n"])
}

func TestHandleEmptyBody(t *testing.T) {
	st := memory.New()
	seedTicket(t, st, "tkt-abc")
	b := newTestBridge(st)

	require.NoError(t, b.Handle(context.Background(), "orchard.event.tkt-abc.ping", nil))

	ev, err := st.Events().OldestUnconsumed(context.Background(), "tkt-abc", "ping")
	require.NoError(t, err, "expected event in inbox")
	assert.Empty(t, ev.Payload)
}

func TestHandleRejectsUnknownTicket(t *testing.T) {
	st := memory.New()
	b := newTestBridge(st)

	err := b.Handle(context.Background(), "orchard.event.tkt-missing.go", nil)
	assert.Error(t, err, "unknown ticket must be rejected")
}

func TestHandleRejectsBadPayload(t *testing.T) {
	st := memory.New()
	seedTicket(t, st, "tkt-abc")
	b := newTestBridge(st)

	err := b.Handle(context.Background(), "orchard.event.tkt-abc.go", []byte(`not json`))
	assert.Error(t, err, "malformed payload must be rejected")
}
