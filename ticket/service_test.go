package ticket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/orchard/store"
	"github.com/c360studio/orchard/store/memory"
	"github.com/c360studio/orchard/workflow"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	dir := t.TempDir()
	content := `
key: default_ticket
initial_stage: intake
stages:
  - id: intake
    executor: noop
    transitions:
      - target: pending_approval
        when: "workflow_input.needs_approval"
      - target: review
  - id: pending_approval
    executor: noop
    transitions:
      - target: review
  - id: review
    executor: noop
    transitions:
      - target: finished
`
	if err := os.WriteFile(filepath.Join(dir, "default_ticket.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	svc := NewService(st, workflow.NewLoader(dir, logger), Settings{
		DefaultWorkflowKey: "default_ticket",
		DefaultMaxAttempts: 3,
	}, logger)
	return svc, st
}

func TestCreateTicketDefaults(t *testing.T) {
	svc, _ := newService(t)
	tk, err := svc.CreateTicket(context.Background(), CreateTicketRequest{Title: "hello"})
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if !strings.HasPrefix(tk.TicketID, "tkt-") {
		t.Errorf("expected tkt- prefix, got %s", tk.TicketID)
	}
	if tk.WorkflowKey != "default_ticket" {
		t.Errorf("expected default workflow, got %s", tk.WorkflowKey)
	}
	if tk.Stage != "intake" {
		t.Errorf("expected initial stage intake, got %s", tk.Stage)
	}
	if tk.Status != store.TicketActive {
		t.Errorf("expected active, got %s", tk.Status)
	}
	if tk.ApprovalStatus != store.ApprovalNone {
		t.Errorf("expected approval none, got %s", tk.ApprovalStatus)
	}
}

func TestCreateTicketUnknownWorkflow(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.CreateTicket(context.Background(), CreateTicketRequest{WorkflowKey: "nope"})
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected workflow.ErrNotFound, got %v", err)
	}
}

func TestCreateTaskStateFollowsTicket(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tk, err := svc.CreateTicket(ctx, CreateTicketRequest{})
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	task, err := svc.CreateTask(ctx, tk.TicketID, CreateTaskRequest{TaskKey: "noop"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.State != store.TaskQueued {
		t.Errorf("expected queued on an active ticket, got %s", task.State)
	}
	if task.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", task.MaxAttempts)
	}

	if _, err := svc.PauseTicket(ctx, tk.TicketID); err != nil {
		t.Fatalf("PauseTicket: %v", err)
	}
	task, err = svc.CreateTask(ctx, tk.TicketID, CreateTaskRequest{TaskKey: "noop"})
	if err != nil {
		t.Fatalf("CreateTask on paused ticket: %v", err)
	}
	if task.State != store.TaskPaused {
		t.Errorf("expected paused on a paused ticket, got %s", task.State)
	}
}

func TestPauseAndResume(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{})
	task, _ := svc.CreateTask(ctx, tk.TicketID, CreateTaskRequest{TaskKey: "noop"})

	out, err := svc.PauseTicket(ctx, tk.TicketID)
	if err != nil {
		t.Fatalf("PauseTicket: %v", err)
	}
	if !out.Paused || out.Status != store.TicketPaused {
		t.Errorf("expected paused ticket, got paused=%t status=%s", out.Paused, out.Status)
	}
	got, _ := st.Tasks().Get(ctx, task.ID)
	if got.State != store.TaskPaused {
		t.Errorf("expected task paused, got %s", got.State)
	}

	out, err = svc.ResumeTicket(ctx, tk.TicketID)
	if err != nil {
		t.Fatalf("ResumeTicket: %v", err)
	}
	if out.Paused {
		t.Error("expected pause flag cleared")
	}
	got, _ = st.Tasks().Get(ctx, task.ID)
	if got.State != store.TaskQueued {
		t.Errorf("expected task requeued, got %s", got.State)
	}
	if got.NextRunAt == nil {
		t.Error("expected next_run_at set on resume")
	}
}

func TestPauseRequestsCancelOnRunning(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{})
	task, _ := svc.CreateTask(ctx, tk.TicketID, CreateTaskRequest{TaskKey: "noop"})

	row, _ := st.Tasks().Get(ctx, task.ID)
	row.State = store.TaskRunning
	if err := st.Tasks().Update(ctx, row); err != nil {
		t.Fatalf("seed running: %v", err)
	}

	if _, err := svc.PauseTicket(ctx, tk.TicketID); err != nil {
		t.Fatalf("PauseTicket: %v", err)
	}
	got, _ := st.Tasks().Get(ctx, task.ID)
	if got.State != store.TaskRunning {
		t.Errorf("running task must keep running, got %s", got.State)
	}
	if !got.CancelRequested {
		t.Error("expected cancel_requested on running task")
	}
}

func TestApprovalFlow(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{})
	task, _ := svc.CreateTask(ctx, tk.TicketID, CreateTaskRequest{TaskKey: "noop"})

	out, err := svc.RequestApproval(ctx, tk.TicketID, "check this")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if out.Stage != store.StagePendingApproval || out.Status != store.TicketWaitingApproval {
		t.Errorf("expected pending_approval/waiting_approval, got %s/%s", out.Stage, out.Status)
	}
	got, _ := st.Tasks().Get(ctx, task.ID)
	if got.State != store.TaskBlocked {
		t.Errorf("expected task blocked, got %s", got.State)
	}

	out, err = svc.ApproveTicket(ctx, tk.TicketID, "lgtm")
	if err != nil {
		t.Fatalf("ApproveTicket: %v", err)
	}
	if out.ApprovalStatus != store.ApprovalApproved {
		t.Errorf("expected approved, got %s", out.ApprovalStatus)
	}
	got, _ = st.Tasks().Get(ctx, task.ID)
	if got.State != store.TaskQueued {
		t.Errorf("expected task requeued after approval, got %s", got.State)
	}
}

func TestRejectTicket(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{})
	if _, err := svc.RequestApproval(ctx, tk.TicketID, ""); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}

	out, err := svc.RejectTicket(ctx, tk.TicketID, "not yet")
	if err != nil {
		t.Fatalf("RejectTicket: %v", err)
	}
	if out.Stage != store.StageReview || out.Status != store.TicketAttention {
		t.Errorf("expected review/attention, got %s/%s", out.Stage, out.Status)
	}
	if out.ApprovalNotes != "not yet" {
		t.Errorf("expected notes carried, got %q", out.ApprovalNotes)
	}
}

func TestTransitionTicket(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	t.Run("guard picks pending_approval", func(t *testing.T) {
		tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{
			WorkflowInput: store.Bag{"needs_approval": true},
		})
		out, err := svc.TransitionTicket(ctx, tk.TicketID, TransitionRequest{})
		if err != nil {
			t.Fatalf("TransitionTicket: %v", err)
		}
		if out.Stage != store.StagePendingApproval {
			t.Errorf("expected pending_approval, got %s", out.Stage)
		}
		if out.ApprovalStatus != store.ApprovalPending {
			t.Errorf("expected approval gate raised, got %s", out.ApprovalStatus)
		}
	})

	t.Run("fall-through transition", func(t *testing.T) {
		tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{})
		out, err := svc.TransitionTicket(ctx, tk.TicketID, TransitionRequest{})
		if err != nil {
			t.Fatalf("TransitionTicket: %v", err)
		}
		if out.Stage != "review" {
			t.Errorf("expected review, got %s", out.Stage)
		}
	})

	t.Run("target stage not allowed", func(t *testing.T) {
		tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{})
		_, err := svc.TransitionTicket(ctx, tk.TicketID, TransitionRequest{TargetStage: "finished"})
		if err == nil || !strings.Contains(err.Error(), "not allowed from stage") {
			t.Errorf("expected not-allowed error, got %v", err)
		}
	})

	t.Run("finished completes the ticket", func(t *testing.T) {
		tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{})
		if _, err := svc.TransitionTicket(ctx, tk.TicketID, TransitionRequest{TargetStage: "review"}); err != nil {
			t.Fatalf("to review: %v", err)
		}
		out, err := svc.TransitionTicket(ctx, tk.TicketID, TransitionRequest{TargetStage: "finished"})
		if err != nil {
			t.Fatalf("to finished: %v", err)
		}
		if out.Status != store.TicketCompleted || out.CompletedAt == nil {
			t.Errorf("expected completed with timestamp, got %s %v", out.Status, out.CompletedAt)
		}
	})
}

func TestPublishAndListEvents(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{})
	if _, err := svc.PublishEvent(ctx, tk.TicketID, "first", nil); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if _, err := svc.PublishEvent(ctx, tk.TicketID, "second", store.Bag{"k": "v"}); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	events, err := svc.GetTicketEvents(ctx, tk.TicketID, 10)
	if err != nil {
		t.Fatalf("GetTicketEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != "second" {
		t.Errorf("expected most recent first, got %s", events[0].EventType)
	}

	if _, err := svc.PublishEvent(ctx, "tkt-missing", "x", nil); !errors.Is(err, store.ErrTicketNotFound) {
		t.Errorf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestTicketSummaries(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tk, _ := svc.CreateTicket(ctx, CreateTicketRequest{Title: "summary me"})
	if _, err := svc.CreateTask(ctx, tk.TicketID, CreateTaskRequest{TaskKey: "noop"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := svc.CreateTask(ctx, tk.TicketID, CreateTaskRequest{TaskKey: "sleep"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	summary, err := svc.GetTicketSummary(ctx, tk.TicketID)
	if err != nil {
		t.Fatalf("GetTicketSummary: %v", err)
	}
	if len(summary.Tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(summary.Tasks))
	}

	all, err := svc.ListTicketSummaries(ctx, 10)
	if err != nil {
		t.Fatalf("ListTicketSummaries: %v", err)
	}
	if len(all) != 1 || all[0].Ticket.TicketID != tk.TicketID {
		t.Errorf("unexpected summaries %+v", all)
	}
}
