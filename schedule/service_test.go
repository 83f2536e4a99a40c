package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

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
      - target: finished
`
	if err := os.WriteFile(filepath.Join(dir, "default_ticket.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	svc := NewService(st, workflow.NewLoader(dir, logger), Settings{DefaultMaxAttempts: 3}, logger)
	return svc, st
}

func intPtr(v int) *int { return &v }

func TestCreateScheduleValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     CreateScheduleRequest
		wantSub string
	}{
		{
			name:    "missing key",
			req:     CreateScheduleRequest{WorkflowKey: "default_ticket", IntervalSeconds: intPtr(60)},
			wantSub: "schedule_key is required",
		},
		{
			name:    "missing workflow",
			req:     CreateScheduleRequest{ScheduleKey: "nightly", IntervalSeconds: intPtr(60)},
			wantSub: "workflow_key is required",
		},
		{
			name:    "neither interval nor first run",
			req:     CreateScheduleRequest{ScheduleKey: "nightly", WorkflowKey: "default_ticket"},
			wantSub: "needs interval_seconds or first_run_at",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSchedule(ctx, tt.req)
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("expected error containing %q, got %v", tt.wantSub, err)
			}
		})
	}
}

func TestCreateScheduleDefaultsToDueNow(t *testing.T) {
	svc, _ := newService(t)
	before := time.Now().UTC()

	sched, err := svc.CreateSchedule(context.Background(), CreateScheduleRequest{
		ScheduleKey:     "nightly",
		WorkflowKey:     "default_ticket",
		IntervalSeconds: intPtr(3600),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if !sched.Active {
		t.Error("expected active schedule")
	}
	if sched.NextRunAt == nil || sched.NextRunAt.Before(before.Add(-time.Second)) ||
		sched.NextRunAt.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("expected next_run_at ~ now, got %v", sched.NextRunAt)
	}
}

func TestCreateScheduleDuplicateKey(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	req := CreateScheduleRequest{
		ScheduleKey:     "nightly",
		WorkflowKey:     "default_ticket",
		IntervalSeconds: intPtr(60),
	}
	if _, err := svc.CreateSchedule(ctx, req); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.CreateSchedule(ctx, req)
	if !errors.Is(err, store.ErrScheduleExists) {
		t.Errorf("expected ErrScheduleExists, got %v", err)
	}
}

func TestPauseAndResumeSchedule(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	sched, err := svc.CreateSchedule(ctx, CreateScheduleRequest{
		ScheduleKey:     "nightly",
		WorkflowKey:     "default_ticket",
		IntervalSeconds: intPtr(60),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	paused, err := svc.PauseSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("PauseSchedule: %v", err)
	}
	if paused.Active {
		t.Error("expected inactive after pause")
	}

	// Paused schedules never fire.
	fired, err := svc.ProcessDueSchedules(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessDueSchedules: %v", err)
	}
	if fired != 0 {
		t.Errorf("paused schedule fired %d times", fired)
	}

	resumed, err := svc.ResumeSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("ResumeSchedule: %v", err)
	}
	if !resumed.Active || resumed.NextRunAt == nil {
		t.Errorf("expected active with next firing, got %+v", resumed)
	}
}

func TestProcessDueSchedulesMaterializes(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	sched, err := svc.CreateSchedule(ctx, CreateScheduleRequest{
		ScheduleKey:     "nightly",
		TicketTitle:     "nightly sweep",
		WorkflowKey:     "default_ticket",
		IntervalSeconds: intPtr(600),
		TaskKey:         "noop",
		TaskPayload:     store.Bag{"mode": "sweep"},
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	fired, err := svc.ProcessDueSchedules(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessDueSchedules: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 firing, got %d", fired)
	}

	tickets, err := st.Tickets().List(ctx, 10)
	if err != nil {
		t.Fatalf("list tickets: %v", err)
	}
	if len(tickets) != 1 {
		t.Fatalf("expected 1 ticket, got %d", len(tickets))
	}
	tk := tickets[0]
	if tk.Title != "nightly sweep" || tk.SourceType != "schedule" {
		t.Errorf("unexpected ticket %+v", tk)
	}
	if tk.Stage != store.StageRunning {
		t.Errorf("expected running stage with a task, got %s", tk.Stage)
	}

	tasks, err := st.Tasks().ListForTicket(ctx, tk.TicketID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskKey != "noop" || tasks[0].State != store.TaskQueued {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	if tasks[0].MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", tasks[0].MaxAttempts)
	}

	got, err := st.Schedules().Get(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastRunAt == nil {
		t.Error("expected last_run_at recorded")
	}
	if got.NextRunAt == nil {
		t.Fatal("recurring schedule must keep a next firing")
	}
	wantNext := time.Now().UTC().Add(600 * time.Second)
	if diff := got.NextRunAt.Sub(wantNext); diff < -2*time.Second || diff > 2*time.Second {
		t.Errorf("next_run_at off by %v", diff)
	}

	// Not due again yet.
	fired, err = svc.ProcessDueSchedules(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessDueSchedules: %v", err)
	}
	if fired != 0 {
		t.Errorf("expected no firing before the interval elapses, got %d", fired)
	}
}

func TestOneShotDeactivatesAfterFiring(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	first := time.Now().UTC().Add(-time.Second)
	sched, err := svc.CreateSchedule(ctx, CreateScheduleRequest{
		ScheduleKey: "once",
		WorkflowKey: "default_ticket",
		FirstRunAt:  &first,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	fired, err := svc.ProcessDueSchedules(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessDueSchedules: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 firing, got %d", fired)
	}

	got, err := st.Schedules().Get(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Active || got.NextRunAt != nil {
		t.Errorf("one-shot must deactivate, got active=%t next=%v", got.Active, got.NextRunAt)
	}
}

func TestTriggerScheduleOnceIgnoresDueness(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	sched, err := svc.CreateSchedule(ctx, CreateScheduleRequest{
		ScheduleKey:     "later",
		WorkflowKey:     "default_ticket",
		IntervalSeconds: intPtr(3600),
		FirstRunAt:      &future,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	tk, err := svc.TriggerScheduleOnce(ctx, sched.ID)
	if err != nil {
		t.Fatalf("TriggerScheduleOnce: %v", err)
	}
	if tk == nil || tk.WorkflowKey != "default_ticket" {
		t.Fatalf("unexpected ticket %+v", tk)
	}

	got, err := st.Schedules().Get(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastRunAt == nil {
		t.Error("expected last_run_at after manual trigger")
	}
}

func TestBrokenTemplateAdvancesAnyway(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	sched, err := svc.CreateSchedule(ctx, CreateScheduleRequest{
		ScheduleKey:     "broken",
		WorkflowKey:     "no_such_workflow",
		IntervalSeconds: intPtr(300),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	fired, err := svc.ProcessDueSchedules(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessDueSchedules: %v", err)
	}
	if fired != 0 {
		t.Errorf("broken template must not count as a firing, got %d", fired)
	}

	got, err := st.Schedules().Get(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now().UTC().Add(time.Minute)) {
		t.Errorf("expected next firing pushed out despite failure, got %v", got.NextRunAt)
	}

	tickets, err := st.Tickets().List(ctx, 10)
	if err != nil {
		t.Fatalf("list tickets: %v", err)
	}
	if len(tickets) != 0 {
		t.Errorf("expected no ticket from a broken template, got %d", len(tickets))
	}
}
