// Package memory provides an in-memory store.Store used by tests and by
// standalone mode. A single mutex serializes transactions, so the row
// locking the postgres backend gets from SELECT ... FOR UPDATE SKIP LOCKED
// is implied here. Transactions snapshot the dataset and roll back by
// discarding the working copy.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/orchard/store"
)

// Compile-time checks that both views satisfy store.Store.
var (
	_ store.Store = (*Store)(nil)
	_ store.Store = (*txStore)(nil)
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex
	d  *dataset
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{d: newDataset()}
}

type dataset struct {
	tickets    map[int64]*store.Ticket
	ticketIdx  map[string]int64 // ticket_id -> row id
	tasks      map[int64]*store.Task
	deps       map[int64][]*store.TaskDependency // task_id -> edges
	logs       map[int64][]*store.TaskLog        // task_id -> rows
	heartbeats map[string]*store.WorkerHeartbeat
	events     map[int64]*store.TicketEvent
	schedules  map[int64]*store.TicketSchedule
	schedIdx   map[string]int64 // schedule_key -> row id

	ticketSeq, taskSeq, depSeq, logSeq, hbSeq, eventSeq, schedSeq int64
}

func newDataset() *dataset {
	return &dataset{
		tickets:    make(map[int64]*store.Ticket),
		ticketIdx:  make(map[string]int64),
		tasks:      make(map[int64]*store.Task),
		deps:       make(map[int64][]*store.TaskDependency),
		logs:       make(map[int64][]*store.TaskLog),
		heartbeats: make(map[string]*store.WorkerHeartbeat),
		events:     make(map[int64]*store.TicketEvent),
		schedules:  make(map[int64]*store.TicketSchedule),
		schedIdx:   make(map[string]int64),
	}
}

// clone copies the dataset's maps. Rows themselves are immutable by
// convention: every write replaces the stored row with a fresh copy, so a
// shallow map copy is a consistent snapshot.
func (d *dataset) clone() *dataset {
	out := &dataset{
		tickets:    make(map[int64]*store.Ticket, len(d.tickets)),
		ticketIdx:  make(map[string]int64, len(d.ticketIdx)),
		tasks:      make(map[int64]*store.Task, len(d.tasks)),
		deps:       make(map[int64][]*store.TaskDependency, len(d.deps)),
		logs:       make(map[int64][]*store.TaskLog, len(d.logs)),
		heartbeats: make(map[string]*store.WorkerHeartbeat, len(d.heartbeats)),
		events:     make(map[int64]*store.TicketEvent, len(d.events)),
		schedules:  make(map[int64]*store.TicketSchedule, len(d.schedules)),
		schedIdx:   make(map[string]int64, len(d.schedIdx)),
		ticketSeq:  d.ticketSeq, taskSeq: d.taskSeq, depSeq: d.depSeq,
		logSeq: d.logSeq, hbSeq: d.hbSeq, eventSeq: d.eventSeq, schedSeq: d.schedSeq,
	}
	for k, v := range d.tickets {
		out.tickets[k] = v
	}
	for k, v := range d.ticketIdx {
		out.ticketIdx[k] = v
	}
	for k, v := range d.tasks {
		out.tasks[k] = v
	}
	for k, v := range d.deps {
		out.deps[k] = append([]*store.TaskDependency(nil), v...)
	}
	for k, v := range d.logs {
		out.logs[k] = append([]*store.TaskLog(nil), v...)
	}
	for k, v := range d.heartbeats {
		out.heartbeats[k] = v
	}
	for k, v := range d.events {
		out.events[k] = v
	}
	for k, v := range d.schedules {
		out.schedules[k] = v
	}
	for k, v := range d.schedIdx {
		out.schedIdx[k] = v
	}
	return out
}

// RunInTx implements store.Store. The callback operates on a working copy;
// a nil return swaps the copy in, an error discards it.
func (s *Store) RunInTx(_ context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.d.clone()
	if err := fn(&txStore{d: work}); err != nil {
		return err
	}
	s.d = work
	return nil
}

func (s *Store) with(fn func(d *dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.d)
}

// txStore is a Store view bound to one in-flight transaction. The outer
// mutex is already held, so repo calls hit the dataset directly.
type txStore struct {
	d *dataset
}

func (t *txStore) RunInTx(_ context.Context, fn func(tx store.Store) error) error {
	// Nested transactions collapse into the enclosing one.
	return fn(t)
}

func (t *txStore) with(fn func(d *dataset) error) error { return fn(t.d) }

// datasetAccess abstracts the locked (Store) and in-tx (txStore) paths.
type datasetAccess interface {
	with(fn func(d *dataset) error) error
}

// Repo accessors.

func (s *Store) Tickets() store.TicketRepo           { return ticketRepo{s} }
func (s *Store) Tasks() store.TaskRepo               { return taskRepo{s} }
func (s *Store) Dependencies() store.DependencyRepo  { return depRepo{s} }
func (s *Store) Logs() store.TaskLogRepo             { return logRepo{s} }
func (s *Store) Heartbeats() store.HeartbeatRepo     { return heartbeatRepo{s} }
func (s *Store) Events() store.EventRepo             { return eventRepo{s} }
func (s *Store) Schedules() store.ScheduleRepo       { return scheduleRepo{s} }
func (t *txStore) Tickets() store.TicketRepo         { return ticketRepo{t} }
func (t *txStore) Tasks() store.TaskRepo             { return taskRepo{t} }
func (t *txStore) Dependencies() store.DependencyRepo { return depRepo{t} }
func (t *txStore) Logs() store.TaskLogRepo           { return logRepo{t} }
func (t *txStore) Heartbeats() store.HeartbeatRepo   { return heartbeatRepo{t} }
func (t *txStore) Events() store.EventRepo           { return eventRepo{t} }
func (t *txStore) Schedules() store.ScheduleRepo     { return scheduleRepo{t} }

// ---------------------------------------------------------------------------
// Tickets
// ---------------------------------------------------------------------------

type ticketRepo struct{ a datasetAccess }

func (r ticketRepo) Create(_ context.Context, t *store.Ticket) error {
	return r.a.with(func(d *dataset) error {
		d.ticketSeq++
		t.ID = d.ticketSeq
		d.tickets[t.ID] = cloneTicket(t)
		d.ticketIdx[t.TicketID] = t.ID
		return nil
	})
}

func (r ticketRepo) GetByTicketID(_ context.Context, ticketID string) (*store.Ticket, error) {
	var out *store.Ticket
	err := r.a.with(func(d *dataset) error {
		id, ok := d.ticketIdx[ticketID]
		if !ok {
			return store.ErrTicketNotFound
		}
		out = cloneTicket(d.tickets[id])
		return nil
	})
	return out, err
}

func (r ticketRepo) Update(_ context.Context, t *store.Ticket) error {
	return r.a.with(func(d *dataset) error {
		if _, ok := d.tickets[t.ID]; !ok {
			return store.ErrTicketNotFound
		}
		d.tickets[t.ID] = cloneTicket(t)
		return nil
	})
}

func (r ticketRepo) List(_ context.Context, limit int) ([]*store.Ticket, error) {
	var out []*store.Ticket
	err := r.a.with(func(d *dataset) error {
		for _, t := range d.tickets {
			out = append(out, cloneTicket(t))
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		})
		out = truncTickets(out, limit)
		return nil
	})
	return out, err
}

func truncTickets(in []*store.Ticket, limit int) []*store.Ticket {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

type taskRepo struct{ a datasetAccess }

func (r taskRepo) Create(_ context.Context, t *store.Task) error {
	return r.a.with(func(d *dataset) error {
		d.taskSeq++
		t.ID = d.taskSeq
		d.tasks[t.ID] = cloneTask(t)
		return nil
	})
}

func (r taskRepo) Get(_ context.Context, id int64) (*store.Task, error) {
	var out *store.Task
	err := r.a.with(func(d *dataset) error {
		t, ok := d.tasks[id]
		if !ok {
			return store.ErrTaskNotFound
		}
		out = cloneTask(t)
		return nil
	})
	return out, err
}

func (r taskRepo) Update(_ context.Context, t *store.Task) error {
	return r.a.with(func(d *dataset) error {
		if _, ok := d.tasks[t.ID]; !ok {
			return store.ErrTaskNotFound
		}
		d.tasks[t.ID] = cloneTask(t)
		return nil
	})
}

func (r taskRepo) ListForTicket(_ context.Context, ticketID string) ([]*store.Task, error) {
	return r.list(func(t *store.Task) bool { return t.TicketID == ticketID })
}

func (r taskRepo) ListClaimable(_ context.Context, now time.Time) ([]*store.Task, error) {
	return r.list(func(t *store.Task) bool {
		if t.State != store.TaskQueued && t.State != store.TaskRetrying {
			return false
		}
		if t.CancelRequested {
			return false
		}
		return t.NextRunAt == nil || !t.NextRunAt.After(now)
	})
}

func (r taskRepo) ListRunning(_ context.Context) ([]*store.Task, error) {
	return r.list(func(t *store.Task) bool { return t.State == store.TaskRunning })
}

func (r taskRepo) ListCancelRequested(_ context.Context) ([]*store.Task, error) {
	parked := map[store.TaskState]bool{
		store.TaskQueued: true, store.TaskRetrying: true,
		store.TaskPaused: true, store.TaskBlocked: true,
	}
	return r.list(func(t *store.Task) bool { return t.CancelRequested && parked[t.State] })
}

func (r taskRepo) list(match func(*store.Task) bool) ([]*store.Task, error) {
	var out []*store.Task
	err := r.a.with(func(d *dataset) error {
		for _, t := range d.tasks {
			if match(t) {
				out = append(out, cloneTask(t))
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

type depRepo struct{ a datasetAccess }

func (r depRepo) Add(_ context.Context, taskID int64, dependsOn []int64) error {
	return r.a.with(func(d *dataset) error {
		edges := append([]*store.TaskDependency(nil), d.deps[taskID]...)
		for _, dep := range dependsOn {
			d.depSeq++
			edges = append(edges, &store.TaskDependency{
				ID:              d.depSeq,
				TaskID:          taskID,
				DependsOnTaskID: dep,
				CreatedAt:       time.Now().UTC(),
			})
		}
		d.deps[taskID] = edges
		return nil
	})
}

func (r depRepo) ListForTask(_ context.Context, taskID int64) ([]*store.TaskDependency, error) {
	var out []*store.TaskDependency
	err := r.a.with(func(d *dataset) error {
		for _, e := range d.deps[taskID] {
			c := *e
			out = append(out, &c)
		}
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

type logRepo struct{ a datasetAccess }

func (r logRepo) Append(_ context.Context, l *store.TaskLog) error {
	return r.a.with(func(d *dataset) error {
		d.logSeq++
		l.ID = d.logSeq
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now().UTC()
		}
		c := *l
		c.Details = l.Details.Clone()
		d.logs[l.TaskID] = append(append([]*store.TaskLog(nil), d.logs[l.TaskID]...), &c)
		return nil
	})
}

func (r logRepo) ListForTask(_ context.Context, taskID int64, limit int) ([]*store.TaskLog, error) {
	var out []*store.TaskLog
	err := r.a.with(func(d *dataset) error {
		rows := d.logs[taskID]
		for i := len(rows) - 1; i >= 0; i-- {
			c := *rows[i]
			c.Details = rows[i].Details.Clone()
			out = append(out, &c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Heartbeats
// ---------------------------------------------------------------------------

type heartbeatRepo struct{ a datasetAccess }

func (r heartbeatRepo) Upsert(_ context.Context, workerID string, state store.HeartbeatState, currentTaskID *int64) error {
	return r.a.with(func(d *dataset) error {
		row, ok := d.heartbeats[workerID]
		if !ok {
			d.hbSeq++
			row = &store.WorkerHeartbeat{ID: d.hbSeq, WorkerID: workerID}
		}
		c := *row
		c.State = state
		c.CurrentTaskID = currentTaskID
		c.LastSeenAt = time.Now().UTC()
		d.heartbeats[workerID] = &c
		return nil
	})
}

func (r heartbeatRepo) Get(_ context.Context, workerID string) (*store.WorkerHeartbeat, error) {
	var out *store.WorkerHeartbeat
	err := r.a.with(func(d *dataset) error {
		row, ok := d.heartbeats[workerID]
		if !ok {
			return store.ErrNotFound
		}
		c := *row
		out = &c
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

type eventRepo struct{ a datasetAccess }

func (r eventRepo) Append(_ context.Context, e *store.TicketEvent) error {
	return r.a.with(func(d *dataset) error {
		d.eventSeq++
		e.ID = d.eventSeq
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		d.events[e.ID] = cloneEvent(e)
		return nil
	})
}

func (r eventRepo) ListForTicket(_ context.Context, ticketID string, limit int) ([]*store.TicketEvent, error) {
	var out []*store.TicketEvent
	err := r.a.with(func(d *dataset) error {
		for _, e := range d.events {
			if e.TicketID == ticketID {
				out = append(out, cloneEvent(e))
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (r eventRepo) OldestUnconsumed(_ context.Context, ticketID, eventType string) (*store.TicketEvent, error) {
	var out *store.TicketEvent
	err := r.a.with(func(d *dataset) error {
		var oldest *store.TicketEvent
		for _, e := range d.events {
			if e.TicketID != ticketID || e.EventType != eventType || e.ConsumedAt != nil {
				continue
			}
			if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) ||
				(e.CreatedAt.Equal(oldest.CreatedAt) && e.ID < oldest.ID) {
				oldest = e
			}
		}
		if oldest == nil {
			return store.ErrNotFound
		}
		out = cloneEvent(oldest)
		return nil
	})
	return out, err
}

func (r eventRepo) Update(_ context.Context, e *store.TicketEvent) error {
	return r.a.with(func(d *dataset) error {
		if _, ok := d.events[e.ID]; !ok {
			return store.ErrNotFound
		}
		d.events[e.ID] = cloneEvent(e)
		return nil
	})
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

type scheduleRepo struct{ a datasetAccess }

func (r scheduleRepo) Create(_ context.Context, s *store.TicketSchedule) error {
	return r.a.with(func(d *dataset) error {
		if _, ok := d.schedIdx[s.ScheduleKey]; ok {
			return store.ErrScheduleExists
		}
		d.schedSeq++
		s.ID = d.schedSeq
		d.schedules[s.ID] = cloneSchedule(s)
		d.schedIdx[s.ScheduleKey] = s.ID
		return nil
	})
}

func (r scheduleRepo) Get(_ context.Context, id int64) (*store.TicketSchedule, error) {
	var out *store.TicketSchedule
	err := r.a.with(func(d *dataset) error {
		s, ok := d.schedules[id]
		if !ok {
			return store.ErrScheduleNotFound
		}
		out = cloneSchedule(s)
		return nil
	})
	return out, err
}

func (r scheduleRepo) GetByKey(_ context.Context, key string) (*store.TicketSchedule, error) {
	var out *store.TicketSchedule
	err := r.a.with(func(d *dataset) error {
		id, ok := d.schedIdx[key]
		if !ok {
			return store.ErrScheduleNotFound
		}
		out = cloneSchedule(d.schedules[id])
		return nil
	})
	return out, err
}

func (r scheduleRepo) Update(_ context.Context, s *store.TicketSchedule) error {
	return r.a.with(func(d *dataset) error {
		if _, ok := d.schedules[s.ID]; !ok {
			return store.ErrScheduleNotFound
		}
		d.schedules[s.ID] = cloneSchedule(s)
		return nil
	})
}

func (r scheduleRepo) List(_ context.Context, limit int) ([]*store.TicketSchedule, error) {
	return r.list(limit, func(*store.TicketSchedule) bool { return true }, false)
}

func (r scheduleRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*store.TicketSchedule, error) {
	return r.list(limit, func(s *store.TicketSchedule) bool {
		return s.Active && s.NextRunAt != nil && !s.NextRunAt.After(now)
	}, true)
}

func (r scheduleRepo) list(limit int, match func(*store.TicketSchedule) bool, byNextRun bool) ([]*store.TicketSchedule, error) {
	var out []*store.TicketSchedule
	err := r.a.with(func(d *dataset) error {
		for _, s := range d.schedules {
			if match(s) {
				out = append(out, cloneSchedule(s))
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if byNextRun {
				return out[i].NextRunAt.Before(*out[j].NextRunAt)
			}
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Row copies
// ---------------------------------------------------------------------------

func cloneTicket(t *store.Ticket) *store.Ticket {
	c := *t
	c.WorkflowInput = t.WorkflowInput.Clone()
	c.ContextData = t.ContextData.Clone()
	return &c
}

func cloneTask(t *store.Task) *store.Task {
	c := *t
	c.Payload = t.Payload.Clone()
	c.ResultData = t.ResultData.Clone()
	return &c
}

func cloneEvent(e *store.TicketEvent) *store.TicketEvent {
	c := *e
	c.Payload = e.Payload.Clone()
	return &c
}

func cloneSchedule(s *store.TicketSchedule) *store.TicketSchedule {
	c := *s
	c.WorkflowInput = s.WorkflowInput.Clone()
	c.ContextData = s.ContextData.Clone()
	c.TaskPayload = s.TaskPayload.Clone()
	return &c
}
