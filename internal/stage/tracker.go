// Package stage tracks the named phases of a pipeline run and their status.
//
// Stage identities are fixed up front by [Tracker.Initialize]; every run
// starts with all stages pending. Transitions are monotonic:
//
//	pending → in_progress → completed | error
//
// (pending → error is also allowed, for runs aborted before a stage began).
// Any other transition is a caller bug and panics with a [*TransitionError].
package stage

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/lectora/internal/events"
)

// Status is the lifecycle state of a single stage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether s is completed or error.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Definition declares a stage before a run starts.
type Definition struct {
	ID    string
	Title string
}

// Stage is the observable state of one phase.
type Stage struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Status      Status    `json:"status"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// TransitionError describes a rejected, non-monotonic transition. The
// tracker panics with a value of this type.
type TransitionError struct {
	StageID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("stage: unknown stage %q", e.StageID)
	}
	return fmt.Sprintf("stage: invalid transition for %q: %s -> %s", e.StageID, e.From, e.To)
}

// Event is published after every change. Stages holds the full snapshot so
// observers can render without keeping their own state.
type Event struct {
	StageID string  `json:"stage_id,omitempty"`
	Stages  []Stage `json:"stages"`
}

// Tracker holds the ordered stage list. It is safe for concurrent use.
type Tracker struct {
	now func() time.Time
	hub *events.Hub[Event]

	mu     sync.Mutex
	stages []Stage
	index  map[string]int
}

// NewTracker returns a tracker with no stages. Call [Tracker.Initialize]
// before use.
func NewTracker() *Tracker {
	return &Tracker{
		now:   time.Now,
		hub:   events.NewHub[Event](0),
		index: map[string]int{},
	}
}

// Initialize replaces the stage set with defs, all pending.
func (t *Tracker) Initialize(defs ...Definition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stages = make([]Stage, len(defs))
	t.index = make(map[string]int, len(defs))
	for i, d := range defs {
		t.stages[i] = Stage{ID: d.ID, Title: d.Title, Status: StatusPending}
		t.index[d.ID] = i
	}
	t.publishLocked("")
}

// Begin moves a pending stage to in_progress.
func (t *Tracker) Begin(id, description string) {
	t.transition(id, StatusInProgress, func(s *Stage) {
		s.Description = description
		s.StartedAt = t.now()
	})
}

// Describe updates the description of a stage without changing its status.
func (t *Tracker) Describe(id, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookupLocked(id)
	s.Description = description
	t.publishLocked(id)
}

// Complete moves an in_progress stage to completed.
func (t *Tracker) Complete(id, description string) {
	t.transition(id, StatusCompleted, func(s *Stage) {
		s.Description = description
		s.FinishedAt = t.now()
	})
}

// Fail moves a pending or in_progress stage to error.
func (t *Tracker) Fail(id, errText string) {
	t.transition(id, StatusError, func(s *Stage) {
		s.Error = errText
		s.FinishedAt = t.now()
	})
}

// FailActive marks every in_progress stage as error and returns their IDs.
func (t *Tracker) FailActive(errText string) []string {
	t.mu.Lock()
	var ids []string
	for _, s := range t.stages {
		if s.Status == StatusInProgress {
			ids = append(ids, s.ID)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Fail(id, errText)
	}
	return ids
}

func (t *Tracker) transition(id string, to Status, apply func(*Stage)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookupLocked(id)
	if !allowed(s.Status, to) {
		panic(&TransitionError{StageID: id, From: s.Status, To: to})
	}
	s.Status = to
	apply(s)
	t.publishLocked(id)
}

func allowed(from, to Status) bool {
	switch to {
	case StatusInProgress:
		return from == StatusPending
	case StatusCompleted:
		return from == StatusInProgress
	case StatusError:
		return from == StatusPending || from == StatusInProgress
	}
	return false
}

// lookupLocked returns the stage for id or panics. Must be called with t.mu held.
func (t *Tracker) lookupLocked(id string) *Stage {
	i, ok := t.index[id]
	if !ok {
		panic(&TransitionError{StageID: id})
	}
	return &t.stages[i]
}

func (t *Tracker) publishLocked(id string) {
	t.hub.Publish(Event{StageID: id, Stages: t.snapshotLocked()})
}

// Get returns a copy of the stage with the given id.
func (t *Tracker) Get(id string) (Stage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[id]
	if !ok {
		return Stage{}, false
	}
	return t.stages[i], true
}

// Snapshot returns a copy of all stages in definition order.
func (t *Tracker) Snapshot() []Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []Stage {
	out := make([]Stage, len(t.stages))
	copy(out, t.stages)
	return out
}

// Subscribe returns a stream of change events and a cancel function.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	return t.hub.Subscribe()
}
