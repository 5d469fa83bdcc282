// Package reqtrace records every outbound call made during a pipeline run into
// an append-only, ordered log for observability.
//
// Records are appended in the order [Tracer.Record] is called (dispatch order),
// never in response-arrival order, and are updated in place when the call
// settles. Entries are only removed by [Tracer.Reset], which the pipeline calls
// at the start of every run.
//
// A Tracer is safe for concurrent use; the fan-out stage records two calls and
// settles them from separate goroutines.
package reqtrace

import (
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lectora/internal/events"
)

// redacted replaces the value of sensitive headers in stored records.
const redacted = "***"

// defaultRedactedHeaders lists header names (case-insensitive) whose values
// are never stored.
var defaultRedactedHeaders = []string{"app_key", "authorization"}

// Record is one outbound call. Status, Response and Error are populated when
// the call settles.
type Record struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`
	Status    int               `json:"status,omitempty"`
	Response  any               `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Settled   bool              `json:"settled"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
}

// EventKind identifies what happened to a record.
type EventKind string

const (
	EventRecorded EventKind = "recorded"
	EventSettled  EventKind = "settled"
	EventFailed   EventKind = "failed"
	EventReset    EventKind = "reset"
)

// Event is published to subscribers on every mutation. Record is a copy taken
// after the mutation; it is the zero value for [EventReset].
type Event struct {
	Kind   EventKind `json:"kind"`
	Record Record    `json:"record"`
}

// Handle refers to a record created by [Tracer.Record]. Handles from before a
// [Tracer.Reset] are stale and silently ignored.
type Handle struct {
	index      int
	generation uint64
}

// Option configures a [Tracer].
type Option func(*Tracer)

// WithClock overrides the time source used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) {
		if now != nil {
			t.now = now
		}
	}
}

// WithRedactedHeaders replaces the set of header names whose values are
// stored as "***".
func WithRedactedHeaders(names ...string) Option {
	return func(t *Tracer) {
		t.redact = make(map[string]struct{}, len(names))
		for _, n := range names {
			t.redact[strings.ToLower(n)] = struct{}{}
		}
	}
}

// Tracer is the append-only request log.
type Tracer struct {
	now    func() time.Time
	redact map[string]struct{}
	hub    *events.Hub[Event]

	mu         sync.Mutex
	records    []Record
	generation uint64
}

// New returns an empty Tracer.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		now: time.Now,
		hub: events.NewHub[Event](0),
	}
	WithRedactedHeaders(defaultRedactedHeaders...)(t)
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record appends a new, unsettled record and returns its handle.
// headers and body may be nil. The headers map is copied.
func (t *Tracer) Record(name, url, method string, headers map[string]string, body any) Handle {
	rec := Record{
		ID:        "req_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:      name,
		URL:       url,
		Method:    method,
		Headers:   t.sanitize(headers),
		Body:      body,
		Timestamp: t.now(),
	}

	t.mu.Lock()
	t.records = append(t.records, rec)
	h := Handle{index: len(t.records) - 1, generation: t.generation}
	// Publish under the lock so subscribers observe dispatch order.
	t.hub.Publish(Event{Kind: EventRecorded, Record: cloneRecord(rec)})
	t.mu.Unlock()
	return h
}

// Settle stores the HTTP status and decoded response of a call. Settling an
// already settled record is a no-op.
func (t *Tracer) Settle(h Handle, status int, response any) {
	t.update(h, EventSettled, func(r *Record) bool {
		if r.Settled {
			return false
		}
		r.Status = status
		r.Response = response
		return true
	})
}

// Fail stores an error message for a call. Fail may follow [Tracer.Settle]
// when the service answered but reported an error in its body; the status and
// response captured by Settle are kept.
func (t *Tracer) Fail(h Handle, errText string) {
	t.update(h, EventFailed, func(r *Record) bool {
		r.Error = errText
		return true
	})
}

func (t *Tracer) update(h Handle, kind EventKind, mutate func(*Record) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h.generation != t.generation || h.index < 0 || h.index >= len(t.records) {
		return
	}
	r := &t.records[h.index]
	if !mutate(r) {
		return
	}
	if !r.Settled {
		r.Settled = true
		r.Duration = t.now().Sub(r.Timestamp)
	}
	t.hub.Publish(Event{Kind: kind, Record: cloneRecord(*r)})
}

// Reset clears the log. Handles issued before Reset become stale.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
	t.generation++
	t.hub.Publish(Event{Kind: EventReset})
}

// Snapshot returns a copy of all records in dispatch order.
func (t *Tracer) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	for i, r := range t.records {
		out[i] = cloneRecord(r)
	}
	return out
}

// Len returns the number of records.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Subscribe returns a stream of mutation events and a cancel function.
func (t *Tracer) Subscribe() (<-chan Event, func()) {
	return t.hub.Subscribe()
}

func (t *Tracer) sanitize(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, secret := t.redact[strings.ToLower(k)]; secret {
			v = redacted
		}
		out[k] = v
	}
	return out
}

// cloneRecord copies the header map so callers cannot mutate stored state.
// Body and Response are treated as immutable once recorded.
func cloneRecord(r Record) Record {
	r.Headers = maps.Clone(r.Headers)
	return r
}
