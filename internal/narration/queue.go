// Package narration serializes text-to-speech requests so that results are
// spoken one at a time in the order they were queued.
//
// A [Queue] owns a single dispatch goroutine. Enqueue appends and wakes the
// dispatcher; the dispatcher hands the front item to the [speech.Speaker]
// and waits for its completion signal before taking the next one. Success
// and failure complete an item the same way, so a broken speaker never
// stalls the queue.
package narration

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/lectora/internal/observe"
	"github.com/MrWong99/lectora/pkg/speech"
)

// DefaultVoice holds the narration parameters used unless overridden.
var DefaultVoice = speech.Utterance{
	Language: "es-ES",
	Rate:     1,
	Pitch:    1,
	Volume:   1,
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithVoice sets the language, rate, pitch and volume applied to every item.
// The Text field is ignored.
func WithVoice(v speech.Utterance) Option {
	return func(q *Queue) {
		v.Text = ""
		q.voice = v
	}
}

// WithGap inserts a pause between consecutive items.
func WithGap(d time.Duration) Option {
	return func(q *Queue) {
		q.gap = d
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// Queue is a FIFO of narration items with at most one item speaking.
// All exported methods are safe for concurrent use.
type Queue struct {
	metrics *observe.Metrics

	mu       sync.Mutex
	gap      time.Duration
	speaker  speech.Speaker
	voice    speech.Utterance
	items    []string
	speaking bool
	idle     chan struct{} // closed while nothing is queued or speaking
	closed   bool

	notify chan struct{} // signalled when an item is enqueued
	done   chan struct{} // closed by Close to stop the dispatcher
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
}

// New creates a queue that narrates through speaker and starts its
// dispatcher. Call [Queue.Close] to stop it.
func New(speaker speech.Speaker, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		speaker: speaker,
		voice:   DefaultVoice,
		idle:    idle,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		exited:  make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	go q.dispatch()
	return q
}

// Enqueue appends text to the queue. It reports false when the queue is
// closed or text is empty.
func (q *Queue) Enqueue(text string) bool {
	if text == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if len(q.items) == 0 && !q.speaking {
		q.idle = make(chan struct{})
	}
	q.items = append(q.items, text)
	q.metrics.RecordNarration(q.ctx, "queued")
	q.metrics.NarrationBacklog.Add(q.ctx, 1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// SetSpeaker replaces the speech actor. The item currently speaking, if
// any, finishes on the old speaker.
func (q *Queue) SetSpeaker(s speech.Speaker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.speaker = s
}

// SetVoice replaces the narration parameters for subsequent items.
func (q *Queue) SetVoice(v speech.Utterance) {
	v.Text = ""
	q.mu.Lock()
	defer q.mu.Unlock()
	q.voice = v
}

// SetGap replaces the pause inserted between consecutive items.
func (q *Queue) SetGap(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gap = d
}

func (q *Queue) pause() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gap
}

// Speaking reports whether an item is being narrated.
func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// Pending returns the number of items waiting to be spoken.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait blocks until the queue is empty and nothing is speaking, or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatcher, aborts the item being spoken and drops the
// rest. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := len(q.items)
	q.items = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.metrics.NarrationBacklog.Add(context.Background(), int64(-dropped))
	}
	q.cancel()
	close(q.done)
	<-q.exited

	q.mu.Lock()
	q.markIdleLocked()
	q.mu.Unlock()
	return nil
}

// dispatch pulls items off the queue and speaks them one at a time until
// Close is called.
func (q *Queue) dispatch() {
	defer close(q.exited)

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	var lastSpoke bool
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			u, speaker, ok := q.next()
			if !ok {
				break
			}
			if gap := q.pause(); lastSpoke && gap > 0 {
				gapTimer.Reset(gap)
				select {
				case <-q.done:
					if !gapTimer.Stop() {
						<-gapTimer.C
					}
					return
				case <-gapTimer.C:
				}
			}

			if !q.speak(speaker, u) {
				return
			}
			lastSpoke = true
		}
	}
}

// next pops the front item and marks the queue as speaking. It reports false
// when the queue is empty.
func (q *Queue) next() (speech.Utterance, speech.Speaker, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) == 0 {
		return speech.Utterance{}, nil, false
	}
	u := q.voice
	u.Text = q.items[0]
	q.items = q.items[1:]
	q.speaking = true
	q.metrics.NarrationBacklog.Add(q.ctx, -1)
	return u, q.speaker, true
}

// speak narrates u and waits for its completion signal. It reports false
// when the queue was closed meanwhile.
func (q *Queue) speak(speaker speech.Speaker, u speech.Utterance) bool {
	start := time.Now()
	var err error
	select {
	case err = <-speaker.Speak(q.ctx, u):
	case <-q.done:
		q.finish()
		return false
	}

	status := "spoken"
	if err != nil {
		status = "failed"
		observe.Logger(q.ctx).Warn("narration failed", "err", err, "text", u.Text)
	}
	q.metrics.RecordNarration(q.ctx, status)
	q.metrics.NarrationDuration.Record(q.ctx, time.Since(start).Seconds())
	q.finish()
	return true
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.speaking = false
	if len(q.items) == 0 {
		q.markIdleLocked()
	}
}

// markIdleLocked closes the idle channel if it is open. Must be called with
// q.mu held.
func (q *Queue) markIdleLocked() {
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}
