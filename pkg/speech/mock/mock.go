// Package mock provides a test double for the speech.Speaker interface.
//
// By default every call completes immediately with Err. With Hold set, calls
// stay active until the test releases them with Finish, which makes overlap
// and ordering observable:
//
//	s := &mock.Speaker{Hold: true, Started: make(chan speech.Utterance, 8)}
//	q := narration.New(s)
//	q.Enqueue("a")
//	<-s.Started
//	s.Finish(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lectora/pkg/speech"
)

var _ speech.Speaker = (*Speaker)(nil)

// Call records a single invocation of Speak.
type Call struct {
	Ctx       context.Context
	Utterance speech.Utterance
}

type held struct {
	done     chan error
	finished chan struct{}
	once     sync.Once
}

// Speaker is a mock implementation of speech.Speaker.
type Speaker struct {
	mu sync.Mutex

	// Err is the completion value for calls that finish on their own.
	Err error

	// Hold keeps calls active until Finish or context cancellation.
	Hold bool

	// Started, if non-nil, receives every utterance as it starts. Sends
	// block, so buffer it generously.
	Started chan speech.Utterance

	// Calls records every call to Speak in order.
	Calls []Call

	active    int
	maxActive int
	held      []*held
}

// Speak implements speech.Speaker.
func (s *Speaker) Speak(ctx context.Context, u speech.Utterance) <-chan error {
	h := &held{done: make(chan error, 1), finished: make(chan struct{})}

	s.mu.Lock()
	s.Calls = append(s.Calls, Call{Ctx: ctx, Utterance: u})
	s.active++
	s.maxActive = max(s.maxActive, s.active)
	hold := s.Hold
	if hold {
		s.held = append(s.held, h)
	}
	err := s.Err
	s.mu.Unlock()

	if s.Started != nil {
		s.Started <- u
	}
	if !hold {
		s.complete(h, err)
		return h.done
	}
	go func() {
		select {
		case <-ctx.Done():
			s.complete(h, ctx.Err())
		case <-h.finished:
		}
	}()
	return h.done
}

// Finish completes the oldest held call with err. It reports false when no
// call is held.
func (s *Speaker) Finish(err error) bool {
	s.mu.Lock()
	if len(s.held) == 0 {
		s.mu.Unlock()
		return false
	}
	h := s.held[0]
	s.mu.Unlock()
	s.complete(h, err)
	return true
}

func (s *Speaker) complete(h *held, err error) {
	h.once.Do(func() {
		s.mu.Lock()
		s.active--
		for i, x := range s.held {
			if x == h {
				s.held = append(s.held[:i], s.held[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(h.finished)
		h.done <- err
		close(h.done)
	})
}

// Texts returns the text of every utterance in call order.
func (s *Speaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	for i, c := range s.Calls {
		out[i] = c.Utterance.Text
	}
	return out
}

// Active returns the number of calls that have not completed.
func (s *Speaker) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MaxActive returns the highest number of simultaneously active calls seen.
func (s *Speaker) MaxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}
