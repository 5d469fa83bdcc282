package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/lectora/pkg/speech"
)

// ErrSpeakerNotRegistered is returned by [Registry.CreateSpeaker] when no
// factory has been registered under the requested name.
var ErrSpeakerNotRegistered = errors.New("config: speaker not registered")

// SpeakerFactory builds a speaker from the narration block. It receives the
// whole block so it can honour both the speaker entry and the player.
type SpeakerFactory func(NarrationConfig) (speech.Speaker, error)

// Registry maps speaker names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	speakers map[string]SpeakerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{speakers: make(map[string]SpeakerFactory)}
}

// RegisterSpeaker registers a speaker factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSpeaker(name string, factory SpeakerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speakers[name] = factory
}

// CreateSpeaker instantiates the speaker registered under n.Speaker.Name.
// Returns [ErrSpeakerNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSpeaker(n NarrationConfig) (speech.Speaker, error) {
	r.mu.RLock()
	factory, ok := r.speakers[n.Speaker.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSpeakerNotRegistered, n.Speaker.Name)
	}
	return factory(n)
}

// SpeakerNames returns the registered names in sorted order.
func (r *Registry) SpeakerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.speakers))
	for name := range r.speakers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OptString extracts a string value from an Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// Voice returns the narration parameters as an utterance template.
func (n NarrationConfig) Voice() speech.Utterance {
	return speech.Utterance{
		Language: n.Language,
		Rate:     n.Rate,
		Pitch:    n.Pitch,
		Volume:   n.Volume,
	}
}
