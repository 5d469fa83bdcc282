// Package speech defines the external speech actor that narrates pipeline
// results, plus the building blocks used to assemble one.
//
// A [Speaker] accepts one [Utterance] at a time and signals completion on a
// channel. Most backends are composed from a [Synthesizer], which turns text
// into encoded audio, and a [Player], which plays that audio to the end;
// [NewSynthSpeaker] glues the two together.
//
// Implementations must be safe for concurrent use, although the narration
// queue never asks a speaker to speak two utterances at once.
package speech

import (
	"context"
	"errors"
	"fmt"
)

// Utterance is one narration request. Rate, Pitch and Volume are relative
// factors where 1.0 means the backend default. Backends ignore parameters
// they cannot honor.
type Utterance struct {
	Text     string
	Language string
	Rate     float64
	Pitch    float64
	Volume   float64
}

// Speaker is the external speech actor.
type Speaker interface {
	// Speak starts narrating u and returns a channel that receives exactly
	// one value when narration ends: nil on success or the failure. The
	// channel is closed after that value is sent. Cancelling ctx aborts
	// narration and completes the channel with the context error.
	Speak(ctx context.Context, u Utterance) <-chan error
}

// Audio is an encoded audio clip.
type Audio struct {
	Data []byte
	// Format is the container name, e.g. "wav" or "mp3".
	Format string
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, u Utterance) (Audio, error)
}

// Player plays a clip and returns once playback has finished.
type Player interface {
	Play(ctx context.Context, a Audio) error
}

// Pinger is implemented by backends that can report whether their service is
// reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrEmptyText is returned for utterances without text.
var ErrEmptyText = errors.New("speech: utterance text is empty")

// SynthSpeaker is a [Speaker] that synthesizes each utterance and hands the
// audio to a player.
type SynthSpeaker struct {
	synth  Synthesizer
	player Player
}

var _ Speaker = (*SynthSpeaker)(nil)

// NewSynthSpeaker returns a speaker that synthesizes with s and plays with p.
func NewSynthSpeaker(s Synthesizer, p Player) *SynthSpeaker {
	return &SynthSpeaker{synth: s, player: p}
}

// Speak implements [Speaker]. Volume is applied to 16-bit PCM WAV output;
// other formats are played unchanged.
func (s *SynthSpeaker) Speak(ctx context.Context, u Utterance) <-chan error {
	return Go(func() error {
		if u.Text == "" {
			return ErrEmptyText
		}
		audio, err := s.synth.Synthesize(ctx, u)
		if err != nil {
			return fmt.Errorf("speech: synthesize: %w", err)
		}
		if audio.Format == "wav" && u.Volume > 0 && u.Volume != 1 {
			if scaled, err := ScaleWAV(audio.Data, u.Volume); err == nil {
				audio.Data = scaled
			}
		}
		if err := s.player.Play(ctx, audio); err != nil {
			return fmt.Errorf("speech: play: %w", err)
		}
		return nil
	})
}

// Ping forwards to the synthesizer when it implements [Pinger].
func (s *SynthSpeaker) Ping(ctx context.Context) error {
	if p, ok := s.synth.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Go runs fn in a new goroutine and returns a completion channel carrying its
// result, in the shape [Speaker.Speak] returns.
func Go(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- fn()
	}()
	return done
}
