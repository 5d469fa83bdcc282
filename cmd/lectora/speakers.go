package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/lectora/internal/config"
	"github.com/MrWong99/lectora/pkg/speech"
	"github.com/MrWong99/lectora/pkg/speech/coqui"
	"github.com/MrWong99/lectora/pkg/speech/openai"
)

// registerBuiltinSpeakers wires the speech backends that ship with Lectora
// into reg.
func registerBuiltinSpeakers(reg *config.Registry) {
	// log writes utterances to the default logger. An optional per_word
	// duration ("250ms") simulates speaking time.
	reg.RegisterSpeaker("log", func(n config.NarrationConfig) (speech.Speaker, error) {
		var perWord time.Duration
		if raw := config.OptString(n.Speaker.Options, "per_word"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("log speaker: per_word: %w", err)
			}
			perWord = d
		}
		return speech.NewLogSpeaker(slog.Default().With("component", "speaker"), perWord), nil
	})

	reg.RegisterSpeaker("openai", func(n config.NarrationConfig) (speech.Speaker, error) {
		var opts []openai.Option
		if n.Speaker.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(n.Speaker.BaseURL))
		}
		synth, err := openai.New(n.Speaker.APIKey, n.Speaker.Model, n.Speaker.Voice, opts...)
		if err != nil {
			return nil, err
		}
		player, err := newPlayer(n.Player)
		if err != nil {
			return nil, err
		}
		return speech.NewSynthSpeaker(synth, player), nil
	})

	reg.RegisterSpeaker("coqui", func(n config.NarrationConfig) (speech.Speaker, error) {
		var opts []coqui.Option
		if mode := config.OptString(n.Speaker.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if n.Speaker.Voice != "" {
			opts = append(opts, coqui.WithVoice(n.Speaker.Voice))
		}
		synth, err := coqui.New(n.Speaker.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		player, err := newPlayer(n.Player)
		if err != nil {
			return nil, err
		}
		return speech.NewSynthSpeaker(synth, player), nil
	})

	for _, name := range reg.SpeakerNames() {
		slog.Debug("registered speaker", "name", name)
	}
}

// newPlayer builds the audio sink for synthesizing speakers.
func newPlayer(p config.PlayerConfig) (speech.Player, error) {
	switch {
	case p.Command != "":
		return speech.NewCommandPlayer(p.Command)
	case p.OutputDir != "":
		return speech.NewFileSink(p.OutputDir)
	default:
		return nil, errors.New("narration.player: set command or output_dir")
	}
}
