// Package openai provides a [speech.Synthesizer] backed by the OpenAI speech
// API (or any server implementing POST /audio/speech).
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/lectora/pkg/speech"
)

// Defaults used when the configuration leaves model or voice empty.
const (
	DefaultModel = "gpt-4o-mini-tts"
	DefaultVoice = "alloy"
)

var _ speech.Synthesizer = (*Synthesizer)(nil)

// Synthesizer implements speech.Synthesizer using the OpenAI API.
type Synthesizer struct {
	client oai.Client
	model  string
	voice  string
}

// config holds optional configuration for the synthesizer.
type config struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Synthesizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. It takes precedence over
// WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a Synthesizer. Empty model and voice select the defaults.
func New(apiKey, model, voice string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai speech: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	if voice == "" {
		voice = DefaultVoice
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Synthesizer{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  voice,
	}, nil
}

// Synthesize implements speech.Synthesizer. Rate maps to the API's speed
// (clamped to 0.25–4.0). The language is passed as a speaking instruction to
// models that accept instructions; pitch is not supported.
func (s *Synthesizer) Synthesize(ctx context.Context, u speech.Utterance) (speech.Audio, error) {
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(s.model),
		Input:          u.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if u.Rate > 0 && u.Rate != 1 {
		params.Speed = oai.Float(min(max(u.Rate, 0.25), 4.0))
	}
	if u.Language != "" && strings.HasPrefix(s.model, "gpt-4o") {
		params.Instructions = oai.String("Speak in the language " + u.Language + ".")
	}

	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return speech.Audio{}, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return speech.Audio{}, fmt.Errorf("openai speech: read audio: %w", err)
	}
	if len(data) == 0 {
		return speech.Audio{}, errors.New("openai speech: empty audio response")
	}
	return speech.Audio{Data: data, Format: "wav"}, nil
}
