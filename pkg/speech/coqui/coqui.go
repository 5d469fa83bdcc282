// Package coqui provides a [speech.Synthesizer] backed by a locally running
// Coqui TTS server.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; GET /details reports the loaded model.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is
//     POST /tts_to_audio/ with a JSON body; GET /studio_speakers lists voices.
//
// Both servers answer with a complete WAV file per request.
//
//	s, err := coqui.New("http://localhost:5002", coqui.WithVoice("p225"))
//	speaker := speech.NewSynthSpeaker(s, player)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/lectora/pkg/speech"
)

var (
	_ speech.Synthesizer = (*Synthesizer)(nil)
	_ speech.Pinger      = (*Synthesizer)(nil)
)

// ---- constants ----

const (
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// ---- APIMode ----

// APIMode selects which Coqui server API the synthesizer targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Synthesizer.
type Option func(*Synthesizer)

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(s *Synthesizer) {
		s.apiMode = mode
	}
}

// WithVoice sets the speaker: a speaker_id in standard mode, a studio
// speaker name or reference WAV path in XTTS mode.
func WithVoice(voice string) Option {
	return func(s *Synthesizer) {
		s.voice = voice
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Synthesizer) {
		s.httpClient = hc
	}
}

// ---- Synthesizer ----

// Synthesizer implements speech.Synthesizer. It is safe for concurrent use.
type Synthesizer struct {
	serverURL  string
	voice      string
	httpClient *http.Client
	apiMode    APIMode
}

// New returns a synthesizer targeting the server at serverURL.
func New(serverURL string, opts ...Option) (*Synthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	s := &Synthesizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	if s.apiMode != APIModeStandard && s.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown API mode %q", s.apiMode)
	}
	if s.apiMode == APIModeXTTS && s.voice == "" {
		return nil, errors.New("coqui: a voice is required in XTTS mode")
	}
	return s, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements speech.Synthesizer. Coqui servers have no rate or
// pitch control; those fields are ignored.
func (s *Synthesizer) Synthesize(ctx context.Context, u speech.Utterance) (speech.Audio, error) {
	var (
		req *http.Request
		err error
	)
	lang := baseLanguage(u.Language)
	if s.apiMode == APIModeStandard {
		params := url.Values{}
		params.Set("text", u.Text)
		if s.voice != "" {
			params.Set("speaker_id", s.voice)
		}
		if lang != "" {
			params.Set("language_id", lang)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	} else {
		var data []byte
		data, err = json.Marshal(ttsRequest{Text: u.Text, SpeakerWav: s.voice, Language: lang})
		if err != nil {
			return speech.Audio{}, fmt.Errorf("coqui: marshal tts request: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+ttsEndpoint, bytes.NewReader(data))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return speech.Audio{}, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return speech.Audio{}, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return speech.Audio{}, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return speech.Audio{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	if _, err := speech.ParseWAV(wav); err != nil {
		return speech.Audio{}, fmt.Errorf("coqui: %w", err)
	}
	return speech.Audio{Data: wav, Format: "wav"}, nil
}

// Ping implements speech.Pinger by fetching the model details (standard) or
// speaker catalogue (XTTS).
func (s *Synthesizer) Ping(ctx context.Context) error {
	endpoint := detailsEndpoint
	if s.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create ping request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// baseLanguage reduces a BCP-47 tag such as "es-ES" to "es", which is what
// Coqui models expect.
func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
