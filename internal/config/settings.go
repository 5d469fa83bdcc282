package config

import (
	"github.com/MrWong99/lectora/internal/pipeline"
)

// Settings answers the pipeline's credential, endpoint and narration
// lookups from the current configuration. When backed by a [Watcher] every
// lookup sees the latest successfully loaded file.
type Settings struct {
	current func() *Config
}

var _ pipeline.Settings = (*Settings)(nil)

// NewSettings returns settings reading from w.
func NewSettings(w *Watcher) *Settings {
	return &Settings{current: w.Current}
}

// StaticSettings returns settings fixed to cfg.
func StaticSettings(cfg *Config) *Settings {
	return &Settings{current: func() *Config { return cfg }}
}

// Credential implements [pipeline.Settings].
func (s *Settings) Credential(key string) (string, bool) {
	cfg := s.current()
	switch key {
	case pipeline.KeyOCRAppID:
		return present(cfg.OCR.AppID)
	case pipeline.KeyOCRAppKey:
		return present(cfg.OCR.AppKey)
	}
	return "", false
}

// EndpointURL implements [pipeline.Settings].
func (s *Settings) EndpointURL(key string) (string, bool) {
	cfg := s.current()
	switch key {
	case pipeline.KeyOCRURL:
		return present(cfg.OCR.URL)
	case pipeline.KeyAnalysisURL:
		return present(cfg.Flows.AnalysisURL)
	case pipeline.KeyAnswerAURL:
		return present(cfg.Flows.AnswerA.URL)
	case pipeline.KeyAnswerBURL:
		return present(cfg.Flows.AnswerB.URL)
	}
	return "", false
}

// NarrationEnabled implements [pipeline.Settings].
func (s *Settings) NarrationEnabled() bool {
	return s.current().Narration.Enabled
}

// Config returns the configuration currently in effect.
func (s *Settings) Config() *Config {
	return s.current()
}

func present(v string) (string, bool) {
	return v, v != ""
}
