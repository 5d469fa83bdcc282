package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidSpeakerNames lists the speech backends known to this build.
// Used by [Validate] to warn about unrecognised names.
var ValidSpeakerNames = []string{"log", "openai", "coqui"}

// Environment variables consulted for secrets left empty in the file.
const (
	EnvOCRAppID      = "LECTORA_OCR_APP_ID"
	EnvOCRAppKey     = "LECTORA_OCR_APP_KEY"
	EnvSpeakerAPIKey = "LECTORA_SPEAKER_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills secrets from the
// environment, applies defaults and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty secret fields from getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	fill(&cfg.OCR.AppID, EnvOCRAppID)
	fill(&cfg.OCR.AppKey, EnvOCRAppKey)
	fill(&cfg.Narration.Speaker.APIKey, EnvSpeakerAPIKey)
}

// ApplyDefaults sets every empty field that has a default.
func ApplyDefaults(cfg *Config) {
	setString := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setFloat := func(dst *float64) {
		if *dst == 0 {
			*dst = 1
		}
	}

	setString(&cfg.Server.ListenAddr, DefaultListenAddr)
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}

	setString(&cfg.OCR.URL, DefaultOCRURL)
	if cfg.OCR.Timeout == 0 {
		cfg.OCR.Timeout = DefaultTimeout
	}

	setString(&cfg.Flows.AnswerA.Label, DefaultLabelA)
	setString(&cfg.Flows.AnswerB.Label, DefaultLabelB)
	if cfg.Flows.Timeout == 0 {
		cfg.Flows.Timeout = DefaultTimeout
	}

	setString(&cfg.Narration.Speaker.Name, DefaultSpeaker)
	setString(&cfg.Narration.Language, DefaultLanguage)
	setFloat(&cfg.Narration.Rate)
	setFloat(&cfg.Narration.Pitch)
	setFloat(&cfg.Narration.Volume)

	setString(&cfg.Telemetry.ServiceName, DefaultServiceName)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Endpoints and credentials may be left empty; runs report them as missing.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must not be negative", cfg.Server.MaxUploadBytes))
	}

	// Endpoints
	for _, u := range []struct{ field, value string }{
		{"ocr.url", cfg.OCR.URL},
		{"flows.analysis_url", cfg.Flows.AnalysisURL},
		{"flows.answer_a.url", cfg.Flows.AnswerA.URL},
		{"flows.answer_b.url", cfg.Flows.AnswerB.URL},
		{"narration.speaker.base_url", cfg.Narration.Speaker.BaseURL},
	} {
		if err := validateURL(u.field, u.value); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.OCR.Timeout < 0 {
		errs = append(errs, fmt.Errorf("ocr.timeout %s must not be negative", cfg.OCR.Timeout))
	}
	if cfg.Flows.Timeout < 0 {
		errs = append(errs, fmt.Errorf("flows.timeout %s must not be negative", cfg.Flows.Timeout))
	}
	if a, b := cfg.Flows.AnswerA.Label, cfg.Flows.AnswerB.Label; a != "" && a == b {
		errs = append(errs, fmt.Errorf("flows.answer_a.label and flows.answer_b.label are both %q", a))
	}

	// Narration
	n := cfg.Narration
	if n.Rate != 0 && (n.Rate < 0.1 || n.Rate > 10) {
		errs = append(errs, fmt.Errorf("narration.rate %.2f is out of range [0.1, 10]", n.Rate))
	}
	if n.Pitch < 0 || n.Pitch > 2 {
		errs = append(errs, fmt.Errorf("narration.pitch %.2f is out of range [0, 2]", n.Pitch))
	}
	if n.Volume < 0 || n.Volume > 1 {
		errs = append(errs, fmt.Errorf("narration.volume %.2f is out of range [0, 1]", n.Volume))
	}
	if n.Gap < 0 {
		errs = append(errs, fmt.Errorf("narration.gap %s must not be negative", n.Gap))
	}
	validateSpeakerName(n.Speaker.Name)

	if missing := Missing(cfg); len(missing) > 0 {
		slog.Warn("configuration is incomplete; runs will fail until these are set", "missing", missing)
	}

	return errors.Join(errs...)
}

// Missing lists the settings a run needs that cfg leaves empty.
func Missing(cfg *Config) []string {
	var out []string
	for _, f := range []struct{ field, value string }{
		{"ocr.url", cfg.OCR.URL},
		{"ocr.app_id", cfg.OCR.AppID},
		{"ocr.app_key", cfg.OCR.AppKey},
		{"flows.analysis_url", cfg.Flows.AnalysisURL},
		{"flows.answer_a.url", cfg.Flows.AnswerA.URL},
		{"flows.answer_b.url", cfg.Flows.AnswerB.URL},
	} {
		if f.value == "" {
			out = append(out, f.field)
		}
	}
	return out
}

func validateURL(field, value string) error {
	if value == "" {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, value)
	}
	return nil
}

// validateSpeakerName logs a warning if name is non-empty and not found in
// [ValidSpeakerNames].
func validateSpeakerName(name string) {
	if name == "" || slices.Contains(ValidSpeakerNames, name) {
		return
	}
	slog.Warn("unknown speaker name; may be a typo or a backend registered at runtime",
		"name", name,
		"known", ValidSpeakerNames,
	)
}
