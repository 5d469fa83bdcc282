// Package config provides the configuration schema, loader, hot-reload
// watcher and speaker registry for lectora.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to empty fields.
const (
	DefaultListenAddr     = ":8080"
	DefaultMaxUploadBytes = 32 << 20
	DefaultOCRURL         = "https://api.mathpix.com/v3/text"
	DefaultTimeout        = 60 * time.Second
	DefaultLabelA         = "Flow A"
	DefaultLabelB         = "Flow B"
	DefaultSpeaker        = "log"
	DefaultLanguage       = "es-ES"
	DefaultServiceName    = "lectora"
)

// Config is the root configuration structure for lectora.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OCR       OCRConfig       `yaml:"ocr"`
	Flows     FlowsConfig     `yaml:"flows"`
	Narration NarrationConfig `yaml:"narration"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxUploadBytes caps the size of a multipart run upload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// OCRConfig locates the text recognition service.
type OCRConfig struct {
	URL string `yaml:"url"`

	// AppID and AppKey are sent as the app_id and app_key headers. When
	// empty they are read from LECTORA_OCR_APP_ID and LECTORA_OCR_APP_KEY.
	AppID  string `yaml:"app_id"`
	AppKey string `yaml:"app_key"`

	// Timeout bounds a single recognition call.
	Timeout time.Duration `yaml:"timeout"`
}

// FlowsConfig locates the reasoning service endpoints.
type FlowsConfig struct {
	// AnalysisURL receives the recognized text and returns a question.
	AnalysisURL string `yaml:"analysis_url"`

	// AnswerA and AnswerB receive the question concurrently.
	AnswerA BranchConfig `yaml:"answer_a"`
	AnswerB BranchConfig `yaml:"answer_b"`

	// Timeout bounds a single flow call.
	Timeout time.Duration `yaml:"timeout"`
}

// BranchConfig is one answering endpoint.
type BranchConfig struct {
	URL string `yaml:"url"`

	// Label names the branch in the request log and prefixes its narrated
	// answer.
	Label string `yaml:"label"`
}

// NarrationConfig controls how answers are read aloud.
type NarrationConfig struct {
	// Enabled may be toggled while running.
	Enabled bool `yaml:"enabled"`

	// Speaker selects the speech backend from the [Registry].
	Speaker SpeakerEntry `yaml:"speaker"`

	// Language is a BCP 47 tag such as "es-ES".
	Language string `yaml:"language"`

	// Rate, Pitch and Volume are multipliers; 0 means 1.
	Rate   float64 `yaml:"rate"`
	Pitch  float64 `yaml:"pitch"`
	Volume float64 `yaml:"volume"`

	// Gap is an optional pause between consecutive items.
	Gap time.Duration `yaml:"gap"`

	// Player decides what happens to synthesized audio.
	Player PlayerConfig `yaml:"player"`
}

// SpeakerEntry is the configuration block for a speech backend. Name is used
// to look up the constructor in the [Registry].
type SpeakerEntry struct {
	// Name selects the registered backend ("log", "openai", "coqui").
	Name string `yaml:"name"`

	// APIKey authenticates with the backend, if it needs one. When empty it
	// is read from LECTORA_SPEAKER_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model and Voice select the backend's model and voice.
	Model string `yaml:"model"`
	Voice string `yaml:"voice"`

	// Options holds backend-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// PlayerConfig selects the audio sink for synthesizing speakers. Command
// takes precedence over OutputDir.
type PlayerConfig struct {
	// Command is run once per item with the audio on stdin, e.g. "aplay -q".
	Command string `yaml:"command"`

	// OutputDir receives one numbered audio file per item.
	OutputDir string `yaml:"output_dir"`
}

// TelemetryConfig configures OpenTelemetry resources.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}
