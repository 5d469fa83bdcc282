package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/lectora/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantErr: "server.log_level",
		},
		{
			name:    "negative upload limit",
			yaml:    "server:\n  max_upload_bytes: -1\n",
			wantErr: "server.max_upload_bytes",
		},
		{
			name:    "relative url",
			yaml:    "flows:\n  analysis_url: /api/v1/prediction/x\n",
			wantErr: "flows.analysis_url",
		},
		{
			name:    "unsupported scheme",
			yaml:    "ocr:\n  url: ftp://ocr.example.com\n",
			wantErr: "ocr.url",
		},
		{
			name:    "negative timeout",
			yaml:    "flows:\n  timeout: -5s\n",
			wantErr: "flows.timeout",
		},
		{
			name:    "duplicate labels",
			yaml:    "flows:\n  answer_a:\n    label: Same\n  answer_b:\n    label: Same\n",
			wantErr: "both \"Same\"",
		},
		{
			name:    "rate range",
			yaml:    "narration:\n  rate: 20\n",
			wantErr: "narration.rate",
		},
		{
			name:    "pitch range",
			yaml:    "narration:\n  pitch: 3\n",
			wantErr: "narration.pitch",
		},
		{
			name:    "volume range",
			yaml:    "narration:\n  volume: 1.5\n",
			wantErr: "narration.volume",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
narration:
  volume: 7
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "narration.volume"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownSpeakerOnlyWarns(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("narration:\n  speaker:\n    name: festival\n"))
	if err != nil {
		t.Fatalf("unknown speaker should only warn, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvOCRAppID:      "env-id",
		config.EnvOCRAppKey:     "env-key",
		config.EnvSpeakerAPIKey: "env-sk",
	}
	getenv := func(k string) string { return env[k] }

	cfg := &config.Config{}
	cfg.OCR.AppID = "file-id"
	config.ApplyEnv(cfg, getenv)

	if cfg.OCR.AppID != "file-id" {
		t.Errorf("file value overwritten: %q", cfg.OCR.AppID)
	}
	if cfg.OCR.AppKey != "env-key" {
		t.Errorf("ocr.app_key: got %q, want env-key", cfg.OCR.AppKey)
	}
	if cfg.Narration.Speaker.APIKey != "env-sk" {
		t.Errorf("speaker api_key: got %q, want env-sk", cfg.Narration.Speaker.APIKey)
	}
}

func TestMissing(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.OCR.AppID = "id"

	got := config.Missing(cfg)
	want := []string{"ocr.app_key", "flows.analysis_url", "flows.answer_a.url", "flows.answer_b.url"}
	if !slices.Equal(got, want) {
		t.Errorf("Missing: got %v, want %v", got, want)
	}

	cfg.OCR.AppKey = "k"
	cfg.Flows.AnalysisURL = "http://a"
	cfg.Flows.AnswerA.URL = "http://b"
	cfg.Flows.AnswerB.URL = "http://c"
	if got := config.Missing(cfg); len(got) != 0 {
		t.Errorf("Missing on complete config: %v", got)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}
