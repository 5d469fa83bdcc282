package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// NarrationToggled is true when narration.enabled flipped.
	NarrationToggled bool

	// VoiceChanged is true when language, rate, pitch, volume or gap changed.
	VoiceChanged bool

	// SpeakerChanged is true when the speech backend or its player changed.
	SpeakerChanged bool

	// EndpointsChanged is true when any service URL or credential changed.
	// Settings are resolved per run, so these apply from the next run on.
	EndpointsChanged bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.NarrationToggled || d.VoiceChanged || d.SpeakerChanged || d.EndpointsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	on, nn := old.Narration, new.Narration
	d.NarrationToggled = on.Enabled != nn.Enabled
	d.VoiceChanged = on.Language != nn.Language ||
		on.Rate != nn.Rate ||
		on.Pitch != nn.Pitch ||
		on.Volume != nn.Volume ||
		on.Gap != nn.Gap
	d.SpeakerChanged = !speakerEqual(on.Speaker, nn.Speaker) || on.Player != nn.Player

	d.EndpointsChanged = old.OCR.URL != new.OCR.URL ||
		old.OCR.AppID != new.OCR.AppID ||
		old.OCR.AppKey != new.OCR.AppKey ||
		old.Flows.AnalysisURL != new.Flows.AnalysisURL ||
		old.Flows.AnswerA.URL != new.Flows.AnswerA.URL ||
		old.Flows.AnswerB.URL != new.Flows.AnswerB.URL

	return d
}

func speakerEqual(a, b SpeakerEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model || a.Voice != b.Voice {
		return false
	}
	if len(a.Options) == 0 && len(b.Options) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
