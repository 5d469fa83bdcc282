package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/lectora/internal/config"
	"github.com/MrWong99/lectora/internal/pipeline"
)

const baseYAML = `
server:
  log_level: info
ocr:
  app_id: lectora
  app_key: secret
flows:
  analysis_url: http://localhost:3000/api/v1/prediction/analysis
  answer_a:
    url: http://localhost:3000/api/v1/prediction/a
  answer_b:
    url: http://localhost:3000/api/v1/prediction/b
narration:
  enabled: false
`

const rotatedYAML = `
server:
  log_level: debug
ocr:
  app_id: lectora
  app_key: rotated
flows:
  analysis_url: http://localhost:3000/api/v1/prediction/analysis
  answer_a:
    url: http://localhost:3000/api/v1/prediction/a
  answer_b:
    url: http://localhost:3000/api/v1/prediction/b
narration:
  enabled: true
`

const badLevelYAML = `
server:
  log_level: bananas
`

type change struct{ old, new *config.Config }

// watch writes content to a fresh config file and starts a watcher on it.
// Every accepted change is delivered on the returned channel.
func watch(t *testing.T, content string, interval time.Duration) (*config.Watcher, string, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, content)

	changes := make(chan change, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changes <- change{old, new}
	}, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path, changes
}

// rewrite replaces the file and pushes its mtime forward so coarse filesystem
// timestamps cannot hide the write.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	touch(t, path)
}

func touch(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func expectChange(t *testing.T, changes <-chan change) change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
		return change{}
	}
}

func expectQuiet(t *testing.T, changes <-chan change, wait time.Duration) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("unexpected change to log_level %q", c.new.Server.LogLevel)
	case <-time.After(wait):
	}
}

func TestNewWatcher(t *testing.T) {
	t.Parallel()

	t.Run("loads the file", func(t *testing.T) {
		t.Parallel()
		w, _, _ := watch(t, baseYAML, time.Hour)
		if got := w.Current().Server.LogLevel; got != config.LogInfo {
			t.Errorf("log_level = %q, want info", got)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("invalid file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "config.yaml")
		rewrite(t, path, badLevelYAML)
		if _, err := config.NewWatcher(path, nil); err == nil {
			t.Fatal("expected validation error")
		}
	})
}

func TestWatcher_PollPicksUpRewrite(t *testing.T) {
	t.Parallel()
	w, path, changes := watch(t, baseYAML, 20*time.Millisecond)

	rewrite(t, path, rotatedYAML)
	c := expectChange(t, changes)

	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("change = %q -> %q, want info -> debug", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	if w.Current() != c.new {
		t.Error("Current() does not return the new config")
	}
	expectQuiet(t, changes, 100*time.Millisecond)
}

func TestWatcher_PollIgnores(t *testing.T) {
	t.Parallel()

	t.Run("touch without edit", func(t *testing.T) {
		t.Parallel()
		_, path, changes := watch(t, baseYAML, 20*time.Millisecond)
		touch(t, path)
		expectQuiet(t, changes, 200*time.Millisecond)
	})

	t.Run("invalid rewrite", func(t *testing.T) {
		t.Parallel()
		w, path, changes := watch(t, baseYAML, 20*time.Millisecond)
		before := w.Current()
		rewrite(t, path, badLevelYAML)
		expectQuiet(t, changes, 200*time.Millisecond)
		if w.Current() != before {
			t.Error("invalid file replaced the current config")
		}
	})
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	// Polling is effectively off so only Reload can apply changes.
	w, path, changes := watch(t, baseYAML, time.Hour)

	if err := w.Reload(); !errors.Is(err, config.ErrUnchanged) {
		t.Fatalf("Reload on unchanged file = %v, want ErrUnchanged", err)
	}

	rewrite(t, path, badLevelYAML)
	if err := w.Reload(); err == nil || errors.Is(err, config.ErrUnchanged) {
		t.Fatalf("Reload on invalid file = %v, want validation error", err)
	}
	if got := w.Current().OCR.AppKey; got != "secret" {
		t.Errorf("app_key = %q after rejected reload, want secret", got)
	}

	rewrite(t, path, rotatedYAML)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	c := expectChange(t, changes)
	if c.new.OCR.AppKey != "rotated" {
		t.Errorf("app_key = %q, want rotated", c.new.OCR.AppKey)
	}
	if err := w.Reload(); !errors.Is(err, config.ErrUnchanged) {
		t.Errorf("second Reload = %v, want ErrUnchanged", err)
	}
	expectQuiet(t, changes, 50*time.Millisecond)
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	w, _, _ := watch(t, baseYAML, 20*time.Millisecond)
	w.Stop()
	w.Stop()
}

func TestSettings_FollowWatcher(t *testing.T) {
	t.Parallel()
	w, path, changes := watch(t, baseYAML, time.Hour)

	s := config.NewSettings(w)
	if s.NarrationEnabled() {
		t.Fatal("narration enabled before reload")
	}
	if key, _ := s.Credential(pipeline.KeyOCRAppKey); key != "secret" {
		t.Fatalf("app_key = %q before reload", key)
	}

	rewrite(t, path, rotatedYAML)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	expectChange(t, changes)

	if !s.NarrationEnabled() {
		t.Error("narration still disabled after reload")
	}
	if key, _ := s.Credential(pipeline.KeyOCRAppKey); key != "rotated" {
		t.Errorf("app_key = %q after reload, want rotated", key)
	}
}
