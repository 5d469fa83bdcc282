package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the config already in effect.
var ErrUnchanged = errors.New("config: file unchanged")

// fileState identifies one version of the config file.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher keeps the config current with its file. It polls the mtime and
// only parses when it moved; a new version replaces the current config when
// its content hash differs and it passes validation. A version that fails to
// load is logged and the previous config stays current.
//
// Besides polling, [Watcher.Reload] forces an immediate check, e.g. on SIGHUP.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	// reload serialises polling and forced reloads so onChange sees each
	// version once.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it in the background. onChange,
// if non-nil, is called from the polling goroutine after every accepted
// change.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, state, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = state

	go w.poll()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload reads the file now, regardless of its mtime. It returns
// [ErrUnchanged] when the content is identical and the load error when the
// new version is rejected.
func (w *Watcher) Reload() error {
	w.reload.Lock()
	defer w.reload.Unlock()
	return w.apply()
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check applies the file if its mtime moved since the last version seen.
func (w *Watcher) check() {
	w.reload.Lock()
	defer w.reload.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	moved := !info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if !moved {
		return
	}

	if err := w.apply(); err != nil && !errors.Is(err, ErrUnchanged) {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		// Warn once per broken version.
		w.mu.Lock()
		w.seen.mtime = info.ModTime()
		w.mu.Unlock()
	}
}

// apply loads the file and swaps it in when the content changed. The caller
// holds w.reload.
func (w *Watcher) apply() error {
	cfg, state, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if state.hash == w.seen.hash {
		w.seen.mtime = state.mtime
		w.mu.Unlock()
		return ErrUnchanged
	}
	old := w.current
	w.current = cfg
	w.seen = state
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

// read parses and validates the file and identifies the version read.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	state := fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, state, err
	}
	return cfg, state, nil
}
