package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// CommandPlayer plays audio by running an external program with the clip on
// stdin, e.g. "aplay -q -" or "ffplay -nodisp -autoexit -loglevel quiet -".
// Playback ends when the process exits.
type CommandPlayer struct {
	name string
	args []string
}

var _ Player = (*CommandPlayer)(nil)

// NewCommandPlayer parses a whitespace-separated command line.
func NewCommandPlayer(command string) (*CommandPlayer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("speech: player command must not be empty")
	}
	return &CommandPlayer{name: fields[0], args: fields[1:]}, nil
}

// Play implements [Player].
func (p *CommandPlayer) Play(ctx context.Context, a Audio) error {
	cmd := exec.CommandContext(ctx, p.name, p.args...)
	cmd.Stdin = bytes.NewReader(a.Data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("speech: %s: %w: %s", p.name, err, msg)
		}
		return fmt.Errorf("speech: %s: %w", p.name, err)
	}
	return nil
}

// FileSink "plays" audio by writing each clip to a numbered file in a
// directory. It is useful on headless hosts and in tests.
type FileSink struct {
	dir string
	seq atomic.Int64
}

var _ Player = (*FileSink)(nil)

// NewFileSink creates dir if needed and returns a sink writing into it.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("speech: create output dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Play implements [Player].
func (s *FileSink) Play(ctx context.Context, a Audio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ext := a.Format
	if ext == "" {
		ext = "bin"
	}
	n := s.seq.Add(1)
	path := filepath.Join(s.dir, fmt.Sprintf("narration-%04d.%s", n, ext))
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return fmt.Errorf("speech: write %s: %w", path, err)
	}
	slog.Debug("narration written", "path", path, "bytes", len(a.Data))
	return nil
}

// LogSpeaker narrates by logging the text. An optional per-word delay
// approximates playback time so queueing behaves like a real speaker.
type LogSpeaker struct {
	logger  *slog.Logger
	perWord time.Duration
}

var _ Speaker = (*LogSpeaker)(nil)

// NewLogSpeaker returns a speaker that writes utterances to logger (or the
// default logger when nil).
func NewLogSpeaker(logger *slog.Logger, perWord time.Duration) *LogSpeaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSpeaker{logger: logger, perWord: perWord}
}

// Speak implements [Speaker].
func (s *LogSpeaker) Speak(ctx context.Context, u Utterance) <-chan error {
	return Go(func() error {
		if u.Text == "" {
			return ErrEmptyText
		}
		s.logger.Info("narrating",
			"text", u.Text,
			"language", u.Language,
			"rate", u.Rate,
		)
		if s.perWord <= 0 {
			return nil
		}
		d := time.Duration(len(strings.Fields(u.Text))) * s.perWord
		if u.Rate > 0 {
			d = time.Duration(float64(d) / u.Rate)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
