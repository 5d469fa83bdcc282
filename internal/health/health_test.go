package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// probe serves path through a mux with h registered and decodes the report.
func probe(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	h := New(Checker{Name: "config", Check: failWith("missing ocr.app_key")})
	code, rep := probe(t, h, "/healthz")
	if code != http.StatusOK || rep.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, rep.Status)
	}
	if len(rep.Checks) != 0 {
		t.Errorf("liveness ran checks: %v", rep.Checks)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantErrors map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "speaker", Check: pass},
				{Name: "config", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantErrors: map[string]string{"speaker": "", "config": ""},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "speaker", Check: failWith("connection refused")},
				{Name: "config", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantErrors: map[string]string{"speaker": "connection refused", "config": ""},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "speaker", Check: failWith("timeout")},
				{Name: "config", Check: failWith("missing ocr.app_key")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantErrors: map[string]string{"speaker": "timeout", "config": "missing ocr.app_key"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, rep := probe(t, New(tc.checkers...), "/readyz")
			if code != tc.wantCode || rep.Status != tc.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, rep.Status, tc.wantCode, tc.wantStatus)
			}
			if len(rep.Checks) != len(tc.wantErrors) {
				t.Errorf("checks = %v", rep.Checks)
			}
			for name, want := range tc.wantErrors {
				got, ok := rep.Checks[name]
				if !ok {
					t.Errorf("check %q missing", name)
					continue
				}
				if got.Error != want || got.OK != (want == "") {
					t.Errorf("check %q = %+v, want error %q", name, got, want)
				}
			}
		})
	}
}

func TestCheck_CanceledContext(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.Check(ctx)
	if rep.Status != "fail" || rep.Checks["slow"].Error != context.Canceled.Error() {
		t.Errorf("report = %+v", rep)
	}
}

func TestCheck_RunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow})

	done := make(chan Report, 1)
	go func() { done <- h.Check(context.Background()) }()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checks did not start together")
		}
	}
	close(release)
	if rep := <-done; rep.Status != "ok" {
		t.Errorf("report = %+v", rep)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestSettings(t *testing.T) {
	var missing []string
	c := Settings(func() []string { return missing })
	if c.Name != "config" {
		t.Errorf("name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("complete config: %v", err)
	}

	missing = []string{"ocr.app_id", "flows.answer_b.url"}
	err := c.Check(context.Background())
	if err == nil || err.Error() != "missing ocr.app_id, flows.answer_b.url" {
		t.Errorf("err = %v", err)
	}
}

func TestPing(t *testing.T) {
	rep := New(
		Ping("speaker", pinger{}),
		Ping("ocr", pinger{err: errors.New("unreachable")}),
	).Check(context.Background())

	if !rep.Checks["speaker"].OK {
		t.Errorf("speaker = %+v", rep.Checks["speaker"])
	}
	if got := rep.Checks["ocr"]; got.OK || got.Error != "unreachable" {
		t.Errorf("ocr = %+v", got)
	}
	if rep.Status != "fail" {
		t.Errorf("status = %q", rep.Status)
	}
}
