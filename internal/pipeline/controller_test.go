package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/lectora/internal/observe"
	"github.com/MrWong99/lectora/internal/ocr"
	"github.com/MrWong99/lectora/internal/remote"
	"github.com/MrWong99/lectora/internal/reqtrace"
	"github.com/MrWong99/lectora/internal/stage"
)

// ---- fakes ----

type fakeSettings struct {
	values  map[string]string
	narrate bool
}

func (s *fakeSettings) Credential(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *fakeSettings) EndpointURL(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *fakeSettings) NarrationEnabled() bool { return s.narrate }

type recordingNarrator struct {
	mu    sync.Mutex
	items []string
}

func (n *recordingNarrator) Enqueue(text string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, text)
	return true
}

func (n *recordingNarrator) Items() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.items)
}

// backend serves every remote endpoint a run touches. OCR responses are
// keyed by the submitted src payload.
type backend struct {
	ocr      map[string]string // src -> response body; missing src -> 500
	blockOCR chan struct{}     // when non-nil, OCR requests wait for it or cancellation
	ocrSeen  chan string

	analysisType string
	analysisBody string
	answerA      string
	answerB      string
	answerBType  string
}

func (b *backend) start(t *testing.T) map[string]string {
	t.Helper()

	jsonHandler := func(contentType func() string, body func() string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			w.Header().Set("Content-Type", contentType())
			_, _ = io.WriteString(w, body())
		}
	}

	ocrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Src string `json:"src"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if b.ocrSeen != nil {
			b.ocrSeen <- req.Src
		}
		if b.blockOCR != nil {
			select {
			case <-b.blockOCR:
			case <-r.Context().Done():
				return
			}
		}
		body, ok := b.ocr[req.Src]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, "recognition backend down")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	analysisSrv := httptest.NewServer(jsonHandler(
		func() string { return cmp(b.analysisType, "application/json") },
		func() string { return b.analysisBody },
	))
	aSrv := httptest.NewServer(jsonHandler(
		func() string { return "application/json" },
		func() string { return b.answerA },
	))
	bSrv := httptest.NewServer(jsonHandler(
		func() string { return cmp(b.answerBType, "application/json") },
		func() string { return b.answerB },
	))
	for _, s := range []*httptest.Server{ocrSrv, analysisSrv, aSrv, bSrv} {
		t.Cleanup(s.Close)
	}
	if b.blockOCR != nil {
		// Registered after the servers so it runs before they close.
		t.Cleanup(func() {
			select {
			case <-b.blockOCR:
			default:
				close(b.blockOCR)
			}
		})
	}

	return map[string]string{
		KeyOCRURL:      ocrSrv.URL,
		KeyOCRAppID:    "app",
		KeyOCRAppKey:   "secret",
		KeyAnalysisURL: analysisSrv.URL,
		KeyAnswerAURL:  aSrv.URL,
		KeyAnswerBURL:  bSrv.URL,
	}
}

func cmp(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func newController(t *testing.T, settings Settings, narrator Narrator) *Controller {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rc := remote.New(reqtrace.New(), remote.WithMetrics(m), remote.WithHTTPClient(http.DefaultClient))
	opts := []Option{WithMetrics(m)}
	if narrator != nil {
		opts = append(opts, WithNarrator(narrator))
	}
	return New(settings, rc, stage.NewTracker(), opts...)
}

func images(srcs ...string) []ocr.Image {
	out := make([]ocr.Image, len(srcs))
	for i, s := range srcs {
		out[i] = ocr.Image{Payload: s, Label: s}
	}
	return out
}

func stageStatuses(c *Controller) map[string]stage.Status {
	out := map[string]stage.Status{}
	for _, s := range c.Stages().Snapshot() {
		out[s.ID] = s.Status
	}
	return out
}

func recordNames(tr *reqtrace.Tracer) []string {
	var out []string
	for _, r := range tr.Snapshot() {
		out = append(out, r.Name)
	}
	return out
}

const (
	lecturaA  = `{"agentFlowExecutedData":[{"data":{"output":{"lectura":"ans-A"}}}]}`
	noLectura = `{"agentFlowExecutedData":[{"data":{"output":{"content":"plain words"}}}]}`
)

// ---- tests ----

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	b := &backend{
		ocr: map[string]string{
			"img-foo": `{"text":"foo"}`,
			"img-bar": `{"text":"bar"}`,
		},
		analysisBody: `{"text":"derived question"}`,
		answerA:      lecturaA,
		answerB:      noLectura,
	}
	settings := &fakeSettings{values: b.start(t), narrate: true}
	narrator := &recordingNarrator{}
	c := newController(t, settings, narrator)

	res, err := c.Run(context.Background(), images("img-foo", "img-bar"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OCRText != "OCR 1: foo\n\nOCR 2: bar" {
		t.Errorf("OCRText = %q", res.OCRText)
	}
	if want := []Answer{{Label: "Flow A", Text: "ans-A"}}; !slices.Equal(res.Answers, want) {
		t.Errorf("Answers = %+v, want %+v", res.Answers, want)
	}
	if res.Error != "" {
		t.Errorf("Error = %q", res.Error)
	}
	if !strings.HasPrefix(res.RunID, "run_") {
		t.Errorf("RunID = %q", res.RunID)
	}

	for id, st := range stageStatuses(c) {
		if st != stage.StatusCompleted {
			t.Errorf("stage %s = %s, want completed", id, st)
		}
	}
	if s, _ := c.Stages().Get(StageFanout); s.Description != "Received 1 of 2 answers" {
		t.Errorf("fanout description = %q", s.Description)
	}
	if s, _ := c.Stages().Get(StageOCR); s.Description != "Recognized text from 2 of 2 images" {
		t.Errorf("ocr description = %q", s.Description)
	}

	names := recordNames(c.Tracer())
	want := []string{"OCR image 1", "OCR image 2", "Analysis", "Flow A", "Flow B"}
	if !slices.Equal(names, want) {
		t.Errorf("records = %v, want %v", names, want)
	}
	for _, r := range c.Tracer().Snapshot() {
		if r.Status != http.StatusOK || r.Error != "" {
			t.Errorf("record %s: status %d err %q", r.Name, r.Status, r.Error)
		}
	}

	if got := narrator.Items(); !slices.Equal(got, []string{"Flow A: ans-A"}) {
		t.Errorf("narrated = %v", got)
	}
	if got := c.State(); got != StateDone {
		t.Errorf("State = %s, want done", got)
	}
	if last, ok := c.LastResult(); !ok || last.RunID != res.RunID {
		t.Errorf("LastResult = %+v, %v", last, ok)
	}
}

func TestRun_OCRFailureStopsBatch(t *testing.T) {
	t.Parallel()

	b := &backend{ocr: map[string]string{
		"one":   `{"text":"first"}`,
		"three": `{"text":"third"}`,
	}}
	narrator := &recordingNarrator{}
	c := newController(t, &fakeSettings{values: b.start(t), narrate: true}, narrator)

	res, err := c.Run(context.Background(), images("one", "two", "three"))
	if !errors.Is(err, ErrOCRCallFailed) {
		t.Fatalf("err = %v, want ErrOCRCallFailed", err)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Index != 2 || pe.Stage != StageOCR {
		t.Errorf("error = %+v", pe)
	}
	if !strings.Contains(err.Error(), "image 2") {
		t.Errorf("message %q lacks image index", err.Error())
	}
	var se *remote.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusInternalServerError {
		t.Errorf("cause = %v, want StatusError 500", err)
	}

	if names := recordNames(c.Tracer()); !slices.Equal(names, []string{"OCR image 1", "OCR image 2"}) {
		t.Errorf("records = %v", names)
	}
	statuses := stageStatuses(c)
	if statuses[StageOCR] != stage.StatusError || statuses[StageAnalyze] != stage.StatusPending || statuses[StageFanout] != stage.StatusPending {
		t.Errorf("stages = %v", statuses)
	}
	if s, _ := c.Stages().Get(StageOCR); !strings.Contains(s.Error, "image 2") {
		t.Errorf("ocr stage error = %q", s.Error)
	}
	if res.Error == "" || res.Answers != nil {
		t.Errorf("result = %+v", res)
	}
	if len(narrator.Items()) != 0 {
		t.Error("narration on failure path")
	}
	if got := c.State(); got != StateFailed {
		t.Errorf("State = %s, want failed", got)
	}
}

func TestRun_AllEmpty(t *testing.T) {
	t.Parallel()

	b := &backend{ocr: map[string]string{
		"a": `{"text":""}`,
		"b": `{"text":"   "}`,
	}}
	c := newController(t, &fakeSettings{values: b.start(t)}, nil)

	_, err := c.Run(context.Background(), images("a", "b"))
	if !errors.Is(err, ErrOCRAllEmpty) {
		t.Fatalf("err = %v, want ErrOCRAllEmpty", err)
	}
	if n := c.Tracer().Len(); n != 2 {
		t.Errorf("records = %d, want one per image", n)
	}
	if s, _ := c.Stages().Get(StageOCR); s.Status != stage.StatusError || s.Error != "no image returned text" {
		t.Errorf("ocr stage = %+v", s)
	}
}

func TestRun_ServiceReportedOCRError(t *testing.T) {
	t.Parallel()

	b := &backend{ocr: map[string]string{"x": `{"error":"Invalid credentials"}`}}
	c := newController(t, &fakeSettings{values: b.start(t)}, nil)

	_, err := c.Run(context.Background(), images("x"))
	if !errors.Is(err, ErrOCRCallFailed) {
		t.Fatalf("err = %v, want ErrOCRCallFailed", err)
	}
	rec := c.Tracer().Snapshot()[0]
	if !strings.Contains(rec.Error, "Invalid credentials") {
		t.Errorf("record error = %q", rec.Error)
	}
	if rec.Headers["app_key"] != "***" {
		t.Errorf("app_key not redacted: %q", rec.Headers["app_key"])
	}
}

func TestRun_AnalysisFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		body        string
		wantKind    error
		wantText    string
	}{
		{
			name:     "no output",
			body:     `{"agentFlowExecutedData":[]}`,
			wantKind: ErrAnalysisNoOutput,
			wantText: "no output found in analysis stage",
		},
		{
			name:        "plain text",
			contentType: "text/plain",
			body:        "derived question",
			wantKind:    ErrAnalysisNoOutput,
			wantText:    "no output found in analysis stage",
		},
		{
			name:     "malformed json",
			body:     `{"text":`,
			wantKind: ErrAnalysisCallFailed,
			wantText: "not valid JSON",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := &backend{
				ocr:          map[string]string{"x": `{"text":"foo"}`},
				analysisType: tc.contentType,
				analysisBody: tc.body,
			}
			c := newController(t, &fakeSettings{values: b.start(t)}, nil)

			_, err := c.Run(context.Background(), images("x"))
			if !errors.Is(err, tc.wantKind) {
				t.Fatalf("err = %v, want %v", err, tc.wantKind)
			}
			statuses := stageStatuses(c)
			if statuses[StageOCR] != stage.StatusCompleted || statuses[StageAnalyze] != stage.StatusError || statuses[StageFanout] != stage.StatusPending {
				t.Errorf("stages = %v", statuses)
			}
			if s, _ := c.Stages().Get(StageAnalyze); !strings.Contains(s.Error, tc.wantText) {
				t.Errorf("analyze error = %q, want %q", s.Error, tc.wantText)
			}
		})
	}
}

func TestRun_FanoutAllOrNothing(t *testing.T) {
	t.Parallel()

	b := &backend{
		ocr:          map[string]string{"x": `{"text":"foo"}`},
		analysisBody: `{"text":"q"}`,
		answerA:      lecturaA,
		answerB:      `{"broken`,
	}
	narrator := &recordingNarrator{}
	c := newController(t, &fakeSettings{values: b.start(t), narrate: true}, narrator)

	res, err := c.Run(context.Background(), images("x"))
	if !errors.Is(err, ErrFanoutCallFailed) {
		t.Fatalf("err = %v, want ErrFanoutCallFailed", err)
	}
	if res.Answers != nil {
		t.Errorf("partial answers surfaced: %+v", res.Answers)
	}
	if s, _ := c.Stages().Get(StageFanout); s.Status != stage.StatusError || !strings.Contains(s.Error, "Flow B") {
		t.Errorf("fanout stage = %+v", s)
	}
	if len(narrator.Items()) != 0 {
		t.Error("narration on failure path")
	}
}

func TestRun_NarrationDisabled(t *testing.T) {
	t.Parallel()

	b := &backend{
		ocr:          map[string]string{"x": `{"text":"foo"}`},
		analysisBody: `{"text":"q"}`,
		answerA:      lecturaA,
		answerB:      `{"agentFlowExecutedData":[{"data":{"output":{"lectura":"ans-B"}}}]}`,
	}
	narrator := &recordingNarrator{}
	c := newController(t, &fakeSettings{values: b.start(t), narrate: false}, narrator)

	res, err := c.Run(context.Background(), images("x"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Answers) != 2 {
		t.Errorf("answers = %+v", res.Answers)
	}
	if len(narrator.Items()) != 0 {
		t.Errorf("narrated with narration disabled: %v", narrator.Items())
	}
}

func TestRun_InputErrors(t *testing.T) {
	t.Parallel()

	b := &backend{}
	values := b.start(t)

	c := newController(t, &fakeSettings{values: values}, nil)
	if _, err := c.Run(context.Background(), nil); !errors.Is(err, ErrBatchEmpty) {
		t.Errorf("empty batch err = %v", err)
	}

	delete(values, KeyAnswerBURL)
	values[KeyOCRAppKey] = " "
	_, err := c.Run(context.Background(), images("x"))
	if !errors.Is(err, ErrMissingSetting) {
		t.Fatalf("missing setting err = %v", err)
	}
	if !strings.Contains(err.Error(), KeyAnswerBURL) || !strings.Contains(err.Error(), KeyOCRAppKey) {
		t.Errorf("message %q does not name missing keys", err.Error())
	}

	if n := len(c.Stages().Snapshot()); n != 0 {
		t.Errorf("stage tracker touched: %d stages", n)
	}
	if n := c.Tracer().Len(); n != 0 {
		t.Errorf("calls made: %d", n)
	}
	if c.State() != StateIdle {
		t.Errorf("State = %s, want idle", c.State())
	}
}

func TestRun_ResetsBetweenRuns(t *testing.T) {
	t.Parallel()

	b := &backend{
		ocr:          map[string]string{"x": `{"text":"foo"}`},
		analysisBody: `{"text":"q"}`,
		answerA:      lecturaA,
		answerB:      noLectura,
	}
	c := newController(t, &fakeSettings{values: b.start(t)}, nil)

	if _, err := c.Run(context.Background(), images("missing")); err == nil {
		t.Fatal("first run succeeded")
	}
	if _, err := c.Run(context.Background(), images("x")); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n := c.Tracer().Len(); n != 4 {
		t.Errorf("records = %d, want 4 from the second run only", n)
	}
	for id, st := range stageStatuses(c) {
		if st != stage.StatusCompleted {
			t.Errorf("stage %s = %s after second run", id, st)
		}
	}
}

func TestRun_CancelAndBusy(t *testing.T) {
	t.Parallel()

	b := &backend{
		ocr:      map[string]string{"x": `{"text":"foo"}`},
		blockOCR: make(chan struct{}),
		ocrSeen:  make(chan string, 1),
	}
	c := newController(t, &fakeSettings{values: b.start(t)}, nil)

	if c.Cancel() {
		t.Error("Cancel reported an active run while idle")
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Run(context.Background(), images("x"))
		done <- outcome{res, err}
	}()

	select {
	case <-b.ocrSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("OCR request never arrived")
	}
	if got := c.State(); got != StateOCRRunning {
		t.Errorf("State = %s, want ocr_running", got)
	}
	if s, _ := c.Stages().Get(StageOCR); s.Description != "Recognizing image 1 of 1" {
		t.Errorf("ocr description = %q", s.Description)
	}
	if _, err := c.Run(context.Background(), images("x")); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("concurrent Run err = %v, want ErrRunInProgress", err)
	}

	if !c.Cancel() {
		t.Fatal("Cancel found no active run")
	}

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after Cancel")
	}
	if !errors.Is(got.err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", got.err)
	}
	if s, _ := c.Stages().Get(StageOCR); s.Status != stage.StatusError || s.Error != "canceled" {
		t.Errorf("ocr stage = %+v", s)
	}
	if rec := c.Tracer().Snapshot()[0]; rec.Error == "" {
		t.Error("canceled call not marked failed in the request log")
	}
	if c.State() != StateFailed {
		t.Errorf("State = %s, want failed", c.State())
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateIdle:       "idle",
		StateOCRRunning: "ocr_running",
		StateFanningOut: "fanning_out",
		StateFailed:     "failed",
		State(42):       "State(42)",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
	b, _ := json.Marshal(map[string]State{"state": StateAnalyzing})
	if string(b) != `{"state":"analyzing"}` {
		t.Errorf("json = %s", b)
	}

	var back map[string]State
	if err := json.Unmarshal(b, &back); err != nil || back["state"] != StateAnalyzing {
		t.Errorf("round trip = %v, %v", back, err)
	}
	var bad State
	if err := bad.UnmarshalText([]byte("sleeping")); err == nil {
		t.Error("unknown state accepted")
	}
}
