// Package pipeline runs the image → OCR → analysis → fan-out sequence.
//
// A [Controller] owns one run at a time. Each run resets the request log and
// the stage tracker it was built with, then walks the stages in order:
//
//	Idle → OcrRunning → Analyzing → FanningOut → Done
//
// Any failure moves the run to Failed, marks the in-progress stage as error
// and stops. Nothing is retried. On success the answers are handed to the
// narrator, whose progress the controller never waits for.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lectora/internal/fanout"
	"github.com/MrWong99/lectora/internal/flow"
	"github.com/MrWong99/lectora/internal/observe"
	"github.com/MrWong99/lectora/internal/ocr"
	"github.com/MrWong99/lectora/internal/ocr/mathpix"
	"github.com/MrWong99/lectora/internal/remote"
	"github.com/MrWong99/lectora/internal/reqtrace"
	"github.com/MrWong99/lectora/internal/stage"
)

// Stage identifiers, in run order.
const (
	StageOCR     = "ocr"
	StageAnalyze = "analyze"
	StageFanout  = "fanout"
)

// Definitions is the fixed stage set every run starts with.
var Definitions = []stage.Definition{
	{ID: StageOCR, Title: "Text recognition"},
	{ID: StageAnalyze, Title: "Analysis"},
	{ID: StageFanout, Title: "Answers"},
}

// Setting keys looked up through [Settings].
const (
	KeyOCRAppID  = "ocr.app_id"
	KeyOCRAppKey = "ocr.app_key"

	KeyOCRURL      = "ocr"
	KeyAnalysisURL = "analysis"
	KeyAnswerAURL  = "answer_a"
	KeyAnswerBURL  = "answer_b"
)

// Settings resolves credentials and endpoints at the start of every run, so
// changes take effect on the next run.
type Settings interface {
	Credential(key string) (string, bool)
	EndpointURL(key string) (string, bool)
	NarrationEnabled() bool
}

// Narrator accepts text to be spoken later.
type Narrator interface {
	Enqueue(text string) bool
}

// State is the position of the controller in its run state machine.
type State int

const (
	StateIdle State = iota
	StateOCRRunning
	StateAnalyzing
	StateFanningOut
	StateDone
	StateFailed
)

var stateNames = [...]string{"idle", "ocr_running", "analyzing", "fanning_out", "done", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("pipeline: unknown state %q", b)
}

// Running reports whether a run is executing.
func (s State) Running() bool {
	return s == StateOCRRunning || s == StateAnalyzing || s == StateFanningOut
}

// Answer is one extracted answer and the branch that produced it.
type Answer struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Result is the outcome of a run.
type Result struct {
	RunID   string   `json:"run_id,omitempty"`
	OCRText string   `json:"ocr_text"`
	Answers []Answer `json:"answers"`
	Error   string   `json:"error,omitempty"`
}

// Option configures a [Controller].
type Option func(*Controller)

// WithRecognizer replaces the OCR recognizer. Defaults to the Mathpix-style
// client on the controller's remote client.
func WithRecognizer(r ocr.Recognizer) Option {
	return func(c *Controller) { c.recognizer = r }
}

// WithNarrator sets where answers are sent on success.
func WithNarrator(n Narrator) Option {
	return func(c *Controller) { c.narrator = n }
}

// WithBranchLabels names the two answering branches. Labels prefix narrated
// answers. Defaults to "Flow A" and "Flow B".
func WithBranchLabels(a, b string) Option {
	return func(c *Controller) {
		if a != "" {
			c.labels[0] = a
		}
		if b != "" {
			c.labels[1] = b
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller orchestrates runs. All methods are safe for concurrent use.
type Controller struct {
	settings   Settings
	rc         *remote.Client
	stages     *stage.Tracker
	recognizer ocr.Recognizer
	narrator   Narrator
	labels     [2]string
	metrics    *observe.Metrics

	ocr    *ocr.Processor
	flows  *flow.Client
	fanout *fanout.Coordinator

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	last   *Result
}

// New returns an idle controller. Outbound calls go through rc and are
// logged in its tracer; stage progress is reported to stages.
func New(settings Settings, rc *remote.Client, stages *stage.Tracker, opts ...Option) *Controller {
	c := &Controller{
		settings: settings,
		rc:       rc,
		stages:   stages,
		labels:   [2]string{"Flow A", "Flow B"},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.recognizer == nil {
		c.recognizer = mathpix.New(rc)
	}
	c.ocr = ocr.NewProcessor(c.recognizer,
		ocr.WithMetrics(c.metrics),
		ocr.WithProgress(func(i, n int) {
			c.stages.Describe(StageOCR, fmt.Sprintf("Recognizing image %d of %d", i, n))
		}),
	)
	c.flows = flow.New(rc)
	c.fanout = fanout.New(c.flows)
	return c
}

// Tracer returns the request log written by runs.
func (c *Controller) Tracer() *reqtrace.Tracer { return c.rc.Tracer() }

// Stages returns the stage tracker updated by runs.
func (c *Controller) Stages() *stage.Tracker { return c.stages }

// State returns the current run state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastResult returns the result of the most recent finished run.
func (c *Controller) LastResult() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// Cancel aborts the active run. It reports false when no run is active.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// resolved holds the settings captured for one run.
type resolved struct {
	ocr      ocr.Endpoint
	analysis string
	branches [2]fanout.Branch
}

func (c *Controller) resolve() (resolved, error) {
	var absent []string
	lookup := func(get func(string) (string, bool), key string) string {
		v, ok := get(key)
		if !ok || strings.TrimSpace(v) == "" {
			absent = append(absent, key)
		}
		return v
	}
	endpoint := func(key string) string { return lookup(c.settings.EndpointURL, key) }
	credential := func(key string) string { return lookup(c.settings.Credential, key) }

	r := resolved{
		ocr: ocr.Endpoint{
			URL:    endpoint(KeyOCRURL),
			AppID:  credential(KeyOCRAppID),
			AppKey: credential(KeyOCRAppKey),
		},
		analysis: endpoint(KeyAnalysisURL),
		branches: [2]fanout.Branch{
			{Label: c.labels[0], URL: endpoint(KeyAnswerAURL)},
			{Label: c.labels[1], URL: endpoint(KeyAnswerBURL)},
		},
	}
	if len(absent) > 0 {
		return resolved{}, missing(absent...)
	}
	return r, nil
}

// Run executes one pipeline run over images. Input errors (empty batch,
// missing settings) and [ErrRunInProgress] are returned before any state is
// touched. Every other failure is an [*Error] and is also reflected in the
// returned Result and the stage tracker.
func (c *Controller) Run(ctx context.Context, images []ocr.Image) (Result, error) {
	if len(images) == 0 {
		err := &Error{Kind: ErrBatchEmpty}
		return Result{Error: err.Error()}, err
	}
	cfg, err := c.resolve()
	if err != nil {
		return Result{Error: err.Error()}, err
	}

	runID := "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	runCtx, release, err := c.acquire(ctx)
	if err != nil {
		return Result{Error: err.Error()}, err
	}
	defer release()

	runCtx, span := observe.StartSpan(runCtx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("run.images", len(images)),
		),
	)
	log := observe.Logger(runCtx).With("run_id", runID)
	log.Info("run started", "images", len(images))
	start := time.Now()
	c.metrics.ActiveRuns.Add(runCtx, 1)

	res := Result{RunID: runID}
	runErr := c.execute(runCtx, cfg, images, &res)

	outcome := StateDone
	if runErr != nil {
		outcome = StateFailed
		res.Answers = nil
		res.Error = runErr.Error()
	}
	c.metrics.ActiveRuns.Add(runCtx, -1)
	c.metrics.RecordRun(runCtx, outcomeLabel(runErr), time.Since(start))
	observe.EndSpan(span, runErr)

	if runErr != nil {
		log.Error("run failed", "err", runErr, "duration", time.Since(start))
	} else {
		log.Info("run finished", "answers", len(res.Answers), "duration", time.Since(start))
		c.narrate(log, res.Answers)
	}

	c.finish(outcome, res)
	return res, runErr
}

// acquire claims the controller for a run and resets the shared logs.
func (c *Controller) acquire(ctx context.Context) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Running() {
		return nil, nil, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateOCRRunning
	c.rc.Tracer().Reset()
	c.stages.Initialize(Definitions...)
	return runCtx, cancel, nil
}

func (c *Controller) finish(s State, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.last = &res
	c.cancel = nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// execute walks the stages. It returns an [*Error] on failure.
func (c *Controller) execute(ctx context.Context, cfg resolved, images []ocr.Image, res *Result) error {
	// ---- OCR ----
	c.stages.Begin(StageOCR, fmt.Sprintf("Recognizing %d image(s)", len(images)))
	var batch ocr.Result
	err := c.timed(ctx, StageOCR, func(ctx context.Context) error {
		var err error
		batch, err = c.ocr.Run(ctx, cfg.ocr, images)
		return err
	})
	if err != nil {
		return c.fail(ctx, c.classifyOCR(ctx, err))
	}
	c.stages.Complete(StageOCR, fmt.Sprintf("Recognized text from %d of %d images", batch.Recognized, batch.Total))
	res.OCRText = batch.Text

	// ---- analysis ----
	c.setState(StateAnalyzing)
	c.stages.Begin(StageAnalyze, "Sending recognized text for analysis")
	var question string
	err = c.timed(ctx, StageAnalyze, func(ctx context.Context) error {
		var err error
		question, err = c.flows.Analyze(ctx, cfg.analysis, batch.Text)
		return err
	})
	if err != nil {
		return c.fail(ctx, c.classify(ctx, StageAnalyze, err))
	}
	c.stages.Complete(StageAnalyze, fmt.Sprintf("Derived a question of %d characters", len([]rune(question))))

	// ---- fan-out ----
	c.setState(StateFanningOut)
	c.stages.Begin(StageFanout, fmt.Sprintf("Asking %s and %s", cfg.branches[0].Label, cfg.branches[1].Label))
	var answers fanout.Result
	err = c.timed(ctx, StageFanout, func(ctx context.Context) error {
		var err error
		answers, err = c.fanout.Run(ctx, question, cfg.branches[0], cfg.branches[1])
		return err
	})
	if err != nil {
		return c.fail(ctx, c.classify(ctx, StageFanout, err))
	}
	found := answers.Found()
	res.Answers = make([]Answer, 0, len(found))
	for _, a := range found {
		res.Answers = append(res.Answers, Answer{Label: a.Label, Text: a.Text})
	}
	c.stages.Complete(StageFanout, fmt.Sprintf("Received %d of 2 answers", len(found)))
	return nil
}

// timed runs fn inside a stage span and records its duration.
func (c *Controller) timed(ctx context.Context, id string, fn func(context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, "pipeline."+id)
	start := time.Now()
	err := fn(ctx)

	status := stage.StatusCompleted
	if err != nil {
		status = stage.StatusError
	}
	c.metrics.RecordStage(ctx, id, string(status), time.Since(start))
	observe.EndSpan(span, err)
	return err
}

// fail marks every in-progress stage as failed with err's text.
func (c *Controller) fail(ctx context.Context, err *Error) error {
	ids := c.stages.FailActive(err.stageText())
	observe.Logger(ctx).Debug("stage failed", "stages", ids, "err", err)
	return err
}

func (c *Controller) classifyOCR(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return &Error{Kind: ErrCanceled, Stage: StageOCR, Err: ctx.Err()}
	}
	var imgErr *ocr.ImageError
	switch {
	case errors.Is(err, ocr.ErrNoText):
		return &Error{Kind: ErrOCRAllEmpty, Stage: StageOCR}
	case errors.As(err, &imgErr):
		return &Error{Kind: ErrOCRCallFailed, Stage: StageOCR, Index: imgErr.Index, Err: err}
	}
	return &Error{Kind: ErrOCRCallFailed, Stage: StageOCR, Err: err}
}

func (c *Controller) classify(ctx context.Context, id string, err error) *Error {
	if ctx.Err() != nil {
		return &Error{Kind: ErrCanceled, Stage: id, Err: ctx.Err()}
	}
	switch {
	case id == StageAnalyze && errors.Is(err, flow.ErrNoOutput):
		return &Error{Kind: ErrAnalysisNoOutput, Stage: id}
	case id == StageAnalyze:
		return &Error{Kind: ErrAnalysisCallFailed, Stage: id, Err: err}
	}
	return &Error{Kind: ErrFanoutCallFailed, Stage: id, Err: err}
}

// narrate queues every answer, prefixed with its branch label, when
// narration is enabled.
func (c *Controller) narrate(log *slog.Logger, answers []Answer) {
	if c.narrator == nil || !c.settings.NarrationEnabled() {
		return
	}
	for _, a := range answers {
		if !c.narrator.Enqueue(a.Label + ": " + a.Text) {
			log.Debug("narration rejected", "branch", a.Label)
		}
	}
}

// outcomeLabel maps a run error to a low-cardinality metric attribute.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrOCRCallFailed), errors.Is(err, ErrOCRAllEmpty):
		return "ocr_failed"
	case errors.Is(err, ErrAnalysisCallFailed), errors.Is(err, ErrAnalysisNoOutput):
		return "analysis_failed"
	case errors.Is(err, ErrFanoutCallFailed):
		return "fanout_failed"
	}
	return "error"
}
