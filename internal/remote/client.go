// Package remote performs JSON-over-HTTP calls to the external services and
// records every one of them in a [reqtrace.Tracer].
//
// A call is split in two steps so callers can control dispatch order
// separately from settlement: [Client.Start] appends the trace record and
// [Call.Do] performs the request. The fan-out coordinator relies on this to
// record both branches before either is sent.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lectora/internal/observe"
	"github.com/MrWong99/lectora/internal/reqtrace"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 32 << 20

// ErrMalformedBody is returned when a response claims to be JSON but does
// not parse.
var ErrMalformedBody = errors.New("remote: response body is not valid JSON")

// StatusError reports a non-2xx response. Only callers that gate on status
// (the OCR client) produce it; see [Response.Err].
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, body)
}

// Request describes one outbound POST.
type Request struct {
	// Name is the human-readable label stored in the trace record.
	Name string
	// Kind groups calls for metrics ("ocr", "analysis", "answer").
	Kind    string
	URL     string
	Headers map[string]string
	// Body is marshalled as JSON.
	Body any
}

// Response is a settled call. Exactly one of JSON and Text is meaningful,
// selected by the response content type.
type Response struct {
	Status      int
	ContentType string
	JSON        json.RawMessage
	Text        string
}

// IsJSON reports whether the body was decoded as JSON.
func (r *Response) IsJSON() bool { return r.JSON != nil }

// Err returns a [*StatusError] for non-2xx responses and nil otherwise.
func (r *Response) Err() error {
	if r.Status >= 200 && r.Status < 300 {
		return nil
	}
	body := r.Text
	if r.IsJSON() {
		body = string(r.JSON)
	}
	return &StatusError{Status: r.Status, Body: body}
}

// traceValue is what the request log stores as the response.
func (r *Response) traceValue() any {
	if r.IsJSON() {
		return r.JSON
	}
	return r.Text
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. The default uses an
// otelhttp-instrumented transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each call. Zero disables the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client issues traced calls. It is safe for concurrent use.
type Client struct {
	http    *http.Client
	tracer  *reqtrace.Tracer
	metrics *observe.Metrics
	timeout time.Duration
}

// New returns a client that records into tracer.
func New(tracer *reqtrace.Tracer, opts ...Option) *Client {
	c := &Client{
		tracer:  tracer,
		timeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Tracer returns the request log this client writes to.
func (c *Client) Tracer() *reqtrace.Tracer { return c.tracer }

// Call is a dispatched but not yet performed request.
type Call struct {
	c       *Client
	req     Request
	payload []byte
	err     error
	handle  reqtrace.Handle
}

// Start records req in the request log and returns the pending call.
func (c *Client) Start(req Request) *Call {
	call := &Call{c: c, req: req}
	call.payload, call.err = json.Marshal(req.Body)
	call.handle = c.tracer.Record(req.Name, req.URL, http.MethodPost, req.Headers, req.Body)
	if call.err != nil {
		call.err = fmt.Errorf("remote: %s: encode body: %w", req.Name, call.err)
		c.tracer.Fail(call.handle, call.err.Error())
	}
	return call
}

// Fail marks the call's record as failed with err. Callers use it for
// failures detected after a successful transport round trip, such as an
// error field in the body.
func (call *Call) Fail(err error) {
	call.c.tracer.Fail(call.handle, err.Error())
}

// Do performs the call. Transport failures, cancellations and malformed JSON
// bodies are returned as errors and recorded; any received response is
// settled in the log regardless of status.
func (call *Call) Do(ctx context.Context) (resp *Response, err error) {
	if call.err != nil {
		return nil, call.err
	}
	c := call.c
	req := call.req

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := observe.StartSpan(ctx, "remote."+req.Kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("remote.name", req.Name),
			attribute.String("url.full", req.URL),
		),
	)
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordRemoteCall(ctx, req.Kind, status, time.Since(start))
		if err != nil {
			c.metrics.RecordRemoteError(ctx, req.Kind)
			c.tracer.Fail(call.handle, err.Error())
		}
		observe.EndSpan(span, err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(call.payload))
	if err != nil {
		return nil, fmt.Errorf("remote: %s: build request: %w", req.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.5")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remote: %s: %w", req.Name, err)
	}
	defer httpResp.Body.Close()
	status = strconv.Itoa(httpResp.StatusCode)

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("remote: %s: read body: %w", req.Name, err)
	}

	resp = &Response{
		Status:      httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
	}
	if isJSON(resp.ContentType) {
		if !json.Valid(raw) {
			resp.Text = string(raw)
			c.tracer.Settle(call.handle, resp.Status, resp.Text)
			return nil, fmt.Errorf("remote: %s: %w", req.Name, ErrMalformedBody)
		}
		resp.JSON = json.RawMessage(raw)
	} else {
		resp.Text = string(raw)
	}

	c.tracer.Settle(call.handle, resp.Status, resp.traceValue())
	observe.Logger(ctx).Debug("remote call settled",
		"name", req.Name,
		"kind", req.Kind,
		"status", resp.Status,
		"json", resp.IsJSON(),
	)
	return resp, nil
}

// PostJSON is Start followed by Do.
func (c *Client) PostJSON(ctx context.Context, req Request) (*Response, error) {
	return c.Start(req).Do(ctx)
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
