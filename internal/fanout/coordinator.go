// Package fanout asks two answering endpoints the same question at once and
// extracts an answer from each.
//
// Both calls are recorded in the request log before either is sent, so the
// log reflects dispatch order; they then settle independently. The result is
// all-or-nothing: if either call fails the coordinator fails and no answer is
// returned, even one that had already arrived.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectora/internal/extract"
	"github.com/MrWong99/lectora/internal/flow"
	"github.com/MrWong99/lectora/internal/observe"
	"github.com/MrWong99/lectora/internal/remote"
)

// Branch is one answering endpoint.
type Branch struct {
	// Label identifies the branch in traces and narration, e.g. "Flow A".
	Label string
	URL   string
}

// Answer is the outcome of one branch. Found is false when the response
// carried no answer, which is not an error.
type Answer struct {
	Label string `json:"label"`
	Text  string `json:"text,omitempty"`
	Found bool   `json:"found"`
}

// Result holds the answers of both branches in branch order.
type Result struct {
	Answers [2]Answer
}

// Found returns the answers that are present, in branch order.
func (r Result) Found() []Answer {
	var out []Answer
	for _, a := range r.Answers {
		if a.Found {
			out = append(out, a)
		}
	}
	return out
}

// BranchError reports a failed branch call.
type BranchError struct {
	Label string
	Err   error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("fanout: %s: %v", e.Label, e.Err)
}

func (e *BranchError) Unwrap() error { return e.Err }

// Coordinator runs fan-outs. It is safe for concurrent use.
type Coordinator struct {
	flows *flow.Client
}

// New returns a coordinator that calls through flows.
func New(flows *flow.Client) *Coordinator {
	return &Coordinator{flows: flows}
}

// Run asks a and b the question concurrently and waits for both. When any
// call fails, the returned error joins one [*BranchError] per failed branch.
func (c *Coordinator) Run(ctx context.Context, question string, a, b Branch) (Result, error) {
	branches := [2]Branch{a, b}
	calls := [2]*remote.Call{
		c.flows.Begin(a.Label, a.URL, question),
		c.flows.Begin(b.Label, b.URL, question),
	}

	log := observe.Logger(ctx)
	var (
		res  Result
		errs [2]error
		g    errgroup.Group
	)
	for i, br := range branches {
		g.Go(func() error {
			resp, err := calls[i].Do(ctx)
			if err != nil {
				errs[i] = &BranchError{Label: br.Label, Err: err}
				return errs[i]
			}
			text, ok := extract.Lectura(resp.JSON)
			res.Answers[i] = Answer{Label: br.Label, Text: text, Found: ok}
			log.Debug("fan-out branch settled", "branch", br.Label, "status", resp.Status, "answer", ok)
			return nil
		})
	}
	// Wait reports only the first error; both are collected above.
	_ = g.Wait()

	if err := errors.Join(errs[0], errs[1]); err != nil {
		return Result{}, err
	}
	return res, nil
}
