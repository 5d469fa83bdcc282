// Package flow calls the reasoning service's flow endpoints. Every endpoint
// takes {"question": "..."} and answers with JSON or plain text.
package flow

import (
	"context"
	"errors"

	"github.com/MrWong99/lectora/internal/extract"
	"github.com/MrWong99/lectora/internal/remote"
)

// ErrNoOutput is returned by [Client.Analyze] when the response carries no
// usable output.
var ErrNoOutput = errors.New("flow: no output found in analysis response")

// Question is the request payload shared by all flow endpoints.
type Question struct {
	Question string `json:"question"`
}

// Client issues flow calls through a traced [remote.Client].
type Client struct {
	rc *remote.Client
}

// New returns a flow client using rc.
func New(rc *remote.Client) *Client {
	return &Client{rc: rc}
}

// Analyze sends text to the analysis endpoint and returns the derived
// question. HTTP status is recorded but not checked; the call fails only on
// transport errors, malformed JSON, or when no output can be extracted.
func (c *Client) Analyze(ctx context.Context, url, text string) (string, error) {
	resp, err := c.rc.PostJSON(ctx, remote.Request{
		Name: "Analysis",
		Kind: "analysis",
		URL:  url,
		Body: Question{Question: text},
	})
	if err != nil {
		return "", err
	}
	out, ok := extract.Generic(resp.JSON)
	if !ok {
		return "", ErrNoOutput
	}
	return out, nil
}

// Begin records an answering call without sending it. The caller performs
// it with [remote.Call.Do].
func (c *Client) Begin(name, url, question string) *remote.Call {
	return c.rc.Start(remote.Request{
		Name: name,
		Kind: "answer",
		URL:  url,
		Body: Question{Question: question},
	})
}
