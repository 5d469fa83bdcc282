// Package mathpix is an [ocr.Recognizer] for text recognition services
// speaking the Mathpix v3/text wire format.
//
// Request:  POST {"src": "data:<mime>;base64,...", "formats": ["text"]}
// with app_id and app_key headers. Response: {"text": "..."} on success; a
// non-2xx status or a non-empty "error" field signals failure.
package mathpix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/lectora/internal/ocr"
	"github.com/MrWong99/lectora/internal/remote"
)

// ErrNotJSON is returned when the service answers with a non-JSON body.
var ErrNotJSON = errors.New("mathpix: response is not JSON")

// ServiceError carries the error reported in a response body.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string { return "mathpix: " + e.Message }

type request struct {
	Src     string   `json:"src"`
	Formats []string `json:"formats"`
}

type response struct {
	Text  string          `json:"text"`
	Error json.RawMessage `json:"error"`
}

// Client submits images through a traced [remote.Client].
type Client struct {
	rc *remote.Client
}

var _ ocr.Recognizer = (*Client)(nil)

// New returns a recognizer using rc.
func New(rc *remote.Client) *Client {
	return &Client{rc: rc}
}

// Recognize implements [ocr.Recognizer].
func (c *Client) Recognize(ctx context.Context, ep ocr.Endpoint, img ocr.Image, index int) (string, error) {
	call := c.rc.Start(remote.Request{
		Name: fmt.Sprintf("OCR image %d", index),
		Kind: "ocr",
		URL:  ep.URL,
		Headers: map[string]string{
			"app_id":  ep.AppID,
			"app_key": ep.AppKey,
		},
		Body: request{Src: img.Payload, Formats: []string{"text"}},
	})
	resp, err := call.Do(ctx)
	if err != nil {
		return "", err
	}
	if err := resp.Err(); err != nil {
		call.Fail(err)
		return "", err
	}
	if !resp.IsJSON() {
		call.Fail(ErrNotJSON)
		return "", ErrNotJSON
	}

	var body response
	if err := json.Unmarshal(resp.JSON, &body); err != nil {
		err = fmt.Errorf("mathpix: decode response: %w", err)
		call.Fail(err)
		return "", err
	}
	if msg := errorMessage(body.Error); msg != "" {
		err := &ServiceError{Message: msg}
		call.Fail(err)
		return "", err
	}
	return body.Text, nil
}

// errorMessage renders the "error" field. It may be a string or an object;
// null, false and "" mean no error.
func errorMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")), bytes.Equal(raw, []byte("false")):
		return ""
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return string(raw)
		}
		return strings.TrimSpace(s)
	}
	return string(raw)
}
