// Package extract derives plain-string answers from reasoning-service
// responses.
//
// The service nests results inside a trace of executed steps:
//
//	{"response": {"agentFlowExecutedData": [..., {"data": {"output": X}}]}}
//
// or the same list at the top level. Only the last step's output matters,
// and X takes one of three shapes depending on the tool that produced it:
// a plain string, an object with a "content" string, or an object whose
// "content" is itself a JSON document. Each shape is decoded into an
// [Output] variant so precedence is explicit.
package extract

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Shape identifies which variant an [Output] holds.
type Shape int

const (
	// ShapeNone means no step output was found.
	ShapeNone Shape = iota
	// ShapeString is a bare JSON string.
	ShapeString
	// ShapeObject is a JSON object.
	ShapeObject
	// ShapeOther is any other JSON value (number, array, bool, null).
	ShapeOther
)

func (s Shape) String() string {
	switch s {
	case ShapeString:
		return "string"
	case ShapeObject:
		return "object"
	case ShapeOther:
		return "other"
	}
	return "none"
}

// Output is the decoded terminal step output.
type Output struct {
	Shape  Shape
	Text   string                     // set for ShapeString
	Fields map[string]json.RawMessage // set for ShapeObject
}

// StringField returns the named field when the output is an object and the
// field is a JSON string.
func (o Output) StringField(name string) (string, bool) {
	if o.Shape != ShapeObject {
		return "", false
	}
	return decodeString(o.Fields[name])
}

type envelope struct {
	Response json.RawMessage `json:"response"`
	Steps    json.RawMessage `json:"agentFlowExecutedData"`
	Text     json.RawMessage `json:"text"`
}

type step struct {
	Data struct {
		Output json.RawMessage `json:"output"`
	} `json:"data"`
}

// Terminal returns the output of the last executed step. The nested
// response.agentFlowExecutedData list takes precedence; the top-level list
// is used when the nested one is missing or empty. A response that is not a
// JSON object yields [ShapeNone].
func Terminal(resp []byte) Output {
	var env envelope
	if err := json.Unmarshal(resp, &env); err != nil {
		return Output{}
	}
	var steps []json.RawMessage
	var nested struct {
		Steps json.RawMessage `json:"agentFlowExecutedData"`
	}
	if json.Unmarshal(env.Response, &nested) == nil {
		steps = decodeSteps(nested.Steps)
	}
	if len(steps) == 0 {
		steps = decodeSteps(env.Steps)
	}
	if len(steps) == 0 {
		return Output{}
	}
	// Earlier steps may have any shape; only the last one is decoded.
	var last step
	if err := json.Unmarshal(steps[len(steps)-1], &last); err != nil {
		return Output{}
	}
	return decodeOutput(last.Data.Output)
}

// Generic extracts the analysis answer: the terminal output when it is a
// string, else its "content" string, else the response's top-level "text"
// string. Blank candidates are skipped.
func Generic(resp []byte) (string, bool) {
	out := Terminal(resp)
	switch out.Shape {
	case ShapeString:
		if notBlank(out.Text) {
			return out.Text, true
		}
	case ShapeObject:
		if s, ok := out.StringField("content"); ok && notBlank(s) {
			return s, true
		}
	}

	var env envelope
	if err := json.Unmarshal(resp, &env); err != nil {
		return "", false
	}
	if s, ok := decodeString(env.Text); ok && notBlank(s) {
		return s, true
	}
	return "", false
}

// Lectura extracts a branch answer: the terminal output's "lectura" string,
// else the "lectura" string inside its JSON-encoded "content". Blank answers
// and malformed content yield no answer rather than an error.
func Lectura(resp []byte) (string, bool) {
	out := Terminal(resp)
	if out.Shape != ShapeObject {
		return "", false
	}
	if s, ok := out.StringField("lectura"); ok && notBlank(s) {
		return s, true
	}
	content, ok := out.StringField("content")
	if !ok {
		return "", false
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &inner); err != nil {
		return "", false
	}
	if s, ok := decodeString(inner["lectura"]); ok && notBlank(s) {
		return s, true
	}
	return "", false
}

func decodeSteps(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var steps []json.RawMessage
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil
	}
	return steps
}

func decodeOutput(raw json.RawMessage) Output {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Output{}
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Output{}
		}
		return Output{Shape: ShapeString, Text: s}
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Output{}
		}
		return Output{Shape: ShapeObject, Fields: fields}
	}
	return Output{Shape: ShapeOther}
}

func decodeString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func notBlank(s string) bool { return strings.TrimSpace(s) != "" }
