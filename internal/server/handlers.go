package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/MrWong99/lectora/internal/observe"
	"github.com/MrWong99/lectora/internal/ocr"
	"github.com/MrWong99/lectora/internal/pipeline"
	"github.com/MrWong99/lectora/internal/reqtrace"
	"github.com/MrWong99/lectora/internal/stage"
)

// multipartMemory is the part of an upload kept in memory; the rest spills
// to temporary files.
const multipartMemory = 8 << 20

// imageField is the multipart field name carrying run images.
const imageField = "image"

type errorBody struct {
	Error string `json:"error"`
}

type stagesBody struct {
	State  pipeline.State `json:"state"`
	Stages []stage.Stage  `json:"stages"`
}

type requestsBody struct {
	Requests []reqtrace.Record `json:"requests"`
}

// handleRun runs the pipeline over the uploaded images and replies with the
// result once the run has ended. The run is detached from the request so a
// client disconnect does not abort it; use DELETE /v1/runs/current instead.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Error: fmt.Sprintf("upload exceeds %d bytes", tooBig.Limit),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart body: " + err.Error()})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	images, err := readImages(r.MultipartForm.File[imageField])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	res, err := s.runner.Run(context.WithoutCancel(r.Context()), images)
	status := runStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("run request failed", "err", err, "status", status)
	}
	writeJSON(w, status, res)
}

// readImages encodes every uploaded file in order.
func readImages(files []*multipart.FileHeader) ([]ocr.Image, error) {
	images := make([]ocr.Image, 0, len(files))
	for i, fh := range files {
		data, err := readFile(fh)
		if err != nil {
			return nil, fmt.Errorf("read image %d (%s): %w", i+1, fh.Filename, err)
		}
		label := fh.Filename
		if label == "" {
			label = fmt.Sprintf("image %d", i+1)
		}
		images = append(images, ocr.FromBytes(data, label))
	}
	return images, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// runStatus maps a run error to an HTTP status code.
func runStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pipeline.ErrBatchEmpty):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrRunInProgress), errors.Is(err, pipeline.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrMissingSetting):
		return http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrOCRAllEmpty), errors.Is(err, pipeline.ErrAnalysisNoOutput):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.runner.Cancel() {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no run in progress"})
		return
	}
	observe.Logger(r.Context()).Info("run cancel requested")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLast(w http.ResponseWriter, _ *http.Request) {
	res, ok := s.runner.LastResult()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no run has finished yet"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stagesBody{
		State:  s.runner.State(),
		Stages: nonNil(s.runner.Stages().Snapshot()),
	})
}

func (s *Server) handleRequests(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, requestsBody{Requests: nonNil(s.runner.Tracer().Snapshot())})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
