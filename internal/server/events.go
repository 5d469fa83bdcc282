package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/lectora/internal/observe"
	"github.com/MrWong99/lectora/internal/pipeline"
	"github.com/MrWong99/lectora/internal/reqtrace"
	"github.com/MrWong99/lectora/internal/stage"
)

// writeTimeout bounds a single event write to a slow client.
const writeTimeout = 5 * time.Second

// Event message types.
const (
	MessageSnapshot = "snapshot"
	MessageStages   = "stages"
	MessageRequest  = "request"
)

// Message is one frame of the /v1/events stream. The first frame is always a
// snapshot carrying both stage and request state; later frames carry the
// field matching their type.
type Message struct {
	Type     string            `json:"type"`
	State    pipeline.State    `json:"state"`
	Stages   []stage.Stage     `json:"stages,omitempty"`
	Requests []reqtrace.Record `json:"requests,omitempty"`
	Request  *reqtrace.Event   `json:"request,omitempty"`
}

// handleEvents upgrades to a WebSocket and streams stage and request events
// until the client goes away or the server shuts down. Frames from the client
// are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		log.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Subscribe before taking the snapshot so no change falls in between.
	stagesCh, cancelStages := s.runner.Stages().Subscribe()
	defer cancelStages()
	reqCh, cancelReqs := s.runner.Tracer().Subscribe()
	defer cancelReqs()

	ctx := conn.CloseRead(r.Context())
	send := func(m Message) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, m)
	}

	err = send(Message{
		Type:     MessageSnapshot,
		State:    s.runner.State(),
		Stages:   s.runner.Stages().Snapshot(),
		Requests: s.runner.Tracer().Snapshot(),
	})
	if err != nil {
		return
	}
	log.Debug("event stream opened")

	for {
		var msg Message
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-stagesCh:
			if !ok {
				return
			}
			msg = Message{Type: MessageStages, State: s.runner.State(), Stages: ev.Stages}
		case ev, ok := <-reqCh:
			if !ok {
				return
			}
			msg = Message{Type: MessageRequest, State: s.runner.State(), Request: &ev}
		}
		if err := send(msg); err != nil {
			log.Debug("event stream closed", "err", err)
			return
		}
	}
}
