package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Zetaphor/freespeak/internal/bridge"
	"github.com/Zetaphor/freespeak/internal/segmenter"
)

// Command is a client request over the WebSocket.
type Command struct {
	Action string `json:"action"`
}

// StateMessage announces the pipeline state, pushed on connect and on
// every transition.
type StateMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Recording bool   `json:"recording"`
}

// TranscriptMessage carries a completed transcription.
type TranscriptMessage struct {
	Type      string `json:"type"`
	SegmentID string `json:"segment_id"`
	Text      string `json:"text"`
}

// ErrorMessage reports a rejected command.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Hub serves the WebSocket control surface: it accepts toggle/start/
// stop commands and pushes state changes and transcription results to
// every connected client. Wire it to the controller and bridge with
// NotifyState and NotifyResult.
type Hub struct {
	logger     *slog.Logger
	controller *segmenter.Controller

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates a hub with no connections.
func NewHub(logger *slog.Logger, controller *segmenter.Controller) *Hub {
	return &Hub{
		logger:     logger,
		controller: controller,
		conns:      make(map[*websocket.Conn]struct{}),
	}
}

// HandleWS upgrades the request and serves the connection until the
// client disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept error", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	ctx := r.Context()
	h.logger.Info("websocket connected", slog.String("remote", r.RemoteAddr))

	// New clients learn the current state immediately.
	status := h.controller.GetStatus()
	_ = wsjson.Write(ctx, conn, StateMessage{
		Type:      "state",
		State:     status.State,
		Recording: status.Recording,
	})

	for {
		var cmd Command
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			h.logger.Debug("websocket read error", slog.String("error", err.Error()))
			return
		}

		h.handleCommand(ctx, conn, cmd)
	}
}

func (h *Hub) handleCommand(ctx context.Context, conn *websocket.Conn, cmd Command) {
	var err error
	switch cmd.Action {
	case "toggle":
		err = h.controller.Toggle()
	case "start":
		err = h.controller.Start()
	case "stop":
		err = h.controller.Stop()
	case "status":
		status := h.controller.GetStatus()
		_ = wsjson.Write(ctx, conn, StateMessage{
			Type:      "state",
			State:     status.State,
			Recording: status.Recording,
		})
		return
	default:
		_ = wsjson.Write(ctx, conn, ErrorMessage{
			Type:    "error",
			Message: "unknown action '" + cmd.Action + "'",
		})
		return
	}

	if err != nil {
		_ = wsjson.Write(ctx, conn, ErrorMessage{
			Type:    "error",
			Message: err.Error(),
		})
	}
	// State transitions reach the client through NotifyState, so a
	// successful command needs no direct reply.
}

// NotifyState pushes a state transition to every client. Register it
// with the controller's AddStateListener.
func (h *Hub) NotifyState(state segmenter.State) {
	msg := StateMessage{
		Type:      "state",
		State:     state.String(),
		Recording: state == segmenter.Active || state == segmenter.SpeechDetected,
	}
	h.broadcast(msg)
}

// NotifyResult pushes a transcription result to every client. Register
// it with the bridge's AddResultListener.
func (h *Hub) NotifyResult(res bridge.Result) {
	msg := TranscriptMessage{
		Type:      "transcript",
		SegmentID: res.SegmentID,
		Text:      res.Text,
	}
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.conns {
		go func(c *websocket.Conn) {
			_ = wsjson.Write(context.Background(), c, msg)
		}(conn)
	}
}
