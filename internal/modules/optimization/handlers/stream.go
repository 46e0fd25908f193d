package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/markowitz/internal/modules/optimization"
	"nhooyr.io/websocket"
)

const streamWriteTimeout = 10 * time.Second

// StreamMessage is one websocket message of a frontier stream.
type StreamMessage struct {
	Type     string                      `json:"type"` // point, done or error
	Point    *optimization.FrontierPoint `json:"point,omitempty"`
	Points   int                         `json:"points,omitempty"`
	Attained int                         `json:"attained,omitempty"`
	Error    string                      `json:"error,omitempty"`
	Status   int                         `json:"status,omitempty"`
}

// HandleFrontierStream handles GET /api/optimization/frontier/stream.
// The client sends one OptimizationRequest; every solved point is sent back
// as it completes, followed by a final done message.
func (h *Handler) HandleFrontierStream(w http.ResponseWriter, r *http.Request) {
	// The server write timeout would otherwise outlive the upgrade and cut a
	// long sweep; each message gets its own deadline instead.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.log.Debug().Err(err).Msg("Could not clear write deadline")
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to accept websocket")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected exit")

	conn.SetReadLimit(maxRequestBytes)
	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		h.log.Debug().Err(err).Msg("Frontier stream closed before request")
		return
	}

	var req OptimizationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendStream(ctx, conn, StreamMessage{Type: "error", Error: "Invalid request body: " + err.Error(), Status: http.StatusBadRequest})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	stats, err := req.statistics(h.log)
	if err != nil {
		h.sendStreamError(ctx, conn, err)
		return
	}

	curve, err := h.service.Solver().EfficientFrontierStream(ctx, stats, req.options(h.defaults), func(p optimization.FrontierPoint) {
		h.sendStream(ctx, conn, StreamMessage{Type: "point", Point: &p})
	})
	if err != nil {
		h.sendStreamError(ctx, conn, err)
		return
	}

	h.sendStream(ctx, conn, StreamMessage{Type: "done", Points: len(curve.Points), Attained: curve.Attained()})
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) sendStreamError(ctx context.Context, conn *websocket.Conn, err error) {
	status, _ := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Frontier stream failed")
		msg = "Internal error"
	}
	h.sendStream(ctx, conn, StreamMessage{Type: "error", Error: msg, Status: status})
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) sendStream(ctx context.Context, conn *websocket.Conn, msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode stream message")
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.log.Debug().Err(err).Str("type", msg.Type).Msg("Failed to write stream message")
	}
}
