package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/phrazzld/casework/internal/api/shared"
	"github.com/phrazzld/casework/internal/events"
	"github.com/phrazzld/casework/internal/platform/logger"
)

const streamWriteTimeout = 10 * time.Second

// Subscriber opens cursors on task event feeds.
type Subscriber interface {
	Subscribe(taskID string) (*events.Subscription, error)
}

// StreamHandler bridges a task's event feed onto a WebSocket.
type StreamHandler struct {
	stream         Subscriber
	originPatterns []string
}

// NewStreamHandler creates a StreamHandler. originPatterns are passed to the
// WebSocket handshake; same-host upgrades are always accepted.
func NewStreamHandler(stream Subscriber, originPatterns []string) *StreamHandler {
	return &StreamHandler{stream: stream, originPatterns: originPatterns}
}

// Events handles GET /api/tasks/{id}/events. Each record is sent as one JSON
// text message. The optional after query parameter skips retained records a
// reconnecting client has already seen. The socket is closed normally once
// the task's feed ends.
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid after: must be a sequence number")
			return
		}
		after = n
	}

	sub, err := h.stream.Subscribe(id.String())
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		logger.FromContext(r.Context()).Debug("websocket accept failed", "error", err, "task_id", id)
		return
	}
	defer conn.CloseNow()

	log := logger.FromContext(r.Context()).With("task_id", id.String())
	log.Debug("event subscriber connected", "after", after)

	// Clients only listen; CloseRead ends ctx when they hang up.
	ctx := conn.CloseRead(r.Context())

	for {
		rec, err := sub.Next(ctx)
		switch {
		case errors.Is(err, events.ErrStreamEnded):
			conn.Close(websocket.StatusNormalClosure, "stream ended")
			log.Debug("event stream ended", "dropped", sub.Dropped())
			return
		case errors.Is(err, events.ErrSubscriptionClosed):
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case err != nil:
			log.Debug("event subscriber disconnected", "error", err, "dropped", sub.Dropped())
			return
		}

		if rec.Kind != events.KindGap && rec.Sequence <= after {
			continue
		}
		if err := write(ctx, conn, rec); err != nil {
			log.Debug("event write failed", "error", err)
			return
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, rec events.Record) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, rec)
}
