package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/traceflow/traceflow/internal/hub"
	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/normalize"
)

const (
	// writeWait bounds one frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead. Pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream carries no credentials and the API is same-trust; origin
	// checks stay with the deployment's proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsErrorFrame is sent to a client whose pushed event was rejected. The
// connection stays open; one bad event does not end the stream.
type wsErrorFrame struct {
	Error model.ErrorDetail `json:"error"`
}

// HandleStream upgrades to a WebSocket and streams accepted events as JSON
// frames. With ?trace_id= the stream opens with a replay of the trace's
// persisted events and then follows that trace live, without duplicates
// across the boundary. Without it, every accepted event is streamed.
//
// The stream is bidirectional: frames received from the client are treated
// as raw events and ingested, so a producer and a dashboard can share one
// connection.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	traceID := r.URL.Query().Get("trace_id")

	var (
		replay []model.Event
		sub    *hub.Subscription
		err    error
	)
	if traceID != "" {
		replay, sub, err = h.hub.SubscribeTrace(r.Context(), traceID)
		if err != nil {
			h.logger.Error("stream replay failed", "trace_id", traceID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError,
				"failed to replay trace")
			return
		}
	} else {
		sub = h.hub.Subscribe()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &wsSession{
		handlers: h,
		conn:     conn,
		sub:      sub,
		traceID:  traceID,
		outbound: make(chan wsErrorFrame, 8),
		done:     make(chan struct{}),
	}
	go s.readLoop(r)
	s.writeLoop(replay)
}

type wsSession struct {
	handlers *Handlers
	conn     *websocket.Conn
	sub      *hub.Subscription
	traceID  string
	outbound chan wsErrorFrame
	done     chan struct{}
}

// readLoop ingests client-pushed events until the connection drops.
func (s *wsSession) readLoop(r *http.Request) {
	defer close(s.done)

	s.conn.SetReadLimit(s.handlers.maxBody)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var raw model.RawEvent
		if err := s.conn.ReadJSON(&raw); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.handlers.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if _, err := s.handlers.recorder.Record(r.Context(), raw); err != nil {
			s.enqueueError(err)
		}
	}
}

func (s *wsSession) enqueueError(err error) {
	frame := wsErrorFrame{Error: model.ErrorDetail{
		Code:    model.ErrCodeInternalError,
		Message: "failed to accept event",
	}}
	var verr *normalize.ValidationError
	switch {
	case errors.As(err, &verr):
		frame.Error = model.ErrorDetail{Code: model.ErrCodeInvalidInput, Message: verr.Error()}
	case errors.Is(err, hub.ErrOverloaded):
		frame.Error = model.ErrorDetail{Code: model.ErrCodeOverloaded, Message: "event queue full"}
	}
	select {
	case s.outbound <- frame:
	default:
		// Error frames are advisory; shed them before shedding events.
	}
}

// writeLoop owns all writes on the connection: replay, live events,
// rejection frames, and pings.
func (s *wsSession) writeLoop(replay []model.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.sub.Close()
		_ = s.conn.Close()
	}()

	for _, ev := range replay {
		if !s.writeJSON(ev) {
			return
		}
	}

	for {
		select {
		case ev, ok := <-s.sub.Events():
			if !ok {
				// Dropped by the hub for falling behind, or the hub is
				// draining. Tell the client why before hanging up.
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stream lagging"))
				return
			}
			if s.traceID != "" && ev.TraceID != s.traceID {
				continue
			}
			if !s.writeJSON(ev) {
				return
			}
		case frame := <-s.outbound:
			if !s.writeJSON(frame) {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) writeJSON(v any) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v) == nil
}
