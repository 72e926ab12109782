package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatbridge/internal/broadcast"
	logx "chatbridge/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by CORS and the bearer token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// observer streams session events to one WebSocket peer.
type observer struct {
	id     string
	conn   *websocket.Conn
	events <-chan broadcast.Event
	log    logx.Logger
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())

	// Subscribe before upgrading so a stopped supervisor still gets a
	// proper HTTP error.
	events, unsub, err := s.deps.Session.Observe(ctx, s.cfg.ObserverBuffer)
	if err != nil {
		cancel()
		fail(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsub()
		cancel()
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}

	o := &observer{
		id:     uuid.New().String(),
		conn:   conn,
		events: events,
	}
	o.log = s.log.With(logx.String("observer", o.id))
	o.log.Info("observer connected", logx.String("remote", r.RemoteAddr))

	go func() {
		defer cancel()
		o.readPump()
	}()
	o.writePump(ctx)

	cancel()
	unsub()
	_ = conn.Close()
	o.log.Info("observer disconnected")
}

// readPump discards client frames; it exists to process control frames and
// notice when the peer goes away.
func (o *observer) readPump() {
	o.conn.SetReadLimit(maxMessageSize)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				o.log.Debug("observer read failed", logx.Err(err))
			}
			return
		}
	}
}

func (o *observer) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = o.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return

		case ev, ok := <-o.events:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteJSON(ev); err != nil {
				o.log.Debug("observer write failed", logx.Err(err))
				return
			}

		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
