package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freshbazaar/cart-engine/internal/engine"
	"github.com/freshbazaar/cart-engine/internal/metrics"
	"github.com/freshbazaar/cart-engine/internal/model"
)

// WSMessage is a JSON message sent to snapshot stream clients.
type WSMessage struct {
	Type     string          `json:"type"` // "snapshot" or "notice"
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
	Count    *int            `json:"count,omitempty"`
	Notice   *engine.Notice  `json:"notice,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS policy is enforced at the router layer.
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// HandleWS handles GET /api/v1/cart/ws: it streams the session's snapshot
// emissions (replaying the latest immediately) and any user-visible notices
// until the client disconnects.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	eng, _, ok := s.session(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	metrics.WebSocketClients.Inc()
	defer metrics.WebSocketClients.Dec()

	snapshots, cancelSnaps := eng.Subscribe()
	notices, cancelNotices := eng.SubscribeNotices()
	defer cancelSnaps()
	defer cancelNotices()

	// Read pump: detect disconnects and keep pong deadlines fresh.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case snap, open := <-snapshots:
			if !open {
				return
			}
			count := snap.TotalCount
			msg := WSMessage{Type: "snapshot", Snapshot: &snap, Count: &count}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case notice, open := <-notices:
			if !open {
				return
			}
			msg := WSMessage{Type: "notice", Notice: &notice}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
