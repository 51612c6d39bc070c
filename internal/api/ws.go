package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/numberforty/legal-case-pro/internal/bus"
	"github.com/numberforty/legal-case-pro/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure CORS for production)
	},
}

// wsFrame is the JSON protocol pushed to feed clients.
type wsFrame struct {
	Type    string    `json:"type"` // "status" | "message"
	Payload bus.Event `json:"payload"`
}

// handleWS streams bridge events to the client. The feed is push-only; the
// read loop exists to detect disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	var writeMu sync.Mutex
	send := func(f wsFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(f); err != nil {
			s.logger.Debug("websocket write failed", "err", err)
		}
	}

	subID := s.bus.On("*", func(ev bus.Event) {
		kind := "message"
		if ev.Type == bus.EventStatusChanged {
			kind = "status"
		}
		send(wsFrame{Type: kind, Payload: ev})
	})

	metrics.WSClients.Inc()
	s.logger.Info("websocket feed client connected", "remote", r.RemoteAddr)

	// Seed the client with the current status so it never starts blind.
	st := s.manager.GetStatus()
	send(wsFrame{Type: "status", Payload: bus.Event{Type: bus.EventStatusChanged, Status: &st}})

	defer func() {
		s.bus.Off("*", subID)
		metrics.WSClients.Dec()
		conn.Close()
		s.logger.Info("websocket feed client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "err", err)
			}
			return
		}
	}
}
