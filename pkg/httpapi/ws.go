package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pipedash/pipedash/pkg/vault"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsAuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type wsOutboundFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// handleWebSocket upgrades the connection, enforces the first-frame auth
// handshake from spec.md §6 when a password is configured, then forwards
// every event bus message as a server-sent JSON frame until the client
// disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	expected, source := s.session.Password()
	if source != vault.SourceNone && expected != "" {
		var frame wsAuthFrame
		if err := conn.ReadJSON(&frame); err != nil || frame.Type != "auth" || frame.Token != expected {
			s.logger.Debugw("websocket auth handshake failed", "remote", r.RemoteAddr)
			return
		}
	}

	sub := s.bus.Subscribe("")
	defer sub.Close()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			frame := wsOutboundFrame{Type: string(event.Type), Payload: event.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
