package server

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The protocol carries its own authentication; browser origin checks
	// add nothing for non-browser clients
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades an HTTP request and runs the message loop over
// the WebSocket connection, one text message per protocol frame.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	safeConn := NewSafeConn(newWSTransport(conn, s.config.MaxFrameBytes, s.config.SendTimeout))
	sess := s.sessions.CreateSession(safeConn, r.RemoteAddr, "websocket")
	s.auth.Open(sess.ID)

	debugLog.Printf("New websocket connection from %s (session %d)", sess.RemoteAddr, sess.ID)
	s.messageLoop(sess)
}
