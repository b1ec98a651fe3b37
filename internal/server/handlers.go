// Package server exposes HTTP handlers, including WebSocket upgrades and
// health checks.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler returns the handler for WebSocket upgrade requests. It
// validates the request method and origin, upgrades the connection, and hands
// the new client to the hub, which launches its read/write pumps. The client
// starts unauthenticated; the relay admits it on a successful login frame.
func WebSocketHandler(hub *Hub, relay *Relay, log *zap.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if isOriginAllowed(r) {
				return true
			}
			log.Warn("blocked websocket connection from disallowed origin",
				zap.String("origin", r.Header.Get("Origin")))
			return false
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(conn, hub, relay, r.RemoteAddr, log)
		hub.StartClient(client)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}
