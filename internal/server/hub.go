// Package server coordinates presence tracking, online-users broadcast, and
// connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/metrics"
)

// Hub is the presence registry: the single source of truth for which users
// currently hold an open, authenticated connection. It also tracks every live
// connection (authenticated or not) so shutdown can drain them, and pushes the
// online-users set to all clients whenever membership changes.
type Hub struct {
	mu    sync.RWMutex
	conns map[*Client]struct{} // every live connection
	users map[string]*Client   // identifier -> current connection

	log *zap.Logger
	wg  sync.WaitGroup
}

// NewHub creates and initializes a new Hub instance.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns: make(map[*Client]struct{}),
		users: make(map[string]*Client),
		log:   log,
	}
}

// StartClient admits a new connection and launches its read and write pumps.
// The pumps are tracked so Shutdown can wait for them.
func (h *Hub) StartClient(client *Client) {
	h.mu.Lock()
	client.closed = false
	h.conns[client] = struct{}{}
	connCount := len(h.conns)
	h.mu.Unlock()
	h.log.Info("client connected", zap.String("addr", client.addr), zap.Int("conns", connCount))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// dropConn removes the connection from the live set and closes its send
// channel. Idempotent; safe to call from both the relay and the read pump.
func (h *Hub) dropConn(client *Client) {
	h.mu.Lock()
	if _, ok := h.conns[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, client)
	client.closed = true
	connCount := len(h.conns)
	h.mu.Unlock()
	// Close the channel after releasing the lock
	close(client.send)
	h.log.Info("client disconnected", zap.String("addr", client.addr), zap.Int("conns", connCount))
}

// Register binds email to client, replacing any prior entry for the same
// identifier. The replaced connection is not closed; it simply stops being
// routable (sends to it become best-effort no-ops).
func (h *Hub) Register(email string, client *Client) {
	h.mu.Lock()
	prev := h.users[email]
	h.users[email] = client
	userCount := len(h.users)
	h.mu.Unlock()

	metrics.OnlineConns.Set(float64(userCount))
	if prev != nil && prev != client {
		h.log.Info("presence entry superseded", zap.String("user", email), zap.String("addr", client.addr))
		return
	}
	h.log.Info("user online", zap.String("user", email), zap.Int("online", userCount))
}

// Unregister removes the presence entry for email only if it still points at
// client, so a stale disconnect never evicts a newer login. Reports whether an
// entry was removed.
func (h *Hub) Unregister(email string, client *Client) bool {
	h.mu.Lock()
	current, ok := h.users[email]
	if !ok || current != client {
		h.mu.Unlock()
		return false
	}
	delete(h.users, email)
	userCount := len(h.users)
	h.mu.Unlock()

	metrics.OnlineConns.Set(float64(userCount))
	h.log.Info("user offline", zap.String("user", email), zap.Int("online", userCount))
	return true
}

// Get returns the current connection for email, if any.
func (h *Hub) Get(email string) (*Client, bool) {
	h.mu.RLock()
	client, ok := h.users[email]
	h.mu.RUnlock()
	return client, ok
}

// Snapshot returns the identifiers of all currently registered users, sorted.
func (h *Hub) Snapshot() []string {
	h.mu.RLock()
	online := make([]string, 0, len(h.users))
	for email := range h.users {
		online = append(online, email)
	}
	h.mu.RUnlock()

	sort.Strings(online)
	return online
}

// Len returns the number of registered users.
func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.users)
	h.mu.RUnlock()
	return n
}

func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("recovered from panic in safeSend", zap.Any("panic", r))
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Check if the connection is still live and not closed
	if _, exists := h.conns[client]; !exists || client.closed {
		return false
	}

	// Try to send the payload (channel might be closed, so we need to recover from panic)
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// BroadcastOnlineUsers pushes the current online-identifier set to every
// registered connection. Delivery is best-effort: a failure to one connection
// does not stop the broadcast, and a client that misses one update gets the
// next one triggered by any subsequent presence change.
func (h *Hub) BroadcastOnlineUsers() {
	online := h.Snapshot()
	payload, err := json.Marshal(OnlineUsersFrame{Type: FrameOnlineUsers, Online: online})
	if err != nil {
		h.log.Error("failed to encode online-users frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users))
	for _, client := range h.users {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		h.safeSend(client, payload)
	}
	metrics.Broadcasts.Inc()
	h.log.Debug("broadcast online users", zap.Int("online", len(online)))
}

// Shutdown gracefully closes all live connections and waits for their pump
// goroutines to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("shutting down client connections")

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.conns))
	for client := range h.conns {
		clients = append(clients, client)
	}
	h.users = make(map[string]*Client)
	h.mu.Unlock()
	metrics.OnlineConns.Set(0)

	// Close all transports; the pumps unwind from the resulting read errors.
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					h.log.Warn("error closing client connection",
						zap.String("addr", client.addr), zap.Error(err))
				}
			}
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed", zap.Int("closed", len(clients)))
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
