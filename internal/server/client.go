// Package server manages individual WebSocket connections, handling read/write
// pumps, rate limiting, and lifecycle control for each client.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client represents one live connection to the relay. It owns the WebSocket
// transport and the per-connection state machine: email is empty while the
// connection is unauthenticated and holds the user identifier once the login
// handshake succeeds. All inbound frames are processed sequentially on the
// read pump, and all outbound frames are serialized through the write pump.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	relay          *Relay
	addr           string
	email          string // set by the read pump on successful login
	closed         bool   // guarded by hub.mu
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	log            *zap.Logger
}

// NewClient creates a new Client for the given WebSocket connection. The
// client's send channel is buffered to absorb bursts of outbound frames.
func NewClient(conn *websocket.Conn, hub *Hub, relay *Relay, addr string, log *zap.Logger) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		relay:          relay,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
		log:            log,
	}
}

// sendJSON encodes v and queues it for delivery on this connection.
// Best-effort: reports false if the connection is gone or its queue is full.
func (c *Client) sendJSON(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to encode outbound frame", zap.String("addr", c.addr), zap.Error(err))
		return false
	}
	return c.hub.safeSend(c, payload)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("error setting initial read deadline", zap.String("addr", c.addr), zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("error setting read deadline in pong handler", zap.String("addr", c.addr), zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn("inbound frame exceeded maximum size",
			zap.String("addr", c.addr), zap.Int64("limit", c.maxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Info("client disconnected", zap.String("addr", c.addr), zap.Error(err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Info("client connection closed", zap.String("addr", c.addr), zap.Error(err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn("unexpected websocket error", zap.String("addr", c.addr), zap.Error(err))
		return true
	}

	c.log.Warn("websocket read error", zap.String("addr", c.addr), zap.Error(err))
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the frame should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("rate limit exceeded, discarding frame",
			zap.String("addr", c.addr),
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("refill", c.rateLimit.RefillInterval))
		metrics.FramesDropped.Inc()
		return false
	}
	return true
}

// dispatchFrame decodes one inbound frame and routes it through the relay.
// A frame that cannot be parsed is dropped; the connection stays open.
func (c *Client) dispatchFrame(raw []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Warn("dropping malformed frame", zap.String("addr", c.addr), zap.Error(err))
		metrics.FramesDropped.Inc()
		return
	}

	switch frame.Type {
	case FrameLogin:
		c.relay.HandleLogin(c, frame)
	case FramePrivateMessage:
		c.relay.HandlePrivateMessage(c, frame)
	default:
		c.log.Warn("dropping frame of unknown type",
			zap.String("addr", c.addr), zap.String("type", frame.Type))
		metrics.FramesDropped.Inc()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.dropConn(c)
		c.relay.HandleDisconnect(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				c.log.Warn("error closing connection in readPump", zap.String("addr", c.addr), zap.Error(err))
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if !c.checkRateLimit() {
			continue
		}

		c.dispatchFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("error setting write deadline", zap.String("addr", c.addr), zap.Error(err))
				return
			}

			if !ok {
				c.writeCloseMessage()
				return
			}

			// One frame per WebSocket message; clients parse each message as
			// a single JSON frame.
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Warn("error writing frame", zap.String("addr", c.addr), zap.Error(err))
				}
				return
			}

		case <-ticker.C:
			if !c.handlePing() {
				return
			}
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		// Only log unexpected connection close errors
		if !isExpectedCloseError(err) {
			c.log.Warn("error closing connection in writePump", zap.String("addr", c.addr), zap.Error(err))
		}
	}
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing close message", zap.String("addr", c.addr), zap.Error(err))
		}
	}
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline for ping", zap.String("addr", c.addr), zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing ping message", zap.String("addr", c.addr), zap.Error(err))
		}
		return false
	}
	return true
}
