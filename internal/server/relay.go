// Package server implements the relay engine: the login gate, private-message
// routing with sender echo, history replay, and presence cleanup.
package server

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/store"
)

// unauthorizedMessage is sent in the error frame before a refused connection
// is closed.
const unauthorizedMessage = "Unauthorized"

// opTimeout bounds directory lookups and store operations so no frame can
// block its connection's read loop indefinitely.
const opTimeout = 5 * time.Second

// AccountDirectory answers whether an identifier names a known, verified
// account. It is an external collaborator; the relay only queries it.
type AccountDirectory interface {
	Exists(ctx context.Context, email string) (bool, error)
	IsVerified(ctx context.Context, email string) (bool, error)
}

// MessageLog persists delivered messages and replays a user's recent sequence.
type MessageLog interface {
	Append(ctx context.Context, from, to, text string, ts int64) error
	RecentFor(ctx context.Context, owner string, since int64) ([]store.Message, error)
}

// Relay drives the per-connection protocol state machine. Each handler runs on
// the read pump of the connection that produced the frame, so frames from one
// client are always processed in order.
type Relay struct {
	hub       *Hub
	directory AccountDirectory
	messages  MessageLog
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewRelay wires the relay engine to its collaborators.
func NewRelay(hub *Hub, directory AccountDirectory, messages MessageLog, retention time.Duration, log *zap.Logger) *Relay {
	return &Relay{
		hub:       hub,
		directory: directory,
		messages:  messages,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// HandleLogin admits an unauthenticated connection into the relay. On success
// the connection is registered for routing (replacing any prior entry for the
// same identifier), receives its message history for the retention window, and
// the online-users set is broadcast. On failure the client is told and the
// connection is closed.
func (r *Relay) HandleLogin(c *Client, frame ClientFrame) {
	if c.email != "" {
		r.log.Warn("ignoring login on authenticated connection",
			zap.String("user", c.email), zap.String("addr", c.addr))
		metrics.FramesDropped.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	email := frame.Email
	if !r.authorize(ctx, email) {
		metrics.LoginFailures.Inc()
		r.log.Info("login rejected", zap.String("user", email), zap.String("addr", c.addr))
		c.sendJSON(ErrorFrame{Type: FrameError, Message: unauthorizedMessage})
		// Closing the send channel flushes the queued error frame first.
		r.hub.dropConn(c)
		return
	}

	c.email = email
	r.hub.Register(email, c)

	since := r.now().Add(-r.retention).UnixMilli()
	history, err := r.messages.RecentFor(ctx, email, since)
	if err != nil {
		metrics.StorageFailures.Inc()
		r.log.Error("history replay failed", zap.String("user", email), zap.Error(err))
		history = []store.Message{}
	}
	c.sendJSON(MessageHistoryFrame{Type: FrameMessageHistory, Messages: history})

	r.hub.BroadcastOnlineUsers()
}

// authorize checks the identifier against the account directory. Lookup
// failures reject the login rather than admitting an unverified connection.
func (r *Relay) authorize(ctx context.Context, email string) bool {
	if email == "" {
		return false
	}

	exists, err := r.directory.Exists(ctx, email)
	if err != nil {
		r.log.Error("directory lookup failed", zap.String("user", email), zap.Error(err))
		return false
	}
	if !exists {
		return false
	}

	verified, err := r.directory.IsVerified(ctx, email)
	if err != nil {
		r.log.Error("directory lookup failed", zap.String("user", email), zap.Error(err))
		return false
	}
	return verified
}

// HandlePrivateMessage persists an accepted message under both parties, then
// delivers it to the recipient's live connection if one exists and echoes it
// back to the sender as a send confirmation. Invalid frames are dropped
// without surfacing an error to the sender.
func (r *Relay) HandlePrivateMessage(c *Client, frame ClientFrame) {
	if c.email == "" || frame.To == "" || frame.Text == "" {
		r.log.Debug("dropping invalid private message", zap.String("addr", c.addr))
		metrics.FramesDropped.Inc()
		return
	}

	ts := r.now().UnixMilli()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// Write-through before any delivery: a message that was not persisted is
	// neither routed nor echoed.
	if err := r.messages.Append(ctx, c.email, frame.To, frame.Text, ts); err != nil {
		metrics.StorageFailures.Inc()
		r.log.Error("message persist failed",
			zap.String("from", c.email), zap.String("to", frame.To), zap.Error(err))
		return
	}

	payload, err := json.Marshal(PrivateMessageFrame{
		Type:      FramePrivateMessage,
		From:      c.email,
		To:        frame.To,
		Text:      frame.Text,
		Timestamp: ts,
	})
	if err != nil {
		r.log.Error("failed to encode private-message frame", zap.Error(err))
		return
	}

	if recipient, ok := r.hub.Get(frame.To); ok {
		// A connection that closed but was not yet reaped is a no-op here.
		if !r.hub.safeSend(recipient, payload) {
			r.log.Debug("recipient connection stale, delivery dropped",
				zap.String("to", frame.To))
		}
	} else {
		metrics.DeliveriesOffline.Inc()
	}

	r.hub.safeSend(c, payload)
	metrics.MessagesRelayed.Inc()
}

// HandleDisconnect removes the connection's presence entry if it is still the
// current one for its identifier and broadcasts the updated online set.
// Idempotent; called for every connection teardown.
func (r *Relay) HandleDisconnect(c *Client) {
	if c.email == "" {
		return
	}
	if r.hub.Unregister(c.email, c) {
		r.hub.BroadcastOnlineUsers()
	}
}
