// Package server defines the wire frames exchanged over the realtime channel
// and utility helpers reused across client, hub, and relay logic.
package server

import (
	"strings"

	"github.com/Tyrowin/relaychat/internal/store"
)

// Frame type names. The client sends login and private-message; the server
// sends online-users, message-history, private-message, and error.
const (
	FrameLogin          = "login"
	FramePrivateMessage = "private-message"
	FrameOnlineUsers    = "online-users"
	FrameMessageHistory = "message-history"
	FrameError          = "error"
)

// ClientFrame is the envelope for every frame a client sends. Fields beyond
// Type are populated depending on the frame type.
type ClientFrame struct {
	Type  string `json:"type"`
	Email string `json:"email,omitempty"`
	To    string `json:"to,omitempty"`
	Text  string `json:"text,omitempty"`
}

// OnlineUsersFrame carries the full online-identifier set after any presence
// change. Latest state wins; there is no acknowledgement or retry.
type OnlineUsersFrame struct {
	Type   string   `json:"type"`
	Online []string `json:"online"`
}

// MessageHistoryFrame replays the retention window of a user's message
// sequence immediately after a successful login.
type MessageHistoryFrame struct {
	Type     string          `json:"type"`
	Messages []store.Message `json:"messages"`
}

// PrivateMessageFrame is delivered to the recipient's live connection and
// echoed back to the sender as a send confirmation.
type PrivateMessageFrame struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame is sent before the server closes a connection it refuses.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
