// Package chat implements the client core for the MongMate chat service:
// wire types, the REST client, the STOMP/WebSocket connection manager,
// room subscriptions, and the per-room reconciliation session.
package chat

import (
	"fmt"
	"strconv"

	"github.com/mongmate/chatsync/internal/state"
)

// WireMessage is the server form of a chat message. Seq is assigned by
// the server and is only present on REST responses; live STOMP frames
// carry the same shape without it.
type WireMessage struct {
	RoomID    string `json:"roomId"`
	Seq       int64  `json:"seq,omitempty"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Cached converts the wire form to the local cache form. The server seq
// is the natural id when present; live frames fall back to a key derived
// from timestamp, sender, and content.
func (w WireMessage) Cached() state.Message {
	id := FallbackID(w.Timestamp, w.UserID, w.Content)
	if w.Seq > 0 {
		id = strconv.FormatInt(w.Seq, 10)
	}

	return state.Message{
		ID:        id,
		UserID:    w.UserID,
		Content:   w.Content,
		Timestamp: w.Timestamp,
	}
}

// FallbackID derives a cache key for messages that have no server seq.
// Two genuinely identical messages from the same user in the same
// millisecond collide; accepted as an operationally negligible gap.
func FallbackID(timestamp int64, userID, content string) string {
	return fmt.Sprintf("%d-%s-%s", timestamp, userID, content)
}

// LocalID derives a cache key for an optimistic self-sent message that
// has not yet been confirmed by the server. The merge pass later
// coalesces it with the server echo.
func LocalID(timestamp int64, userID, content string) string {
	return "local-" + FallbackID(timestamp, userID, content)
}

// SendPayload is the outgoing publish body. The server assigns seq and
// timestamp on receipt.
type SendPayload struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"userId"`
	Content string `json:"content"`
}
