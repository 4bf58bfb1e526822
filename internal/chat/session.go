package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mongmate/chatsync/internal/cache"
	"github.com/mongmate/chatsync/internal/state"
)

// RenderFunc receives the messages to display whenever the room's view
// of history changes. Called from OpenRoom's goroutine during open and
// from the connection's reader goroutine for live messages.
type RenderFunc func(msgs []state.Message)

// SessionConfig holds what a room session needs.
type SessionConfig struct {
	RoomID      string
	UserID      string
	RecentLimit int

	API      *Client
	Conn     *Manager
	Messages *cache.Messages
	Rooms    *cache.Rooms
	Render   RenderFunc
	Logger   *slog.Logger
}

// Session is one open chat room. It reconciles cached history with the
// server, mirrors live messages into the cache, and supports optimistic
// sends. Create with OpenRoom, release with Close.
type Session struct {
	roomID      string
	userID      string
	recentLimit int

	api      *Client
	conn     *Manager
	messages *cache.Messages
	rooms    *cache.Rooms
	render   RenderFunc
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	sub    *Subscription
}

// OpenRoom runs the room-open reconciliation flow:
//
//  1. Mark the room most recently used.
//  2. Render cached history immediately, before any network I/O.
//  3. Fetch recent messages from the server; on failure keep the cached
//     view and carry on.
//  4. Merge fetched into cached, persist, and render the merged result.
//  5. Attach a live subscription. Connect or subscribe failures degrade
//     to a cache-only session rather than failing the open.
//  6. Reset the unread count locally and advance the server read cursor.
//
// The session is always usable when OpenRoom returns, even fully
// offline.
func OpenRoom(ctx context.Context, cfg SessionConfig) *Session {
	if cfg.Render == nil {
		cfg.Render = func([]state.Message) {}
	}
	if cfg.RecentLimit < 1 {
		cfg.RecentLimit = 50
	}

	s := &Session{
		roomID:      cfg.RoomID,
		userID:      cfg.UserID,
		recentLimit: cfg.RecentLimit,
		api:         cfg.API,
		conn:        cfg.Conn,
		messages:    cfg.Messages,
		rooms:       cfg.Rooms,
		render:      cfg.Render,
		logger:      cfg.Logger.With(slog.String("room_id", cfg.RoomID)),
	}

	s.rooms.Touch(s.roomID)

	cached := s.messages.Get(s.roomID)
	if len(cached) > 0 {
		s.render(cached)
	}

	fetched, err := s.api.RecentMessages(ctx, s.roomID, s.recentLimit)
	if err != nil {
		s.logger.Warn("recent message fetch failed, serving cached history",
			slog.String("error", err.Error()),
		)
	} else {
		incoming := make([]state.Message, 0, len(fetched))
		for _, w := range fetched {
			incoming = append(incoming, w.Cached())
		}
		// Re-read the store rather than reusing the pre-fetch snapshot:
		// a live message may have landed while the fetch was in flight,
		// and the merge must not lose it.
		merged := s.messages.Merge(s.roomID, s.messages.Get(s.roomID), incoming)
		s.render(merged)
	}

	s.attachLive(ctx)
	s.markRead(ctx)

	return s
}

// attachLive connects the transport and subscribes the room. Both steps
// are best-effort: a failure leaves the session cache-only.
func (s *Session) attachLive(ctx context.Context) {
	if err := s.conn.EnsureConnected(ctx); err != nil {
		s.logger.Warn("live updates unavailable",
			slog.String("error", err.Error()),
		)
		return
	}

	sub, err := s.conn.SubscribeRoom(ctx, s.roomID, s.onLiveMessage)
	if err != nil {
		s.logger.Warn("room subscribe failed",
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe(ctx)
		return
	}
	s.sub = sub
	s.mu.Unlock()
}

// onLiveMessage merges a live message into the cache and refreshes the
// room preview. Merging rather than appending lets a server echo absorb
// the optimistic copy of a message we just sent. The cache write always
// happens so nothing is lost if the session was closed between frame
// receipt and dispatch; only the render is gated on liveness.
func (s *Session) onLiveMessage(msg WireMessage) {
	cached := msg.Cached()
	s.messages.Merge(s.roomID, s.messages.Get(s.roomID), []state.Message{cached})
	s.touchPreview(cached)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.render(s.messages.Get(s.roomID))
}

// Send performs an optimistic send: the message appears in the local
// cache and on screen immediately under a synthetic id, then goes out
// over the live connection. The later merge with the server's echo
// collapses the two copies. When the transport is down the message
// still lands in the cache and reconciles on the next room open.
func (s *Session) Send(ctx context.Context, content string) error {
	if content == "" {
		return fmt.Errorf("empty message content")
	}

	now := time.Now().UnixMilli()
	local := state.Message{
		ID:        LocalID(now, s.userID, content),
		UserID:    s.userID,
		Content:   content,
		Timestamp: now,
	}

	s.messages.Append(s.roomID, local)
	s.touchPreview(local)
	s.render(s.messages.Get(s.roomID))

	return s.conn.Publish(ctx, SendPayload{
		RoomID:  s.roomID,
		UserID:  s.userID,
		Content: content,
	})
}

// markRead zeroes the local unread badge and advances the server-side
// read cursor. Server failure is tolerated; the badge is already reset
// locally and the cursor self-corrects on the next refresh.
func (s *Session) markRead(ctx context.Context) {
	var zero int64
	s.rooms.UpsertPreview(cache.PreviewPatch{
		RoomID:      s.roomID,
		UnreadCount: &zero,
	})
	s.api.MarkRead(ctx, s.roomID)
}

// touchPreview updates the room's list entry with the newest message.
func (s *Session) touchPreview(msg state.Message) {
	s.rooms.UpsertPreview(cache.PreviewPatch{
		RoomID:        s.roomID,
		LastMessage:   &msg.Content,
		LastTimestamp: &msg.Timestamp,
	})
}

// Close detaches the live subscription. The cached history stays; a
// later OpenRoom for the same room picks it up. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe(ctx)
	}
}
