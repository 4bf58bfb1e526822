package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mongmate/chatsync/internal/cache"
	"github.com/mongmate/chatsync/internal/state"
)

// MirrorConfig holds the parameters for the background mirror.
type MirrorConfig struct {
	RefreshInterval time.Duration

	// UserID identifies the local user; echoes of their own sends do
	// not count as unread.
	UserID string

	API      *Client
	Conn     *Manager
	Messages *cache.Messages
	Rooms    *cache.Rooms
	Logger   *slog.Logger
}

// Mirror keeps the local chat caches warm in the background: it
// refreshes the room list from the server on an interval and holds a
// live subscription on every indexed room so messages land in the cache
// even while no room is open.
type Mirror struct {
	refreshInterval time.Duration
	userID          string

	api      *Client
	conn     *Manager
	messages *cache.Messages
	rooms    *cache.Rooms
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewMirror(cfg MirrorConfig) *Mirror {
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}

	return &Mirror{
		refreshInterval: interval,
		userID:          cfg.UserID,
		api:             cfg.API,
		conn:            cfg.Conn,
		messages:        cfg.Messages,
		rooms:           cfg.Rooms,
		logger:          cfg.Logger,
		subs:            make(map[string]*Subscription),
	}
}

// Run refreshes immediately, then on every tick until the context is
// cancelled. Returns nil on cancellation so it composes with errgroup.
func (m *Mirror) Run(ctx context.Context) error {
	m.Refresh(ctx)

	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.detachAll()
			return nil
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh pulls the room list, folds it into the preview cache, and
// reconciles live subscriptions against the index. A failed fetch keeps
// the cached previews, backfilled with placeholders for any indexed
// room that has none yet.
func (m *Mirror) Refresh(ctx context.Context) {
	entries, err := m.api.ListRooms(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Warn("room list refresh failed, serving cached previews",
				slog.String("error", err.Error()),
			)
		}
		m.rooms.BuildListFromIndex()
		m.syncSubscriptions(ctx, m.rooms.Index())
		return
	}

	patches := make([]cache.PreviewPatch, 0, len(entries))
	roomIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		patches = append(patches, previewPatch(entry))
		roomIDs = append(roomIDs, entry.RoomID)
	}
	m.rooms.MergeSnapshot(patches)

	m.syncSubscriptions(ctx, roomIDs)
}

// previewPatch maps a server room entry onto the preview cache. Absent
// fields stay nil so merging retains whatever the cache already has.
func previewPatch(entry RoomListEntry) cache.PreviewPatch {
	patch := cache.PreviewPatch{RoomID: entry.RoomID}

	if entry.Title != "" {
		title := entry.Title
		patch.Title = &title
	}

	unread := entry.UnreadCount
	patch.UnreadCount = &unread

	if entry.LastMessage != nil {
		content := entry.LastMessage.Content
		patch.LastMessage = &content
		if ts := ParseServerTime(entry.LastMessage.SentAt); ts > 0 {
			patch.LastTimestamp = &ts
		}
	}

	return patch
}

// syncSubscriptions opens subscriptions for rooms newly present in
// roomIDs and drops ones for rooms that left. All failures are soft;
// the next refresh retries.
func (m *Mirror) syncSubscriptions(ctx context.Context, roomIDs []string) {
	if err := m.conn.EnsureConnected(ctx); err != nil {
		m.logger.Warn("mirror offline, skipping subscriptions",
			slog.String("error", err.Error()),
		)
		return
	}

	indexed := make(map[string]bool, len(roomIDs))
	for _, roomID := range roomIDs {
		indexed[roomID] = true
	}

	m.mu.Lock()
	var stale []*Subscription
	for roomID, sub := range m.subs {
		if !indexed[roomID] {
			stale = append(stale, sub)
			delete(m.subs, roomID)
		}
	}

	var missing []string
	for roomID := range indexed {
		if _, ok := m.subs[roomID]; !ok {
			missing = append(missing, roomID)
		}
	}
	m.mu.Unlock()

	for _, sub := range stale {
		sub.Unsubscribe(ctx)
	}

	for _, roomID := range missing {
		roomID := roomID
		sub, err := m.conn.SubscribeRoom(ctx, roomID, func(msg WireMessage) {
			m.mirrorMessage(roomID, msg)
		})
		if err != nil {
			m.logger.Warn("mirror subscribe failed",
				slog.String("room_id", roomID),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.mu.Lock()
		m.subs[roomID] = sub
		m.mu.Unlock()
	}
}

// mirrorMessage lands a live message in the cache and bumps the room's
// preview and unread badge. Merging lets a server echo absorb an
// optimistic copy left behind by a send from this device.
func (m *Mirror) mirrorMessage(roomID string, msg WireMessage) {
	cached := msg.Cached()
	m.messages.Merge(roomID, m.messages.Get(roomID), []state.Message{cached})

	patch := cache.PreviewPatch{
		RoomID:        roomID,
		LastMessage:   &cached.Content,
		LastTimestamp: &cached.Timestamp,
	}
	// An echo of the local user's own send is not unread.
	if m.userID == "" || msg.UserID != m.userID {
		unread := m.previewUnread(roomID) + 1
		patch.UnreadCount = &unread
	}
	m.rooms.UpsertPreview(patch)
}

func (m *Mirror) previewUnread(roomID string) int64 {
	for _, p := range m.rooms.Previews() {
		if p.RoomID == roomID {
			return p.UnreadCount
		}
	}
	return 0
}

func (m *Mirror) detachAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for roomID, sub := range m.subs {
		subs = append(subs, sub)
		delete(m.subs, roomID)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, sub := range subs {
		sub.Unsubscribe(ctx)
	}
}
