// Package cache implements the local-first read models for chat: a
// bounded per-room message log and the room index/preview list. Both are
// backed by the durable state store and degrade to empty rather than
// erroring, so a corrupt or unavailable store never takes down the
// caller.
package cache

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/mongmate/chatsync/internal/state"
)

// coalesceToleranceMillis is the window within which two messages from
// the same sender with identical content are treated as the same
// message. Live frames and REST fetches represent the same message with
// different ids and slightly different timestamps; this absorbs that
// skew.
const coalesceToleranceMillis = 2000

// DefaultMessageCapacity bounds the per-room message log.
const DefaultMessageCapacity = 500

// Messages is a per-room bounded ordered log of chat messages.
type Messages struct {
	store    *state.Store
	logger   *slog.Logger
	capacity int
}

func NewMessages(store *state.Store, logger *slog.Logger, capacity int) *Messages {
	if capacity <= 0 {
		capacity = DefaultMessageCapacity
	}

	return &Messages{store: store, logger: logger, capacity: capacity}
}

// Get returns the cached messages for a room, oldest first. Missing or
// corrupt entries yield an empty slice.
func (m *Messages) Get(roomID string) []state.Message {
	msgs, err := m.store.Messages(roomID)
	if err != nil {
		m.logger.Warn("failed to read message cache, treating as empty",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	return msgs
}

// Set replaces the cached messages for a room, trimming to the last
// capacity entries by insertion order. Storage failures are logged and
// swallowed.
func (m *Messages) Set(roomID string, msgs []state.Message) {
	if len(msgs) > m.capacity {
		msgs = msgs[len(msgs)-m.capacity:]
	}

	if err := m.store.SetMessages(roomID, msgs); err != nil {
		m.logger.Warn("failed to persist message cache",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}
}

// Append inserts a single message unless an entry with the same id
// already exists. The log is re-sorted by timestamp and trimmed.
func (m *Messages) Append(roomID string, msg state.Message) {
	prev := m.Get(roomID)
	for _, p := range prev {
		if p.ID == msg.ID {
			return
		}
	}

	next := append(prev, msg)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Timestamp < next[j].Timestamp
	})
	m.Set(roomID, next)
}

// Merge merges two message sequences and persists the result for the
// room. See MergeAndDedupe for the merge semantics.
func (m *Messages) Merge(roomID string, a, b []state.Message) []state.Message {
	merged := MergeAndDedupe(a, b)
	if len(merged) > m.capacity {
		merged = merged[len(merged)-m.capacity:]
	}

	m.Set(roomID, merged)

	return merged
}

// MergeAndDedupe unions two message sequences keyed by id (entries of b
// win on collision), stable-sorts by timestamp ascending, then coalesces
// near-duplicates: messages from the same sender with identical content
// within the tolerance window are collapsed to one entry. Entries whose
// id is a server seq are preferred when coalescing, so optimistic local
// echoes converge to the server's identity. The operation is idempotent.
func MergeAndDedupe(a, b []state.Message) []state.Message {
	seen := make(map[string]int, len(a)+len(b))

	all := make([]state.Message, 0, len(a)+len(b))
	for _, msg := range a {
		if i, ok := seen[msg.ID]; ok {
			all[i] = msg
			continue
		}

		seen[msg.ID] = len(all)
		all = append(all, msg)
	}
	for _, msg := range b {
		if i, ok := seen[msg.ID]; ok {
			all[i] = msg
			continue
		}

		seen[msg.ID] = len(all)
		all = append(all, msg)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp < all[j].Timestamp
	})

	out := make([]state.Message, 0, len(all))
	for _, msg := range all {
		if len(out) == 0 {
			out = append(out, msg)
			continue
		}

		last := &out[len(out)-1]
		if last.UserID == msg.UserID && last.Content == msg.Content &&
			absDiff(last.Timestamp, msg.Timestamp) <= coalesceToleranceMillis {
			if hasServerID(msg) && !hasServerID(*last) {
				*last = msg
			}
			continue
		}

		out = append(out, msg)
	}

	return out
}

// hasServerID reports whether the message id is a server-assigned seq
// rather than a derived fallback key.
func hasServerID(msg state.Message) bool {
	if msg.ID == "" || strings.HasPrefix(msg.ID, "local-") {
		return false
	}

	_, err := strconv.ParseInt(msg.ID, 10, 64)
	return err == nil
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}

	return b - a
}
