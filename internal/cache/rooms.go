package cache

import (
	"log/slog"
	"sort"

	"github.com/mongmate/chatsync/internal/state"
)

// DefaultRoomCapacity bounds both the visited-room index and the
// preview list.
const DefaultRoomCapacity = 200

// PreviewPatch is a partial room-list update. Nil fields retain the
// previously stored value; a known value never gets erased by a
// snapshot that simply lacks the field.
type PreviewPatch struct {
	RoomID        string
	Title         *string
	LastMessage   *string
	LastTimestamp *int64
	UnreadCount   *int64
}

// Rooms tracks which rooms the local user has visited and a denormalized
// preview per room for list rendering.
type Rooms struct {
	store    *state.Store
	logger   *slog.Logger
	capacity int
}

func NewRooms(store *state.Store, logger *slog.Logger, capacity int) *Rooms {
	if capacity <= 0 {
		capacity = DefaultRoomCapacity
	}

	return &Rooms{store: store, logger: logger, capacity: capacity}
}

// Index returns the visited-room ids, most recently touched first.
// Missing or corrupt entries yield an empty slice.
func (r *Rooms) Index() []string {
	ids, err := r.store.RoomIndex()
	if err != nil {
		r.logger.Warn("failed to read room index, treating as empty",
			slog.String("error", err.Error()),
		)
		return nil
	}

	return ids
}

// Touch moves roomID to the front of the visited index, inserting it if
// new, capped at the room limit. Re-entering a room refreshes recency.
func (r *Rooms) Touch(roomID string) {
	prev := r.Index()

	next := make([]string, 0, len(prev)+1)
	next = append(next, roomID)
	for _, id := range prev {
		if id != roomID {
			next = append(next, id)
		}
	}
	if len(next) > r.capacity {
		next = next[:r.capacity]
	}

	if err := r.store.SetRoomIndex(next); err != nil {
		r.logger.Warn("failed to persist room index",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}
}

// Previews returns the stored preview list. Missing or corrupt entries
// yield an empty slice.
func (r *Rooms) Previews() []state.RoomPreview {
	list, err := r.store.Previews()
	if err != nil {
		r.logger.Warn("failed to read room previews, treating as empty",
			slog.String("error", err.Error()),
		)
		return nil
	}

	return list
}

// UpsertPreview applies a partial update keyed by room id. Fields
// present in the patch overwrite; absent fields retain the stored
// value; UnreadCount defaults to 0 if never set. The list is re-sorted
// and trimmed.
func (r *Rooms) UpsertPreview(patch PreviewPatch) {
	list := r.Previews()

	found := false
	for i := range list {
		if list[i].RoomID == patch.RoomID {
			applyPatch(&list[i], patch)
			found = true
			break
		}
	}
	if !found {
		item := state.RoomPreview{RoomID: patch.RoomID, Title: placeholderTitle(patch.RoomID)}
		applyPatch(&item, patch)
		list = append(list, item)
	}

	r.setPreviews(list)
}

// MergeSnapshot merges a fresh set of server-derived patches into the
// stored previews, preferring fresh fields only when present.
func (r *Rooms) MergeSnapshot(fresh []PreviewPatch) []state.RoomPreview {
	list := r.Previews()

	byID := make(map[string]int, len(list))
	for i, item := range list {
		byID[item.RoomID] = i
	}

	for _, patch := range fresh {
		if i, ok := byID[patch.RoomID]; ok {
			applyPatch(&list[i], patch)
			continue
		}

		item := state.RoomPreview{RoomID: patch.RoomID, Title: placeholderTitle(patch.RoomID)}
		applyPatch(&item, patch)
		byID[patch.RoomID] = len(list)
		list = append(list, item)
	}

	return r.setPreviews(list)
}

// BuildListFromIndex reconstructs the room list from the visited index:
// the stored preview when present, a placeholder otherwise. Sorted by
// last timestamp descending; rooms with no timestamp sort last.
func (r *Rooms) BuildListFromIndex() []state.RoomPreview {
	ids := r.Index()
	previews := r.Previews()

	byID := make(map[string]state.RoomPreview, len(previews))
	for _, item := range previews {
		byID[item.RoomID] = item
	}

	out := make([]state.RoomPreview, 0, len(ids))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, item)
			continue
		}

		out = append(out, state.RoomPreview{RoomID: id, Title: placeholderTitle(id)})
	}

	sortPreviews(out)

	return out
}

// Clear wipes both the index and the preview list.
func (r *Rooms) Clear() {
	if err := r.store.SetRoomIndex(nil); err != nil {
		r.logger.Warn("failed to clear room index", slog.String("error", err.Error()))
	}
	if err := r.store.SetPreviews(nil); err != nil {
		r.logger.Warn("failed to clear room previews", slog.String("error", err.Error()))
	}
}

func (r *Rooms) setPreviews(list []state.RoomPreview) []state.RoomPreview {
	sortPreviews(list)
	if len(list) > r.capacity {
		list = list[:r.capacity]
	}

	if err := r.store.SetPreviews(list); err != nil {
		r.logger.Warn("failed to persist room previews",
			slog.String("error", err.Error()),
		)
	}

	return list
}

func applyPatch(item *state.RoomPreview, patch PreviewPatch) {
	if patch.Title != nil && *patch.Title != "" {
		item.Title = *patch.Title
	}
	if patch.LastMessage != nil {
		item.LastMessage = *patch.LastMessage
	}
	if patch.LastTimestamp != nil {
		item.LastTimestamp = *patch.LastTimestamp
	}
	if patch.UnreadCount != nil {
		item.UnreadCount = *patch.UnreadCount
	}
}

func sortPreviews(list []state.RoomPreview) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastTimestamp > list[j].LastTimestamp
	})
}

// placeholderTitle is the display title for a room we have visited but
// never received metadata for.
func placeholderTitle(roomID string) string {
	return "채팅방 " + roomID
}
