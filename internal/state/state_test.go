package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const testRoom = "room-42"

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetToken("persist-me"))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, "persist-me", s2.Token())
}

// --- Token ---

func TestToken_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.Token())
}

func TestSetToken_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("tok_abc123"))
	assert.Equal(t, "tok_abc123", s.Token())
}

func TestDeleteToken(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("tok"))
	require.NoError(t, s.DeleteToken())
	assert.Equal(t, "", s.Token())
}

// --- Messages ---

func TestMessages_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	msgs, err := s.Messages(testRoom)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSetMessages_RoundTrip(t *testing.T) {
	s := testDB(t)
	in := []Message{
		{ID: "10", UserID: "u1", Content: "hi", Timestamp: 100},
		{ID: "11", UserID: "u2", Content: "hello", Timestamp: 200},
	}
	require.NoError(t, s.SetMessages(testRoom, in))

	out, err := s.Messages(testRoom)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSetMessages_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetMessages(testRoom, []Message{{ID: "1", Timestamp: 1}}))
	require.NoError(t, s.SetMessages(testRoom, []Message{{ID: "2", Timestamp: 2}}))

	out, err := s.Messages(testRoom)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "2", out[0].ID)
}

func TestMessages_IsolatedBetweenRooms(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetMessages("a", []Message{{ID: "1"}}))
	require.NoError(t, s.SetMessages("b", []Message{{ID: "2"}}))

	a, _ := s.Messages("a")
	b, _ := s.Messages("b")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "1", a[0].ID)
	assert.Equal(t, "2", b[0].ID)
}

func TestDeleteMessages(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetMessages(testRoom, []Message{{ID: "1"}}))
	require.NoError(t, s.DeleteMessages(testRoom))

	msgs, err := s.Messages(testRoom)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// --- RoomIndex / Previews ---

func TestRoomIndex_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	ids, err := s.RoomIndex()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSetRoomIndex_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetRoomIndex([]string{"7", "42"}))

	ids, err := s.RoomIndex()
	require.NoError(t, err)
	assert.Equal(t, []string{"7", "42"}, ids)
}

func TestSetPreviews_RoundTrip(t *testing.T) {
	s := testDB(t)
	in := []RoomPreview{
		{RoomID: "42", Title: "산책 모임", LastMessage: "안녕하세요", LastTimestamp: 100, UnreadCount: 3},
	}
	require.NoError(t, s.SetPreviews(in))

	out, err := s.Previews()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// --- ClearChat ---

func TestClearChat_WipesRoomsAndMessagesButKeepsToken(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("keep"))
	require.NoError(t, s.SetMessages(testRoom, []Message{{ID: "1"}}))
	require.NoError(t, s.SetRoomIndex([]string{testRoom}))
	require.NoError(t, s.SetPreviews([]RoomPreview{{RoomID: testRoom}}))

	require.NoError(t, s.ClearChat())

	msgs, err := s.Messages(testRoom)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ids, err := s.RoomIndex()
	require.NoError(t, err)
	assert.Empty(t, ids)

	previews, err := s.Previews()
	require.NoError(t, err)
	assert.Empty(t, previews)

	assert.Equal(t, "keep", s.Token())
}

func TestClearChat_StoreStillUsable(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.ClearChat())
	require.NoError(t, s.SetMessages(testRoom, []Message{{ID: "1"}}))

	msgs, err := s.Messages(testRoom)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
