package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	messagesBucket = []byte("messages")
	roomsBucket    = []byte("rooms")

	tokenKey    = []byte("token")
	indexKey    = []byte("index")
	previewsKey = []byte("previews")
)

// Message is the locally cached form of a chat message. ID is the
// stringified server seq when the message came from a REST fetch, or a
// derived key for live and optimistic messages (see chat.FallbackID).
type Message struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// RoomPreview is the denormalized room-list entry used to render the
// room list before any network round-trip completes.
type RoomPreview struct {
	RoomID        string `json:"roomId"`
	Title         string `json:"title"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastTimestamp int64  `json:"lastTimestamp,omitempty"`
	UnreadCount   int64  `json:"unreadCount"`
}

// Store wraps a bbolt database for all persistent client state: the auth
// token, per-room message logs, the visited-room index, and room previews.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chatsync/state.db, creating it
// if it does not exist.
func Load() (*Store, error) {
	return LoadAt(DefaultPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, messagesBucket, roomsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Token returns the stored authentication token, or empty string.
func (s *Store) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the authentication token.
func (s *Store) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// DeleteToken removes the stored authentication token.
func (s *Store) DeleteToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(tokenKey)
	})
}

// Messages returns the cached message log for a room. A missing entry
// yields an empty slice; a corrupt entry yields an error the caller is
// expected to treat as empty.
func (s *Store) Messages(roomID string) ([]Message, error) {
	var msgs []Message

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(messagesBucket).Get([]byte(roomID))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &msgs)
	})

	return msgs, err
}

// SetMessages replaces the cached message log for a room.
func (s *Store) SetMessages(roomID string, msgs []Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(msgs)
		if err != nil {
			return err
		}

		return tx.Bucket(messagesBucket).Put([]byte(roomID), data)
	})
}

// DeleteMessages removes the cached message log for a room.
func (s *Store) DeleteMessages(roomID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).Delete([]byte(roomID))
	})
}

// RoomIndex returns the visited-room index, most recently touched first.
func (s *Store) RoomIndex() ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(roomsBucket).Get(indexKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ids)
	})

	return ids, err
}

// SetRoomIndex replaces the visited-room index.
func (s *Store) SetRoomIndex(ids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ids)
		if err != nil {
			return err
		}

		return tx.Bucket(roomsBucket).Put(indexKey, data)
	})
}

// Previews returns the stored room preview list.
func (s *Store) Previews() ([]RoomPreview, error) {
	var list []RoomPreview

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(roomsBucket).Get(previewsKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &list)
	})

	return list, err
}

// SetPreviews replaces the stored room preview list.
func (s *Store) SetPreviews(list []RoomPreview) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(list)
		if err != nil {
			return err
		}

		return tx.Bucket(roomsBucket).Put(previewsKey, data)
	})
}

// ClearChat wipes all room message logs, the room index, and the preview
// list. Used on logout/reset. The token is left alone; callers that want
// a full reset also call DeleteToken.
func (s *Store) ClearChat() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, roomsBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}

// DefaultPath returns the default state database location:
// ~/.chatsync/state.db.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing the session token) might end up
		// with wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".chatsync", "state.db")
}
