package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	errs "github.com/mongmate/chatsync/internal/errors"
)

// recentLimitMax is the server-side page cap for recent-message fetches.
const recentLimitMax = 200

// TokenSource supplies the current sanitized bearer token, or empty
// string when none is available. Implemented by token.Provider.
type TokenSource interface {
	Get() string
}

// RoomListEntry is one element of the GET /api/chat/rooms response.
type RoomListEntry struct {
	RoomID      string       `json:"roomId"`
	Title       string       `json:"title,omitempty"`
	CurrentSeq  int64        `json:"currentSeq"`
	LastReadSeq int64        `json:"lastReadSeq"`
	UnreadCount int64        `json:"unreadCount"`
	LastMessage *LastMessage `json:"lastMessage"`
	UpdatedAt   string       `json:"updatedAt"`
}

// LastMessage is the denormalized newest message attached to a room
// list entry.
type LastMessage struct {
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
	Seq      int64  `json:"seq"`
	SentAt   string `json:"sentAt"`
}

// RoomState is the per-room read cursor snapshot. All fields default to
// zero when the server omits them or the request fails.
type RoomState struct {
	Unread      int64
	CurrentSeq  int64
	LastReadSeq int64
}

// Client talks to the chat REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		tokens:     tokens,
		logger:     logger,
	}
}

// do sends an authenticated request and returns the response body.
// Non-2xx statuses are wrapped in ErrUpstream.
func (c *Client) do(ctx context.Context, method, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.tokens.Get(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned status %d", errs.ErrUpstream, endpoint, resp.StatusCode)
	}

	return body, nil
}

// ListRooms returns all chat rooms the authenticated user belongs to.
func (c *Client) ListRooms(ctx context.Context) ([]RoomListEntry, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/chat/rooms")
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}

	var rooms []RoomListEntry
	if err := json.Unmarshal(body, &rooms); err != nil {
		return nil, fmt.Errorf("decoding room list: %w", err)
	}

	return rooms, nil
}

// RecentMessages fetches the newest messages for a room, oldest first.
// The limit is clamped to [1,200].
func (c *Client) RecentMessages(ctx context.Context, roomID string, limit int) ([]WireMessage, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > recentLimitMax {
		limit = recentLimitMax
	}

	endpoint := "/api/chat/rooms/" + url.PathEscape(roomID) + "/messages?limit=" + strconv.Itoa(limit)
	body, err := c.do(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetching recent messages: %w", err)
	}

	var msgs []WireMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, fmt.Errorf("decoding recent messages: %w", err)
	}

	return msgs, nil
}

// RoomState returns the read-cursor snapshot for a room. The endpoint
// fails with 5xx for rooms the membership check rejects, so any failure
// (transport, status, or shape) degrades to zero values rather than an
// error.
func (c *Client) RoomState(ctx context.Context, roomID string) RoomState {
	endpoint := "/api/chat/rooms/" + url.PathEscape(roomID) + "/state"
	body, err := c.do(ctx, http.MethodGet, endpoint)
	if err != nil {
		c.logger.Debug("room state unavailable, defaulting to zero",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
		return RoomState{}
	}

	// Field names vary across server versions; pick them out leniently.
	return RoomState{
		Unread:      gjson.GetBytes(body, "unread").Int(),
		CurrentSeq:  gjson.GetBytes(body, "currentSeq").Int(),
		LastReadSeq: gjson.GetBytes(body, "lastReadSeq").Int(),
	}
}

// MarkRead advances the server-side read cursor for a room. Failures
// are logged and swallowed; the unread badge self-corrects on the next
// room list refresh.
func (c *Client) MarkRead(ctx context.Context, roomID string) {
	endpoint := "/api/chat/rooms/" + url.PathEscape(roomID) + "/read"
	if _, err := c.do(ctx, http.MethodPost, endpoint); err != nil {
		c.logger.Debug("mark read failed",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
	}
}

// serverTimeLayouts covers the timestamp formats the Spring backend
// emits for LocalDateTime fields, with and without zone or fraction.
var serverTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseServerTime converts a server-side timestamp string to millis.
// Returns 0 when the value is empty or unparseable.
func ParseServerTime(s string) int64 {
	if s == "" {
		return 0
	}

	for _, layout := range serverTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}

	return 0
}
