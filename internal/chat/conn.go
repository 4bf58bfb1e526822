package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	errs "github.com/mongmate/chatsync/internal/errors"
)

const (
	topicPrefix     = "/topic/chat.room."
	sendDestination = "/app/chat.send"

	handshakeTimeout = 15 * time.Second
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// wsConn abstracts the WebSocket connection so the manager can be
// tested without a real server. *websocket.Conn satisfies this
// interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens the underlying WebSocket. Injected in tests.
type dialFunc func(ctx context.Context, wsURL string, header http.Header) (wsConn, error)

func defaultDial(ctx context.Context, wsURL string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{"v12.stomp", "v11.stomp"},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// ManagerConfig holds the parameters for a connection manager.
type ManagerConfig struct {
	WSURL          string
	Tokens         TokenSource
	ReconnectDelay time.Duration
	Dial           dialFunc // nil uses the real WebSocket dialer
}

// Manager owns the single logical STOMP connection to the chat server.
//
// Credentials are bound at connect time: a token change while connected
// forces a full teardown and a fresh dial, never an in-place mutation of
// the live transport. Concurrent connect attempts collapse into one
// in-flight attempt, so two racing callers cannot open two sockets.
// After a transport-level drop the manager reconnects on a fixed delay
// and re-issues SUBSCRIBE frames for every registered subscription.
type Manager struct {
	logger         *slog.Logger
	wsURL          string
	host           string
	tokens         TokenSource
	reconnectDelay time.Duration
	dial           dialFunc

	flight singleflight.Group

	// writeMu serializes frame writes; reads happen on the reader
	// goroutine only.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        ConnState
	conn         wsConn
	boundToken   string
	gen          int // connection generation, guards stale reader callbacks
	closed       bool
	reconnecting bool
	subs         map[string]*Subscription
}

func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	dial := cfg.Dial
	if dial == nil {
		dial = defaultDial
	}

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}

	host := "localhost"
	if u, err := url.Parse(cfg.WSURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	return &Manager{
		logger:         logger,
		wsURL:          cfg.WSURL,
		host:           host,
		tokens:         cfg.Tokens,
		reconnectDelay: delay,
		dial:           dial,
		subs:           make(map[string]*Subscription),
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the transport is live.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// EnsureConnected resolves the current token and makes sure a live
// transport bound to it exists. Already connected with the same token
// is a no-op. A concurrent attempt is awaited rather than duplicated.
// Without a usable token it fails fast with ErrNoCredentials so the
// client never reconnect-loops against an unauthenticated endpoint.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	tok := m.tokens.Get()
	if tok == "" {
		return fmt.Errorf("resolving token: %w", errs.ErrNoCredentials)
	}

	m.mu.Lock()
	if m.state == StateConnected && m.boundToken == tok {
		m.mu.Unlock()
		return nil
	}
	m.closed = false
	m.mu.Unlock()

	_, err, _ := m.flight.Do("connect", func() (interface{}, error) {
		return nil, m.connect(ctx, tok)
	})

	return err
}

// connect dials the WebSocket, performs the STOMP handshake, and starts
// the reader goroutine. Any previous transport is torn down first.
func (m *Manager) connect(ctx context.Context, tok string) error {
	m.mu.Lock()
	if m.state == StateConnected && m.boundToken == tok {
		// A queued single-flight caller arrived after the winner finished.
		m.mu.Unlock()
		return nil
	}
	if m.conn != nil {
		// Credentials are bound at connect time; tear down fully before
		// dialing with the new token.
		m.teardownLocked("rebinding credentials")
	}
	m.state = StateConnecting
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	m.logger.Debug("connecting", slog.String("url", m.wsURL))

	header := http.Header{"Authorization": []string{"Bearer " + tok}}
	conn, err := m.dial(ctx, m.wsURL, header)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("dialing websocket: %w", err)
	}

	connectFrame := newFrame(cmdConnect).
		set("accept-version", "1.2").
		set("host", m.host).
		set("heart-beat", "0,0").
		set("Authorization", "Bearer "+tok)
	if err := conn.Write(ctx, websocket.MessageText, marshalFrame(connectFrame)); err != nil {
		conn.Close(websocket.StatusInternalError, "connect failed")
		m.setState(StateDisconnected)
		return fmt.Errorf("sending CONNECT: %w", err)
	}

	if err := m.awaitConnected(ctx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		m.setState(StateDisconnected)
		return err
	}

	m.mu.Lock()
	if m.closed {
		// Disconnect raced the dial or handshake. The explicit teardown
		// wins; drop the fresh transport instead of installing it.
		m.state = StateDisconnected
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fmt.Errorf("aborting connect: %w", errs.ErrNotConnected)
	}
	m.conn = conn
	m.boundToken = tok
	m.state = StateConnected
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.logger.Info("chat transport connected")
	go m.readLoop(conn, gen)
	m.resubscribe(ctx, conn)

	return nil
}

// awaitConnected reads frames until the server confirms or rejects the
// STOMP handshake.
func (m *Manager) awaitConnected(ctx context.Context, conn wsConn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading handshake response: %w", err)
		}

		fr, err := parseFrame(data)
		if err != nil {
			return fmt.Errorf("decoding handshake response: %w", err)
		}
		if fr == nil {
			continue // heartbeat
		}

		switch fr.command {
		case cmdConnected:
			return nil
		case cmdError:
			return fmt.Errorf("%w: handshake rejected: %s", errs.ErrTransport, fr.header("message"))
		default:
			m.logger.Debug("unexpected frame during handshake", slog.String("command", fr.command))
		}
	}
}

// readLoop consumes frames until the connection dies. MESSAGE frames go
// to subscriptions; malformed payloads are logged and dropped, never
// propagated to handlers.
func (m *Manager) readLoop(conn wsConn, gen int) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleReadError(gen, err)
			return
		}

		fr, err := parseFrame(data)
		if err != nil {
			m.logger.Debug("unparseable frame", slog.String("error", err.Error()))
			continue
		}
		if fr == nil {
			continue // heartbeat
		}

		switch fr.command {
		case cmdMessage:
			m.dispatch(fr)
		case cmdError:
			m.logger.Warn("server STOMP error",
				slog.String("message", fr.header("message")),
				slog.String("body", string(fr.body)),
			)
		case cmdReceipt:
			// No receipts are requested; ignore.
		default:
			m.logger.Debug("unexpected frame", slog.String("command", fr.command))
		}
	}
}

// dispatch routes a MESSAGE frame to the matching subscriptions.
func (m *Manager) dispatch(fr *frame) {
	var msg WireMessage
	if err := json.Unmarshal(fr.body, &msg); err != nil {
		m.logger.Warn("invalid chat message payload",
			slog.String("body", string(fr.body)),
			slog.String("error", err.Error()),
		)
		return
	}

	if msg.RoomID == "" {
		msg.RoomID = strings.TrimPrefix(fr.header("destination"), topicPrefix)
	}

	subID := fr.header("subscription")

	m.mu.Lock()
	targets := make([]*Subscription, 0, 1)
	if sub, ok := m.subs[subID]; ok {
		targets = append(targets, sub)
	} else {
		for _, sub := range m.subs {
			if sub.roomID == msg.RoomID {
				targets = append(targets, sub)
			}
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.handler(msg)
	}
}

// handleReadError transitions to Disconnected and kicks off the
// reconnect loop, unless the drop belongs to a superseded connection or
// an explicit Disconnect.
func (m *Manager) handleReadError(gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	already := m.reconnecting
	m.reconnecting = true
	m.mu.Unlock()

	m.logger.Warn("chat transport lost, reconnecting",
		slog.String("error", err.Error()),
		slog.Duration("delay", m.reconnectDelay),
	)

	if !already {
		go m.reconnectLoop()
	}
}

// reconnectLoop retries on a fixed delay until the connection is back,
// Disconnect is called, or no token is available anymore.
func (m *Manager) reconnectLoop() {
	for {
		time.Sleep(m.reconnectDelay)

		m.mu.Lock()
		if m.closed {
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		tok := m.tokens.Get()
		if tok == "" {
			m.logger.Warn("no credentials available, giving up reconnect")
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
			return
		}

		_, err, _ := m.flight.Do("connect", func() (interface{}, error) {
			return nil, m.connect(context.Background(), tok)
		})
		if err == nil {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
			return
		}

		m.logger.Warn("reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("delay", m.reconnectDelay),
		)
	}
}

// resubscribe re-issues SUBSCRIBE frames for every registered
// subscription on a fresh connection.
func (m *Manager) resubscribe(ctx context.Context, conn wsConn) {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		fr := newFrame(cmdSubscribe).
			set("id", sub.id).
			set("destination", topicPrefix+sub.roomID)
		if err := m.writeFrame(ctx, conn, fr); err != nil {
			m.logger.Warn("resubscribe failed",
				slog.String("room_id", sub.roomID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Subscription is a live registration on a room topic.
type Subscription struct {
	id     string
	roomID string
	m      *Manager

	handler func(WireMessage)

	once sync.Once
}

// Unsubscribe removes the registration and tells the server to stop
// delivering. Safe to call more than once and after a disconnect.
func (s *Subscription) Unsubscribe(ctx context.Context) {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs, s.id)
		conn := s.m.conn
		connected := s.m.state == StateConnected
		s.m.mu.Unlock()

		if !connected || conn == nil {
			return
		}

		fr := newFrame(cmdUnsubscribe).set("id", s.id)
		if err := s.m.writeFrame(ctx, conn, fr); err != nil {
			s.m.logger.Debug("unsubscribe write failed",
				slog.String("room_id", s.roomID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// SubscribeRoom registers a handler for a room topic. The manager must
// already be connected; this never connects implicitly, so callers gate
// on EnsureConnected first.
func (m *Manager) SubscribeRoom(ctx context.Context, roomID string, handler func(WireMessage)) (*Subscription, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribing to room %s: %w", roomID, errs.ErrNotConnected)
	}
	conn := m.conn

	sub := &Subscription{
		id:      "sub-" + uuid.NewString(),
		roomID:  roomID,
		m:       m,
		handler: handler,
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	fr := newFrame(cmdSubscribe).
		set("id", sub.id).
		set("destination", topicPrefix+roomID)
	if err := m.writeFrame(ctx, conn, fr); err != nil {
		m.mu.Lock()
		delete(m.subs, sub.id)
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribing to room %s: %w", roomID, err)
	}

	return sub, nil
}

// Publish sends a chat message to the server. When the transport is not
// connected this is a no-op with a logged warning rather than an error:
// the UI gates sends on connection state, and a race that slips through
// must not crash the app. The bound token is repeated in the frame
// headers for servers that re-validate per message.
func (m *Manager) Publish(ctx context.Context, payload SendPayload) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		m.logger.Warn("publish skipped, transport not connected",
			slog.String("room_id", payload.RoomID),
		)
		return nil
	}
	conn := m.conn
	tok := m.boundToken
	m.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling send payload: %w", err)
	}

	fr := newFrame(cmdSend).
		set("destination", sendDestination).
		set("content-type", "application/json").
		set("content-length", strconv.Itoa(len(body))).
		set("Authorization", "Bearer "+tok)
	fr.body = body

	if err := m.writeFrame(ctx, conn, fr); err != nil {
		return fmt.Errorf("publishing to room %s: %w", payload.RoomID, err)
	}

	return nil
}

// Disconnect deactivates the transport, clears the bound token, and
// stops any reconnect loop. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.teardownLocked("client disconnect")
	m.mu.Unlock()

	if conn != nil {
		m.logger.Info("chat transport disconnected")
	}
}

// teardownLocked drops the current transport. Callers hold m.mu. The
// generation bump makes the old reader goroutine's exit a no-op.
func (m *Manager) teardownLocked(reason string) {
	if m.conn != nil {
		m.conn.Close(websocket.StatusNormalClosure, reason)
	}
	m.conn = nil
	m.boundToken = ""
	m.state = StateDisconnected
	m.gen++
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) writeFrame(ctx context.Context, conn wsConn, fr *frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, marshalFrame(fr))
}
