package token

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Store is the durable layer the provider falls back to when the
// in-memory value is absent. Implemented by state.Store.
type Store interface {
	Token() string
	SetToken(token string) error
	DeleteToken() error
}

// Provider resolves the current bearer token from a fast in-memory cache
// with fallback to durable storage. A durable hit is written back into
// the in-memory layer so subsequent reads skip storage entirely.
type Provider struct {
	store Store

	mu     sync.Mutex
	cached string
}

func NewProvider(store Store) *Provider {
	return &Provider{store: store}
}

// Get returns the sanitized current token, or empty string when no
// usable token is available anywhere. It never errors; callers decide
// whether a missing token is fatal.
func (p *Provider) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached
	}

	tok := Sanitize(p.store.Token())
	if tok != "" {
		p.cached = tok
	}

	return tok
}

// Set sanitizes and stores the token in both layers. An unusable value
// clears the provider instead.
func (p *Provider) Set(raw string) error {
	tok := Sanitize(raw)
	if tok == "" {
		return p.Clear()
	}

	p.mu.Lock()
	p.cached = tok
	p.mu.Unlock()

	return p.store.SetToken(tok)
}

// Clear removes the token from both layers.
func (p *Provider) Clear() error {
	p.mu.Lock()
	p.cached = ""
	p.mu.Unlock()

	return p.store.DeleteToken()
}

// Sanitize normalizes a stored token value. It trims whitespace, rejects
// empty and the "null"/"undefined" sentinel strings that leak out of
// web storage, and strips a case-insensitive "Bearer " prefix in case
// the value was saved with the header scheme attached. Returns empty
// string when the value is unusable.
func Sanitize(raw string) string {
	tok := strings.TrimSpace(raw)
	if tok == "" {
		return ""
	}

	switch strings.ToLower(tok) {
	case "null", "undefined":
		return ""
	}

	if len(tok) > 7 && strings.EqualFold(tok[:7], "bearer ") {
		tok = strings.TrimSpace(tok[7:])
	}

	if tok == "" {
		return ""
	}

	return tok
}

// Claims is the subset of JWT claims the client cares about. Tokens are
// issued and verified by the server; the client only inspects them.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// Inspect decodes the token's claims without verifying the signature.
// The subject claim carries the user id used to stamp outgoing messages.
func Inspect(tok string) (Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &rc); err != nil {
		return Claims{}, err
	}

	c := Claims{UserID: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}

	return c, nil
}

// Expired reports whether the claims carry an expiry in the past.
// Tokens without an exp claim are treated as unexpired.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}
