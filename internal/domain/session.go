package domain

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Session is the stream session descriptor handed over by the external
// authentication tool.
type Session struct {
	Cookies      map[string]string `json:"cookies"`
	UserAgent    string            `json:"user_agent"`
	WebsocketURL string            `json:"websocket_url"`
	AuthToken    string            `json:"auth_token,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Valid reports whether the session can be used to open a stream at now.
// A zero ExpiresAt never expires.
func (s Session) Valid(now time.Time) bool {
	if s.WebsocketURL == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// TimeUntilExpiry is negative once the session has expired.
func (s Session) TimeUntilExpiry(now time.Time) time.Duration {
	if s.ExpiresAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return s.ExpiresAt.Sub(now)
}

// CookieHeader joins cookies as "name=value; name=value" in name order.
func (s Session) CookieHeader() string {
	if len(s.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.Cookies))
	for n := range s.Cookies {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+s.Cookies[n])
	}
	return strings.Join(parts, "; ")
}

// SessionProvider yields the current stream session.
type SessionProvider interface {
	Session(ctx context.Context) (Session, error)
}

// ProxyPurpose names what a connection is for.
type ProxyPurpose string

const (
	ProxyAuthentication ProxyPurpose = "authentication"
	ProxyWebsocket      ProxyPurpose = "websocket"
)

// ProxySource returns the proxy URL for a purpose; "" means direct.
type ProxySource interface {
	ProxyURL(purpose ProxyPurpose) string
}
