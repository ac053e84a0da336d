// Package session loads the stream session descriptor written by the
// external authentication tool.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"
	"time"

	"github.com/acheron/engine/internal/domain"
)

// descriptor is the on-disk shape. expires_at is unix seconds (possibly
// fractional) or an RFC 3339 string.
type descriptor struct {
	Cookies      map[string]string `json:"cookies"`
	UserAgent    string            `json:"user_agent"`
	WebsocketURL string            `json:"websocket_url"`
	AuthToken    string            `json:"auth_token"`
	ExpiresAt    json.RawMessage   `json:"expires_at"`
}

// FileProvider re-reads the descriptor on every call, so a recovery action
// always sees the newest session the tool has written.
type FileProvider struct {
	path       string
	defaultURL string
	now        func() time.Time
}

// NewFileProvider returns a provider for path. defaultURL is used when the
// descriptor carries no websocket_url.
func NewFileProvider(path, defaultURL string) *FileProvider {
	return &FileProvider{path: path, defaultURL: defaultURL, now: time.Now}
}

// Path returns the descriptor path.
func (p *FileProvider) Path() string { return p.path }

// Session implements domain.SessionProvider. A missing file yields
// ErrNoSession, an expired descriptor ErrSessionExpired.
func (p *FileProvider) Session(ctx context.Context) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Session{}, fmt.Errorf("session: %s: %w", p.path, domain.ErrNoSession)
		}
		return domain.Session{}, fmt.Errorf("session: read %s: %w", p.path, err)
	}
	sess, err := Decode(data)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: %s: %w", p.path, err)
	}
	if sess.WebsocketURL == "" {
		sess.WebsocketURL = p.defaultURL
	}
	if sess.WebsocketURL == "" {
		return domain.Session{}, fmt.Errorf("session: %s: websocket url missing: %w", p.path, domain.ErrNoSession)
	}
	if !sess.Valid(p.now()) {
		return sess, fmt.Errorf("session: expired at %s: %w", sess.ExpiresAt.Format(time.RFC3339), domain.ErrSessionExpired)
	}
	return sess, nil
}

// Decode parses a descriptor.
func Decode(data []byte) (domain.Session, error) {
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.Session{}, fmt.Errorf("decode descriptor: %w", err)
	}
	exp, err := parseExpiry(d.ExpiresAt)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		Cookies:      d.Cookies,
		UserAgent:    strings.TrimSpace(d.UserAgent),
		WebsocketURL: strings.TrimSpace(d.WebsocketURL),
		AuthToken:    strings.TrimSpace(d.AuthToken),
		ExpiresAt:    exp,
	}, nil
}

func parseExpiry(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, fmt.Errorf("decode expires_at: %w", err)
		}
		t, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return time.Time{}, fmt.Errorf("decode expires_at: %w", err)
		}
		return t, nil
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, fmt.Errorf("decode expires_at: %w", err)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), nil
}

// Static always returns the same session.
type Static struct {
	Sess domain.Session
	Err  error
}

// Session implements domain.SessionProvider.
func (s Static) Session(context.Context) (domain.Session, error) {
	return s.Sess, s.Err
}

// Probe is the session health check: nil while the provider yields a usable
// session.
func Probe(p domain.SessionProvider) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := p.Session(ctx)
		return err
	}
}
