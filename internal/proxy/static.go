// Package proxy maps connection purposes to outbound proxy URLs.
package proxy

import (
	"net/url"

	"github.com/acheron/engine/internal/domain"
)

// Static serves fixed proxy URLs per purpose. An empty URL means direct.
type Static struct {
	Authentication string
	Websocket      string
}

// ProxyURL implements domain.ProxySource.
func (s Static) ProxyURL(purpose domain.ProxyPurpose) string {
	switch purpose {
	case domain.ProxyAuthentication:
		return s.Authentication
	case domain.ProxyWebsocket:
		return s.Websocket
	default:
		return ""
	}
}

// Mask hides credentials in a proxy URL for logging.
func Mask(raw string) string {
	if raw == "" {
		return "direct"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
