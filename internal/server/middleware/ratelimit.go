package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/acheron/engine/internal/domain"
)

// RateLimit admits at most limit requests per window for each client IP,
// counted under "{name}:{ip}". A nil limiter or a non-positive limit
// disables it. Limiter errors fail open.
func RateLimit(limiter domain.RateLimiter, name string, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		limitHeader := strconv.Itoa(limit)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := name + ":" + extractClientIP(r)
			allowed, err := limiter.Allow(r.Context(), key, limit, window)
			switch {
			case err != nil:
				logger.WarnContext(r.Context(), "rate limiter unavailable",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			case !allowed:
				w.Header().Set("X-RateLimit-Limit", limitHeader)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter(window)))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			default:
				w.Header().Set("X-RateLimit-Limit", limitHeader)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractClientIP prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the peer address. Header values that are not IPs are ignored.
func extractClientIP(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); first != "" {
		if ip, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return ip.String()
		}
	}
	if ip, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfter is the window rounded up to whole seconds, at least one.
func retryAfter(window time.Duration) int {
	return max(int((window+time.Second-1)/time.Second), 1)
}
