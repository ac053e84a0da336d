// Package notify delivers arbitrage and system alerts to every configured
// channel (ntfy, Telegram, Discord). Arbitrage alerts are filtered by a
// minimum profit, a per-event cooldown and an optional shared dedup store.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/acheron/engine/internal/domain"
)

// Event types accepted by the Events filter.
const (
	EventArbitrage = "arbitrage"
	EventSystem    = "system"
)

// Message is one notification as handed to a Sender.
type Message struct {
	Title    string
	Body     string
	Priority int
	Tags     []string
	Click    string
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification.
	Send(ctx context.Context, msg Message) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Config controls which arbitrage alerts go out.
type Config struct {
	MinProfitPercent float64
	Cooldown         time.Duration
	// DedupTTL is how long a claimed alert key blocks duplicates across
	// processes. Zero disables the shared dedup check.
	DedupTTL     time.Duration
	Priority     int
	Tags         []string
	DeepLinkBase string
	// Events restricts delivery to these event types; empty allows all.
	Events []string
}

// Notifier dispatches notifications to one or more Senders.
type Notifier struct {
	cfg     Config
	senders []Sender
	events  map[string]bool
	dedup   domain.AlertDeduper
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
	inflight  map[string]bool
}

// NewNotifier creates a Notifier. dedup may be nil.
func NewNotifier(cfg Config, senders []Sender, dedup domain.AlertDeduper, logger *slog.Logger) *Notifier {
	if cfg.Priority <= 0 {
		cfg.Priority = domain.PriorityUrgent
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = []string{"moneybag", "warning"}
	}
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		cfg:       cfg,
		senders:   senders,
		events:    allowed,
		dedup:     dedup,
		logger:    logger.With(slog.String("component", "notifier")),
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
		inflight:  make(map[string]bool),
	}
}

// Senders returns the configured channel names.
func (n *Notifier) Senders() []string {
	out := make([]string, len(n.senders))
	for i, s := range n.senders {
		out[i] = s.Name()
	}
	return out
}

// SendArbitrageAlert notifies about opp unless it is below the profit
// threshold, inside the event's cooldown, or already claimed by another
// process. Filtered alerts return nil.
func (n *Notifier) SendArbitrageAlert(ctx context.Context, opp domain.ArbitrageOpportunity, event *domain.EventInfo) error {
	if !n.allowed(EventArbitrage) {
		return nil
	}
	if opp.ProfitPercent < n.cfg.MinProfitPercent {
		n.logger.DebugContext(ctx, "arb below alert threshold",
			slog.String("event_id", opp.EventID),
			slog.String("profit_percent", opp.ProfitDisplay()),
		)
		return nil
	}
	if !n.reserve(opp.EventID) {
		n.logger.DebugContext(ctx, "cooldown active", slog.String("event_id", opp.EventID))
		return nil
	}
	sent := false
	defer func() { n.release(opp.EventID, sent) }()

	if n.dedup != nil && n.cfg.DedupTTL > 0 {
		first, err := n.dedup.Claim(ctx, dedupKey(opp), n.cfg.DedupTTL)
		if err != nil {
			n.logger.WarnContext(ctx, "alert dedup unavailable, sending anyway", slog.String("error", err.Error()))
		} else if !first {
			n.logger.DebugContext(ctx, "duplicate alert suppressed", slog.String("event_id", opp.EventID))
			return nil
		}
	}

	msg := Message{
		Title:    arbTitle(opp, event),
		Body:     arbBody(opp, event),
		Priority: n.cfg.Priority,
		Tags:     arbTags(opp, n.cfg.Tags),
		Click:    deepLink(n.cfg.DeepLinkBase, event),
	}
	if err := n.dispatch(ctx, msg); err != nil {
		return err
	}
	sent = true
	n.logger.InfoContext(ctx, "arbitrage alert sent", slog.String("title", msg.Title))
	return nil
}

// SendSystemAlert notifies about system health.
func (n *Notifier) SendSystemAlert(ctx context.Context, title, message string, priority int) error {
	if !n.allowed(EventSystem) {
		return nil
	}
	if priority <= 0 {
		priority = domain.PriorityDefault
	}
	return n.dispatch(ctx, Message{
		Title:    title,
		Body:     message,
		Priority: priority,
		Tags:     []string{"gear", "warning"},
	})
}

// SendTest sends a fixed message to verify channel setup.
func (n *Notifier) SendTest(ctx context.Context) error {
	return n.dispatch(ctx, Message{
		Title:    "Acheron test",
		Body:     "Test notification from Acheron. If you see this, notifications are working.",
		Priority: domain.PriorityDefault,
		Tags:     []string{"white_check_mark", "rocket"},
	})
}

func (n *Notifier) allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// reserve claims the event's alert slot: false while an alert for it is in
// flight or inside the cooldown. Every successful reserve is paired with a
// release.
func (n *Notifier) reserve(eventID string) bool {
	if n.cfg.Cooldown <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inflight[eventID] {
		return false
	}
	if last, ok := n.lastAlert[eventID]; ok && n.now().Sub(last) < n.cfg.Cooldown {
		return false
	}
	n.inflight[eventID] = true
	return true
}

// release frees the slot. Only a delivered alert starts the cooldown.
func (n *Notifier) release(eventID string, sent bool) {
	if n.cfg.Cooldown <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inflight, eventID)
	if !sent {
		return
	}
	now := n.now()
	n.lastAlert[eventID] = now
	// Entries past the cooldown carry no information.
	if len(n.lastAlert) > 1024 {
		for k, t := range n.lastAlert {
			if now.Sub(t) >= n.cfg.Cooldown {
				delete(n.lastAlert, k)
			}
		}
	}
}

// dispatch iterates over all senders and sends the notification. Errors from
// individual senders are collected and returned as a combined error; a single
// sender failure does not prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", msg.Title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
