package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/health"
)

// systemBroadcaster receives system alerts in-process (the WebSocket hub).
type systemBroadcaster interface {
	BroadcastSystem(title, message string, priority int)
}

// fanoutAlerter delivers supervisor and lifecycle alerts to the notifier,
// the dashboard hub and the audit log. Only the notifier's error is returned.
type fanoutAlerter struct {
	notifier health.Alerter
	hub      systemBroadcaster
	audit    domain.AuditStore
	logger   *slog.Logger
}

func (a *fanoutAlerter) SendSystemAlert(ctx context.Context, title, message string, priority int) error {
	if a.hub != nil {
		a.hub.BroadcastSystem(title, message, priority)
	}
	if a.audit != nil {
		if err := a.audit.Log(ctx, "system.alert", map[string]any{
			"title":    title,
			"message":  message,
			"priority": priority,
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log write failed", slog.String("error", err.Error()))
		}
	}
	if a.notifier == nil {
		return nil
	}
	return a.notifier.SendSystemAlert(ctx, title, message, priority)
}

var _ health.Alerter = (*fanoutAlerter)(nil)

// errNoSenders is returned by the notify-test mode when nothing is configured.
var errNoSenders = errors.New("app: no notification senders configured")
