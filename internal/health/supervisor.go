// Package health runs periodic probes over registered components, tracks
// failure streaks, dispatches recovery actions and raises alerts.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/metrics"
)

const (
	DefaultInterval        = 60 * time.Second
	DefaultThreshold       = 3
	DefaultProbeTimeout    = 10 * time.Second
	DefaultRecoveryTimeout = 60 * time.Second
	alertTimeout           = 15 * time.Second
)

// Prober reports a component's health. It must not change component state.
type Prober interface {
	Check(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Check(ctx context.Context) error { return f(ctx) }

// Recoverer attempts to bring an unhealthy component back.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// RecovererFunc adapts a function to Recoverer.
type RecovererFunc func(ctx context.Context) error

func (f RecovererFunc) Recover(ctx context.Context) error { return f(ctx) }

// Alerter delivers system alerts.
type Alerter interface {
	SendSystemAlert(ctx context.Context, title, message string, priority int) error
}

// Config configures a Supervisor.
type Config struct {
	Interval        time.Duration
	Threshold       int
	ProbeTimeout    time.Duration
	RecoveryTimeout time.Duration
}

// Stats is a point-in-time copy of the supervisor counters.
type Stats struct {
	Uptime              time.Duration `json:"uptime"`
	TotalChecks         int64         `json:"total_health_checks"`
	ComponentFailures   int64         `json:"component_failures"`
	RecoveriesTriggered int64         `json:"recoveries_triggered"`
	RecoveryFailures    int64         `json:"recovery_failures"`
	AlertsSent          int64         `json:"alerts_sent"`
}

type component struct {
	name       string
	prober     Prober
	recoverer  Recoverer
	health     domain.ComponentHealth
	recovering atomic.Bool
}

type alert struct {
	title    string
	message  string
	priority int
}

// Supervisor owns every ComponentHealth record; nothing else mutates them.
type Supervisor struct {
	cfg     Config
	alerter Alerter
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	components []*component
	byName     map[string]*component
	startedAt  time.Time

	checks           atomic.Int64
	failures         atomic.Int64
	recoveries       atomic.Int64
	recoveryFailures atomic.Int64
	alerts           atomic.Int64

	background sync.WaitGroup
}

// NewSupervisor creates a supervisor. alerter may be nil.
func NewSupervisor(cfg Config, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return &Supervisor{
		cfg:       cfg,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "health_supervisor")),
		metrics:   m,
		now:       time.Now,
		byName:    make(map[string]*component),
		startedAt: time.Now(),
	}
}

// Register adds a component. recoverer may be nil.
func (s *Supervisor) Register(name string, prober Prober, recoverer Recoverer) error {
	if name == "" || prober == nil {
		return fmt.Errorf("health: register: name and prober required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("health: register %s: already registered", name)
	}
	c := &component{
		name:      name,
		prober:    prober,
		recoverer: recoverer,
		health:    domain.ComponentHealth{Name: name, Status: domain.HealthUnknown},
	}
	s.components = append(s.components, c)
	s.byName[name] = c
	s.metrics.ComponentHealth(name, -1, 0)
	s.logger.Info("component registered", slog.String("name", name), slog.Bool("recoverable", recoverer != nil))
	return nil
}

// Run checks every component immediately and then once per interval until
// ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "health supervisor started", slog.Duration("interval", s.cfg.Interval))
	defer s.logger.Info("health supervisor stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckOnce probes every component concurrently, each bounded by the probe
// timeout, then applies the results in registration order.
func (s *Supervisor) CheckOnce(ctx context.Context) {
	s.mu.RLock()
	comps := append([]*component(nil), s.components...)
	s.mu.RUnlock()

	results := make([]error, len(comps))
	g, gctx := errgroup.WithContext(ctx)
	for idx, c := range comps {
		g.Go(func() error {
			results[idx] = s.probe(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	now := s.now()
	var pending []alert
	s.mu.Lock()
	for idx, c := range comps {
		if a, ok := s.apply(ctx, c, results[idx], now); ok {
			pending = append(pending, a)
		}
	}
	s.mu.Unlock()

	for _, a := range pending {
		s.sendAlert(ctx, a)
	}
}

func (s *Supervisor) probe(ctx context.Context, c *component) (err error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health: probe %s panicked: %v", c.name, r)
		}
	}()
	return c.prober.Check(pctx)
}

// apply updates c from one probe result. Caller holds s.mu.
func (s *Supervisor) apply(ctx context.Context, c *component, err error, now time.Time) (alert, bool) {
	s.checks.Add(1)
	h := &c.health
	h.LastCheckAt = now
	prev := h.Status

	if err == nil {
		h.Status = domain.HealthHealthy
		h.ConsecutiveFailures = 0
		h.LastHealthyAt = now
		h.LastError = ""
		s.metrics.ComponentHealth(c.name, 1, 0)
		if prev == domain.HealthUnhealthy {
			s.logger.InfoContext(ctx, "component recovered", slog.String("name", c.name))
			return alert{
				title:    fmt.Sprintf("%s Recovered", capitalize(c.name)),
				message:  fmt.Sprintf("Component %s has recovered and is now healthy", c.name),
				priority: domain.PriorityDefault,
			}, true
		}
		return alert{}, false
	}

	s.failures.Add(1)
	h.Status = domain.HealthUnhealthy
	h.ConsecutiveFailures++
	h.LastError = err.Error()
	s.metrics.ComponentHealth(c.name, 0, h.ConsecutiveFailures)
	s.logger.WarnContext(ctx, "component unhealthy",
		slog.String("name", c.name),
		slog.Int("consecutive_failures", h.ConsecutiveFailures),
		slog.String("error", err.Error()),
	)

	if c.recoverer != nil {
		s.dispatchRecovery(ctx, c)
	}
	if h.ConsecutiveFailures == s.cfg.Threshold {
		return alert{
			title: fmt.Sprintf("%s Failure", capitalize(c.name)),
			message: fmt.Sprintf("Component %s has failed %d consecutive health checks. Manual intervention may be required. Last error: %s",
				c.name, h.ConsecutiveFailures, h.LastError),
			priority: domain.PriorityHigh,
		}, true
	}
	return alert{}, false
}

// dispatchRecovery runs the recoverer in the background. A component never
// has two recoveries in flight.
func (s *Supervisor) dispatchRecovery(ctx context.Context, c *component) {
	if !c.recovering.CompareAndSwap(false, true) {
		s.logger.DebugContext(ctx, "recovery already running", slog.String("name", c.name))
		return
	}
	s.recoveries.Add(1)
	s.logger.InfoContext(ctx, "recovery triggered", slog.String("name", c.name))

	base := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer c.recovering.Store(false)
		rctx, cancel := context.WithTimeout(base, s.cfg.RecoveryTimeout)
		defer cancel()
		if err := runRecovery(rctx, c); err != nil {
			s.recoveryFailures.Add(1)
			s.logger.Error("recovery failed",
				slog.String("name", c.name),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func runRecovery(ctx context.Context, c *component) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health: recover %s: panic %v: %w", c.name, r, domain.ErrRecovery)
		}
	}()
	if err := c.recoverer.Recover(ctx); err != nil {
		return fmt.Errorf("health: recover %s: %w: %w", c.name, domain.ErrRecovery, err)
	}
	return nil
}

func (s *Supervisor) sendAlert(ctx context.Context, a alert) {
	if s.alerter == nil {
		return
	}
	s.alerts.Add(1)
	base := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		actx, cancel := context.WithTimeout(base, alertTimeout)
		defer cancel()
		if err := s.alerter.SendSystemAlert(actx, a.title, a.message, a.priority); err != nil {
			s.logger.Warn("system alert failed",
				slog.String("title", a.title),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until background recoveries and alerts have finished.
func (s *Supervisor) Wait() { s.background.Wait() }

// Status returns the record for name.
func (s *Supervisor) Status(name string) (domain.ComponentHealth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byName[name]
	if !ok {
		return domain.ComponentHealth{}, false
	}
	return c.health, true
}

// Statuses returns every record in registration order.
func (s *Supervisor) Statuses() []domain.ComponentHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ComponentHealth, len(s.components))
	for i, c := range s.components {
		out[i] = c.health
	}
	return out
}

// Healthy reports whether no component is currently unhealthy.
func (s *Supervisor) Healthy() bool {
	for _, h := range s.Statuses() {
		if h.Status == domain.HealthUnhealthy {
			return false
		}
	}
	return true
}

// Stats returns the current counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Uptime:              time.Since(s.startedAt),
		TotalChecks:         s.checks.Load(),
		ComponentFailures:   s.failures.Load(),
		RecoveriesTriggered: s.recoveries.Load(),
		RecoveryFailures:    s.recoveryFailures.Load(),
		AlertsSent:          s.alerts.Load(),
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
