// Package feed owns the connection to the upstream price stream and turns
// its frames into engine updates.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/metrics"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultMessageTimeout       = 300 * time.Second
	DefaultHandshakeTimeout     = 15 * time.Second
	DefaultBackoffBase          = 2.0
	DefaultMaxBackoff           = 300 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGivenUp:
		return "given_up"
	default:
		return "disconnected"
	}
}

// ConnectError reports a failed transport handshake.
type ConnectError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feed: connect %s: http %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("feed: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{domain.ErrConnect, e.Err} }

// Processor receives parsed price updates.
type Processor interface {
	ProcessUpdate(ctx context.Context, u domain.PriceUpdate, now time.Time) (domain.ArbitrageOpportunity, bool)
}

// Config configures an Interceptor.
type Config struct {
	// SourceID is stamped on every parsed update.
	SourceID      string
	DefaultMarket domain.MarketType
	Origin        string

	HeartbeatInterval time.Duration
	// HeartbeatMessage is sent as a text frame when set; otherwise a ping
	// control frame is used.
	HeartbeatMessage string
	// MessageTimeout is both the read deadline and the liveness window.
	MessageTimeout       time.Duration
	HandshakeTimeout     time.Duration
	BackoffBase          float64
	MaxBackoff           time.Duration
	MaxReconnectAttempts int

	SubscribeEvents  []string
	SubscribeMarkets []string
}

// Stats is a point-in-time copy of interceptor counters.
type Stats struct {
	State             string    `json:"state"`
	Connected         bool      `json:"is_connected"`
	MessagesReceived  int64     `json:"messages_received"`
	OddsUpdates       int64     `json:"odds_updates"`
	HeartbeatsSent    int64     `json:"heartbeats_sent"`
	Reconnections     int64     `json:"reconnections"`
	Errors            int64     `json:"errors"`
	ParseErrors       int64     `json:"parse_errors"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastMessageAt     time.Time `json:"last_message_at"`
}

// Interceptor keeps a resilient connection to the stream. It never
// authenticates; sessions come from the SessionProvider.
type Interceptor struct {
	cfg      Config
	sessions domain.SessionProvider
	proxies  domain.ProxySource
	engine   Processor
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state       atomic.Int32
	attempt     atomic.Int32
	lastMessage atomic.Int64
	lastBeat    atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	messages    atomic.Int64
	oddsUpdates atomic.Int64
	heartbeats  atomic.Int64
	reconnects  atomic.Int64
	errs        atomic.Int64
	parseErrs   atomic.Int64
}

// NewInterceptor creates an interceptor. proxies may be nil.
func NewInterceptor(cfg Config, sessions domain.SessionProvider, proxies domain.ProxySource, engine Processor, m *metrics.Metrics, logger *slog.Logger) *Interceptor {
	if cfg.DefaultMarket == "" {
		cfg.DefaultMarket = domain.MarketMoneyline
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.BackoffBase <= 1 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return &Interceptor{
		cfg:      cfg,
		sessions: sessions,
		proxies:  proxies,
		engine:   engine,
		logger:   logger.With(slog.String("component", "stream_interceptor")),
		metrics:  m,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Connect opens the transport with the session's credentials. On success the
// interceptor is Connected; Run then serves the connection.
func (i *Interceptor) Connect(ctx context.Context, sess domain.Session) error {
	if !sess.Valid(time.Now()) {
		return &ConnectError{URL: sess.WebsocketURL, Err: domain.ErrSessionExpired}
	}

	dialer := websocket.Dialer{HandshakeTimeout: i.cfg.HandshakeTimeout}
	if raw := i.proxyURL(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return &ConnectError{URL: sess.WebsocketURL, Err: fmt.Errorf("proxy url: %w", err)}
		}
		dialer.Proxy = http.ProxyURL(u)
	}

	conn, resp, err := dialer.DialContext(ctx, sess.WebsocketURL, i.handshakeHeader(sess))
	if err != nil {
		ce := &ConnectError{URL: sess.WebsocketURL, Err: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
		}
		return ce
	}

	conn.SetPongHandler(func(string) error {
		i.touch(time.Now(), true)
		return conn.SetReadDeadline(time.Now().Add(i.cfg.MessageTimeout))
	})

	i.mu.Lock()
	i.conn = conn
	i.mu.Unlock()
	i.touch(time.Now(), false)
	i.setState(StateConnected)
	i.logger.InfoContext(ctx, "stream connected", slog.String("url", sess.WebsocketURL))

	if len(i.cfg.SubscribeEvents) > 0 || len(i.cfg.SubscribeMarkets) > 0 {
		if err := i.Subscribe(i.cfg.SubscribeEvents, i.cfg.SubscribeMarkets); err != nil {
			i.logger.WarnContext(ctx, "subscribe failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (i *Interceptor) proxyURL() string {
	if i.proxies == nil {
		return ""
	}
	return i.proxies.ProxyURL(domain.ProxyWebsocket)
}

func (i *Interceptor) handshakeHeader(sess domain.Session) http.Header {
	h := http.Header{}
	if sess.UserAgent != "" {
		h.Set("User-Agent", sess.UserAgent)
	}
	if i.cfg.Origin != "" {
		h.Set("Origin", i.cfg.Origin)
	}
	if c := sess.CookieHeader(); c != "" {
		h.Set("Cookie", c)
	}
	if sess.AuthToken != "" {
		h.Set("Authorization", "Bearer "+sess.AuthToken)
	}
	return h
}

type subscribeMessage struct {
	Type    string   `json:"type"`
	Events  []string `json:"events"`
	Markets []string `json:"markets"`
}

// Subscribe asks the upstream for the given events and market types.
func (i *Interceptor) Subscribe(events, markets []string) error {
	if events == nil {
		events = []string{}
	}
	if markets == nil {
		markets = []string{}
	}
	data, err := json.Marshal(subscribeMessage{Type: "subscribe", Events: events, Markets: markets})
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	i.mu.Lock()
	conn := i.conn
	i.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed: subscribe: not connected")
	}
	return i.writeText(conn, data)
}

func (i *Interceptor) writeText(conn *websocket.Conn, data []byte) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Run connects, serves and reconnects until ctx is cancelled or Close is
// called. After MaxReconnectAttempts consecutive failures it parks in
// GivenUp until Restart.
func (i *Interceptor) Run(ctx context.Context) error {
	i.logger.InfoContext(ctx, "stream interceptor started")
	defer i.logger.Info("stream interceptor stopped")

	for {
		if err := i.stopped(ctx); err != nil {
			return i.exit(err)
		}

		i.setState(StateConnecting)
		err := i.connectFromProvider(ctx)
		if err == nil {
			i.attempt.Store(0)
			i.drainWake()
			err = i.serve(ctx)
			if stopErr := i.stopped(ctx); stopErr != nil {
				return i.exit(stopErr)
			}
			i.logger.WarnContext(ctx, "stream disconnected", slog.String("error", err.Error()))
		} else {
			if stopErr := i.stopped(ctx); stopErr != nil {
				return i.exit(stopErr)
			}
			i.errs.Add(1)
			i.logger.WarnContext(ctx, "stream connect failed", slog.String("error", err.Error()))
		}
		i.setState(StateDisconnected)

		attempt := int(i.attempt.Add(1))
		if attempt > i.cfg.MaxReconnectAttempts {
			i.setState(StateGivenUp)
			i.logger.ErrorContext(ctx, "reconnect attempts exhausted, giving up",
				slog.Int("max_attempts", i.cfg.MaxReconnectAttempts),
			)
			select {
			case <-ctx.Done():
				i.setState(StateDisconnected)
				return ctx.Err()
			case <-i.done:
				i.setState(StateDisconnected)
				return nil
			case <-i.wake:
				i.logger.InfoContext(ctx, "stream restart requested")
				continue
			}
		}

		delay := BackoffDelay(i.cfg.BackoffBase, i.cfg.MaxBackoff, attempt)
		i.reconnects.Add(1)
		i.metrics.Reconnect()
		i.logger.InfoContext(ctx, "reconnecting",
			slog.Duration("delay", delay),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", i.cfg.MaxReconnectAttempts),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			i.setState(StateDisconnected)
			return ctx.Err()
		case <-i.done:
			timer.Stop()
			i.setState(StateDisconnected)
			return nil
		case <-i.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// drainWake discards a Restart that raced a connect which succeeded anyway,
// so it cannot cut short the backoff of a later disconnect.
func (i *Interceptor) drainWake() {
	select {
	case <-i.wake:
	default:
	}
}

func (i *Interceptor) stopped(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
		return errClosed
	default:
		return nil
	}
}

var errClosed = errors.New("feed: interceptor closed")

func (i *Interceptor) exit(err error) error {
	i.setState(StateDisconnected)
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

func (i *Interceptor) connectFromProvider(ctx context.Context) error {
	if i.sessions == nil {
		return &ConnectError{Err: domain.ErrNoSession}
	}
	sess, err := i.sessions.Session(ctx)
	if err != nil {
		return &ConnectError{Err: err}
	}
	cctx, cancel := context.WithTimeout(ctx, i.cfg.HandshakeTimeout)
	defer cancel()
	return i.Connect(cctx, sess)
}

// serve reads frames until the connection fails. The heartbeat task and the
// transport are torn down before it returns.
func (i *Interceptor) serve(ctx context.Context) error {
	i.mu.Lock()
	conn := i.conn
	i.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed: serve: not connected")
	}

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		i.heartbeatLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-connCtx.Done():
		case <-i.done:
		}
		_ = conn.Close()
	}()
	defer func() {
		cancel()
		wg.Wait()
		i.mu.Lock()
		if i.conn == conn {
			i.conn = nil
		}
		i.mu.Unlock()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(i.cfg.MessageTimeout)); err != nil {
			return fmt.Errorf("feed: set read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		i.handleFrame(ctx, data)
	}
}

func (i *Interceptor) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(i.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if i.cfg.HeartbeatMessage != "" {
				err = i.writeText(conn, []byte(i.cfg.HeartbeatMessage))
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			if err != nil {
				i.errs.Add(1)
				i.logger.Warn("heartbeat send failed, dropping connection", slog.String("error", err.Error()))
				_ = conn.Close()
				return
			}
			i.heartbeats.Add(1)
			i.metrics.HeartbeatSent()
		}
	}
}

func (i *Interceptor) handleFrame(ctx context.Context, data []byte) {
	now := time.Now()
	i.messages.Add(1)

	frames, err := decodeFrames(data)
	if err != nil {
		i.parseErrs.Add(1)
		i.metrics.Frame("invalid")
		i.logger.Debug("non-json frame skipped", slog.Int("bytes", len(data)))
		return
	}
	for _, msg := range frames {
		kind := Classify(msg)
		i.metrics.Frame(kind.String())
		switch kind {
		case FramePriceUpdate:
			i.touch(now, false)
			u, err := ParseUpdate(msg, i.cfg.DefaultMarket)
			if err != nil {
				i.parseErrs.Add(1)
				i.logger.Debug("price frame skipped", slog.String("error", err.Error()))
				continue
			}
			u.SourceID = i.cfg.SourceID
			i.oddsUpdates.Add(1)
			if i.engine != nil {
				i.engine.ProcessUpdate(ctx, u, now)
			}
		case FrameHeartbeat:
			i.touch(now, true)
		case FrameSubscription:
			i.touch(now, true)
			i.logger.Info("subscription confirmed")
		default:
			t, _ := msg["type"].(string)
			i.logger.Debug("unclassified frame", slog.String("type", t))
		}
	}
}

func (i *Interceptor) touch(now time.Time, heartbeat bool) {
	i.lastMessage.Store(now.UnixNano())
	if heartbeat {
		i.lastBeat.Store(now.UnixNano())
	}
}

func (i *Interceptor) setState(s State) {
	i.state.Store(int32(s))
	i.metrics.StreamState(int(s))
}

// State returns the current lifecycle state.
func (i *Interceptor) State() State { return State(i.state.Load()) }

// IsConnected reports whether a transport is open.
func (i *Interceptor) IsConnected() bool { return i.State() == StateConnected }

// LastMessageAt is when any frame (or pong) last arrived.
func (i *Interceptor) LastMessageAt() time.Time {
	n := i.lastMessage.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// LastHeartbeatAt is when a heartbeat or ack last arrived.
func (i *Interceptor) LastHeartbeatAt() time.Time {
	n := i.lastBeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Live reports connected with a message inside the liveness window.
func (i *Interceptor) Live(now time.Time) bool {
	return i.IsConnected() && now.Sub(i.LastMessageAt()) <= i.cfg.MessageTimeout
}

// Check is the health probe: nil when live.
func (i *Interceptor) Check(_ context.Context) error {
	now := time.Now()
	switch st := i.State(); st {
	case StateGivenUp:
		return fmt.Errorf("feed: %w", domain.ErrGivenUp)
	case StateConnected:
		if !i.Live(now) {
			return fmt.Errorf("feed: no frames for %s", now.Sub(i.LastMessageAt()).Truncate(time.Second))
		}
		return nil
	default:
		return fmt.Errorf("feed: %s", st)
	}
}

// ForceReconnect drops the current transport; Run reconnects through the
// normal backoff path.
func (i *Interceptor) ForceReconnect() {
	i.mu.Lock()
	conn := i.conn
	i.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Restart clears the attempt counter and wakes a parked or backing-off Run so
// it reconnects immediately with a freshly fetched session.
func (i *Interceptor) Restart() {
	i.attempt.Store(0)
	select {
	case i.wake <- struct{}{}:
	default:
	}
	i.ForceReconnect()
}

// Close stops Run, cancels the heartbeat and closes the transport.
func (i *Interceptor) Close() error {
	i.closeOnce.Do(func() {
		close(i.done)
	})
	i.mu.Lock()
	conn := i.conn
	i.mu.Unlock()
	if conn == nil {
		return nil
	}
	i.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	i.writeMu.Unlock()
	return conn.Close()
}

// Stats returns a snapshot of the counters.
func (i *Interceptor) Stats() Stats {
	return Stats{
		State:             i.State().String(),
		Connected:         i.IsConnected(),
		MessagesReceived:  i.messages.Load(),
		OddsUpdates:       i.oddsUpdates.Load(),
		HeartbeatsSent:    i.heartbeats.Load(),
		Reconnections:     i.reconnects.Load(),
		Errors:            i.errs.Load(),
		ParseErrors:       i.parseErrs.Load(),
		ReconnectAttempts: int(i.attempt.Load()),
		LastMessageAt:     i.LastMessageAt(),
	}
}
