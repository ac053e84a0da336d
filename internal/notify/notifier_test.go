package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acheron/engine/internal/domain"
)

type recordSender struct {
	name string
	err  error

	mu   sync.Mutex
	msgs []Message
}

func (r *recordSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func (r *recordSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type memDedup struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (m *memDedup) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleOpp(profit float64) domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:      "opp-1",
		EventID: "E1",
		Market:  domain.MarketMoneyline,
		Legs: []domain.Leg{
			{SourceID: "ref", Outcome: domain.OutcomeHome, Price: 2.10},
			{SourceID: "cp", Outcome: domain.OutcomeAway, Price: 2.05},
		},
		ImpliedProbability: 0.9640,
		ProfitPercent:      profit,
		DetectedAt:         time.Unix(1_700_000_000, 0),
	}
}

func sampleEvent() *domain.EventInfo {
	return &domain.EventInfo{EventID: "E1", LeagueID: "1", League: "NHL", HomeTeam: "Oilers", AwayTeam: "Flames"}
}

func TestSendArbitrageAlertFormatsMessage(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier(Config{DeepLinkBase: "https://book.example/sports/hockey/"}, []Sender{s}, nil, testLogger())

	if err := n.SendArbitrageAlert(context.Background(), sampleOpp(6.24), sampleEvent()); err != nil {
		t.Fatalf("SendArbitrageAlert: %v", err)
	}
	if s.count() != 1 {
		t.Fatalf("messages = %d, want 1", s.count())
	}
	msg := s.msgs[0]
	if msg.Title != "ARB: 6.24% | Oilers vs Flames" {
		t.Errorf("title = %q", msg.Title)
	}
	for _, want := range []string{"NHL: Oilers vs Flames", "Profit: 6.24%", "Leg 1: REF - Home @ 2.10", "Leg 2: CP - Away @ 2.05", "Implied Prob: 0.9640"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}
	if msg.Priority != domain.PriorityUrgent {
		t.Errorf("priority = %d, want %d", msg.Priority, domain.PriorityUrgent)
	}
	if msg.Click != "https://book.example/sports/hockey/leagues/1/events/E1" {
		t.Errorf("click = %q", msg.Click)
	}
	if got := strings.Join(msg.Tags, ","); got != "fire,fire,moneybag,warning" {
		t.Errorf("tags = %q", got)
	}
}

func TestSendArbitrageAlertFilters(t *testing.T) {
	t.Run("below threshold", func(t *testing.T) {
		s := &recordSender{name: "rec"}
		n := NewNotifier(Config{MinProfitPercent: 2}, []Sender{s}, nil, testLogger())
		if err := n.SendArbitrageAlert(context.Background(), sampleOpp(1.5), nil); err != nil {
			t.Fatal(err)
		}
		if s.count() != 0 {
			t.Fatalf("messages = %d, want 0", s.count())
		}
	})

	t.Run("cooldown per event", func(t *testing.T) {
		s := &recordSender{name: "rec"}
		n := NewNotifier(Config{Cooldown: 10 * time.Second}, []Sender{s}, nil, testLogger())
		now := time.Unix(1_700_000_000, 0)
		n.now = func() time.Time { return now }

		ctx := context.Background()
		_ = n.SendArbitrageAlert(ctx, sampleOpp(3), nil)
		now = now.Add(5 * time.Second)
		_ = n.SendArbitrageAlert(ctx, sampleOpp(3), nil)
		other := sampleOpp(3)
		other.EventID = "E2"
		_ = n.SendArbitrageAlert(ctx, other, nil)
		now = now.Add(6 * time.Second)
		_ = n.SendArbitrageAlert(ctx, sampleOpp(3), nil)

		if s.count() != 3 {
			t.Fatalf("messages = %d, want 3", s.count())
		}
	})

	t.Run("failed send does not start cooldown", func(t *testing.T) {
		s := &recordSender{name: "rec", err: errors.New("down")}
		n := NewNotifier(Config{Cooldown: time.Minute}, []Sender{s}, nil, testLogger())
		ctx := context.Background()
		if err := n.SendArbitrageAlert(ctx, sampleOpp(3), nil); err == nil {
			t.Fatal("expected error")
		}
		_ = n.SendArbitrageAlert(ctx, sampleOpp(3), nil)
		if s.count() != 2 {
			t.Fatalf("messages = %d, want 2", s.count())
		}
	})

	t.Run("shared dedup", func(t *testing.T) {
		s := &recordSender{name: "rec"}
		d := &memDedup{}
		a := NewNotifier(Config{DedupTTL: time.Minute}, []Sender{s}, d, testLogger())
		b := NewNotifier(Config{DedupTTL: time.Minute}, []Sender{s}, d, testLogger())
		ctx := context.Background()
		_ = a.SendArbitrageAlert(ctx, sampleOpp(3), nil)
		_ = b.SendArbitrageAlert(ctx, sampleOpp(3), nil)
		if s.count() != 1 {
			t.Fatalf("messages = %d, want 1", s.count())
		}
	})

	t.Run("dedup error sends anyway", func(t *testing.T) {
		s := &recordSender{name: "rec"}
		n := NewNotifier(Config{DedupTTL: time.Minute}, []Sender{s}, &memDedup{err: errors.New("redis down")}, testLogger())
		_ = n.SendArbitrageAlert(context.Background(), sampleOpp(3), nil)
		if s.count() != 1 {
			t.Fatalf("messages = %d, want 1", s.count())
		}
	})

	t.Run("events filter", func(t *testing.T) {
		s := &recordSender{name: "rec"}
		n := NewNotifier(Config{Events: []string{EventSystem}}, []Sender{s}, nil, testLogger())
		ctx := context.Background()
		_ = n.SendArbitrageAlert(ctx, sampleOpp(3), nil)
		_ = n.SendSystemAlert(ctx, "Feed Failure", "down", domain.PriorityHigh)
		if s.count() != 1 || s.msgs[0].Title != "Feed Failure" {
			t.Fatalf("messages = %+v", s.msgs)
		}
	})
}

// gateSender blocks every Send until gate is closed.
type gateSender struct {
	recordSender
	gate chan struct{}
}

func (g *gateSender) Send(ctx context.Context, msg Message) error {
	<-g.gate
	return g.recordSender.Send(ctx, msg)
}

func TestConcurrentAlertsShareOneCooldownSlot(t *testing.T) {
	s := &gateSender{recordSender: recordSender{name: "slow"}, gate: make(chan struct{})}
	n := NewNotifier(Config{Cooldown: 10 * time.Second}, []Sender{s}, nil, testLogger())

	const callers = 5
	returned := make(chan struct{}, callers)
	for range callers {
		go func() {
			_ = n.SendArbitrageAlert(context.Background(), sampleOpp(3), nil)
			returned <- struct{}{}
		}()
	}
	// every caller but the one holding the slot returns while it is blocked
	for range callers - 1 {
		<-returned
	}
	close(s.gate)
	<-returned

	if s.count() != 1 {
		t.Fatalf("sends inside one cooldown window = %d, want 1", s.count())
	}
	if err := n.SendArbitrageAlert(context.Background(), sampleOpp(3), nil); err != nil || s.count() != 1 {
		t.Fatalf("cooldown not started after delivery: err %v, sends %d", err, s.count())
	}
}

func TestSlotReleasedAfterFailedDelivery(t *testing.T) {
	s := &recordSender{name: "rec", err: errors.New("down")}
	n := NewNotifier(Config{Cooldown: time.Minute}, []Sender{s}, nil, testLogger())
	ctx := context.Background()
	_ = n.SendArbitrageAlert(ctx, sampleOpp(3), nil)

	n.mu.Lock()
	held := n.inflight[sampleOpp(3).EventID]
	n.mu.Unlock()
	if held {
		t.Fatal("slot still held after failed delivery")
	}
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	if err := n.SendArbitrageAlert(ctx, sampleOpp(3), nil); err != nil || s.count() != 2 {
		t.Fatalf("retry after failure: err %v, sends %d", err, s.count())
	}
}

func TestDispatchCollectsErrors(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("boom")}
	good := &recordSender{name: "good"}
	n := NewNotifier(Config{}, []Sender{bad, good}, nil, testLogger())

	err := n.SendSystemAlert(context.Background(), "t", "m", 0)
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("err = %v", err)
	}
	if good.count() != 1 {
		t.Fatal("healthy sender skipped after failure")
	}
	if good.msgs[0].Priority != domain.PriorityDefault {
		t.Errorf("default priority = %d", good.msgs[0].Priority)
	}
}

func TestNtfySender(t *testing.T) {
	var gotPath, gotTitle, gotPriority, gotTags, gotClick, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
		gotTags = r.Header.Get("Tags")
		gotClick = r.Header.Get("Click")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewNtfySender(srv.URL+"/", "arbs", "tok")
	err := s.Send(context.Background(), Message{
		Title: "ARB", Body: "hello", Priority: 5, Tags: []string{"moneybag", "warning"}, Click: "https://x",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/arbs" || gotTitle != "ARB" || gotPriority != "5" || gotTags != "moneybag,warning" ||
		gotClick != "https://x" || gotAuth != "Bearer tok" || gotBody != "hello" {
		t.Fatalf("unexpected request: path=%q title=%q prio=%q tags=%q click=%q auth=%q body=%q",
			gotPath, gotTitle, gotPriority, gotTags, gotClick, gotAuth, gotBody)
	}
}

func TestNtfySenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "limit", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewNtfySender(srv.URL, "arbs", "").Send(context.Background(), Message{Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v", err)
	}
}

func TestTelegramSenderUsesAPIBase(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	if err := s.Send(context.Background(), Message{Title: "t", Body: "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/botTOKEN/sendMessage" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestDeepLinkFallback(t *testing.T) {
	if got := deepLink("https://b/x/", nil); got != "https://b/x" {
		t.Errorf("nil event = %q", got)
	}
	if got := deepLink("", sampleEvent()); got != "" {
		t.Errorf("empty base = %q", got)
	}
}
