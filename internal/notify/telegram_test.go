package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/acheron/engine/internal/domain"
)

func TestTelegramRequestFor(t *testing.T) {
	req := telegramRequestFor("42", Message{
		Title:    "Arb <2.1%>",
		Body:     "home & away",
		Priority: domain.PriorityDefault,
		Click:    "https://book.example/e/1",
	})
	if req.Text != "<b>Arb &lt;2.1%&gt;</b>\nhome &amp; away" {
		t.Errorf("text = %q", req.Text)
	}
	if !req.DisableNotification {
		t.Error("default priority should be silent")
	}
	if req.ReplyMarkup == nil || req.ReplyMarkup.InlineKeyboard[0][0].URL != "https://book.example/e/1" {
		t.Errorf("markup = %+v", req.ReplyMarkup)
	}

	urgent := telegramRequestFor("42", Message{Title: "t", Priority: domain.PriorityUrgent})
	if urgent.DisableNotification || urgent.ReplyMarkup != nil {
		t.Errorf("urgent = %+v", urgent)
	}
}

func TestTelegramSenderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	err := s.Send(context.Background(), Message{Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v", err)
	}
}
