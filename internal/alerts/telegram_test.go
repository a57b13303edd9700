package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/position"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload sendMessageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload.ChatID != "123" {
		t.Fatalf("expected chat_id 123, got %q", gotPayload.ChatID)
	}
	if gotPayload.Text != "hello" {
		t.Fatalf("expected text hello, got %q", gotPayload.Text)
	}
}

func TestTelegramSendRetriesAfterRateLimit(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests: retry after 0","parameters":{"retry_after":0}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send to succeed after retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestTelegramSendDoesNotRetryHardErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected chat not found error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

type captureSender struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureSender) Send(_ context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func TestNotifierAlertsOnOperatorEvents(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier(sender, zap.NewNop())

	n.OnTransition(position.TransitionRecord{
		PositionID:     "pos-1",
		CombinationKey: "binance:BTCUSDT|bybit:BTCUSDT",
		To:             position.StatusUnwindFailed,
	})
	n.OnTransition(position.TransitionRecord{
		PositionID: "pos-2",
		To:         position.StatusOpeningLegB, // intermediate, no alert
	})
	n.OnTransition(position.TransitionRecord{
		PositionID:  "pos-3",
		To:          position.StatusClosed,
		RealizedPnl: 12.5,
	})

	n.Wait()
	msgs := sender.all()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %v", len(msgs), msgs)
	}
	joined := strings.Join(msgs, "\n")
	if !strings.Contains(joined, "UNWIND FAILED") || !strings.Contains(joined, "pos-1") {
		t.Fatalf("missing unwind alert: %v", msgs)
	}
	if !strings.Contains(joined, "pnl 12.50 USD") {
		t.Fatalf("missing close alert: %v", msgs)
	}
}

func TestNotifierDrawdownBreach(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier(sender, zap.NewNop())
	n.DrawdownBreach(-512.3, 500)
	n.Wait()
	msgs := sender.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "DRAWDOWN BREACH") {
		t.Fatalf("unexpected messages: %v", msgs)
	}
}

type blockingSender struct {
	release chan struct{}
	sent    chan string
}

func (b *blockingSender) Send(_ context.Context, message string) error {
	<-b.release
	b.sent <- message
	return nil
}

func TestNotifierDoesNotBlockOnSlowSender(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{}), sent: make(chan string, 1)}
	n := NewNotifier(sender, zap.NewNop())

	done := make(chan struct{})
	go func() {
		n.OnTransition(position.TransitionRecord{
			PositionID: "pos-1",
			To:         position.StatusUnwindFailed,
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer callback blocked on delivery")
	}

	close(sender.release)
	select {
	case msg := <-sender.sent:
		if !strings.Contains(msg, "pos-1") {
			t.Fatalf("unexpected message: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
	n.Wait()
}
