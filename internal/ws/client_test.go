package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func wsServer(t *testing.T, ctx context.Context, onMessage func(map[string]any)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			onMessage(msg)
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientSendsJSONPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	msgCh := make(chan map[string]any, 1)
	url := wsServer(t, ctx, func(msg map[string]any) {
		select {
		case msgCh <- msg:
		default:
		}
	})

	client := New(url, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop(),
		WithPingPayload(map[string]any{"op": "ping"}))
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	select {
	case msg := <-msgCh:
		if msg["op"] != "ping" {
			t.Fatalf("expected ping message, got %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ping")
	}
}

func TestClientReplaysSubscriptionsOnConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	subCh := make(chan map[string]any, 4)
	url := wsServer(t, ctx, func(msg map[string]any) {
		if msg["op"] == "subscribe" {
			select {
			case subCh <- msg:
			default:
			}
		}
	})

	client := New(url, 10*time.Millisecond, 0, zap.NewNop())
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sub := map[string]any{"op": "subscribe", "args": []string{"tickers.BTCUSDT"}}
	if err := client.Subscribe(ctx, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case got := <-subCh:
		if got["op"] != "subscribe" {
			t.Fatalf("unexpected message: %v", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}
}
