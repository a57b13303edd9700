package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
)

const telegramBaseURL = "https://api.telegram.org"

// maxSendAttempts bounds the retries when Telegram rate-limits a send.
const maxSendAttempts = 3

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// apiResponse is the envelope Telegram wraps every bot API reply in.
// On HTTP 429 the parameters carry the mandated wait in seconds.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

// Send delivers one message, honoring Telegram's rate-limit responses:
// a 429 carrying retry_after waits that long and tries again, up to
// maxSendAttempts total.
func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  message,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		status, resp, err := t.post(ctx, body)
		if err != nil {
			return err
		}
		if resp.OK {
			return nil
		}
		desc := strings.TrimSpace(resp.Description)
		if desc == "" {
			desc = fmt.Sprintf("http %d", status)
		}
		lastErr = fmt.Errorf("telegram send failed: %s", desc)
		if status != http.StatusTooManyRequests {
			return lastErr
		}
		wait := time.Duration(resp.Parameters.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		t.log.Warn("telegram rate limited",
			zap.Duration("retry_after", wait),
			zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// post performs one sendMessage call and decodes the API envelope.
func (t *Telegram) post(ctx context.Context, body []byte) (int, apiResponse, error) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, apiResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, apiResponse{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return resp.StatusCode, apiResponse{}, err
	}
	var decoded apiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, apiResponse{}, fmt.Errorf("telegram send failed: http %d: %s",
				resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		// A 2xx with an undecodable body still counts as delivered.
		decoded.OK = true
	}
	return resp.StatusCode, decoded, nil
}
