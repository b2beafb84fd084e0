// Package telegram implements the operator chat transport over the
// Telegram Bot API with long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/chat"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
)

const (
	apiBase = "https://api.telegram.org"

	// pollTimeoutSec is the server-side long-poll window for getUpdates.
	pollTimeoutSec = 25
	pollRetryDelay = 3 * time.Second

	// maxMessageRunes stays under Telegram's 4096 limit with room for the
	// truncation marker.
	maxMessageRunes = 3500
)

// Config identifies the bot and the single chat it talks to.
type Config struct {
	BotToken string
	ChatID   string
}

// Transport is a chat.Transport over one Telegram bot and chat.
type Transport struct {
	cfg     Config
	handler chat.Handler
	log     *logger.Logger
	client  *http.Client
	baseURL string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	offset  int64
}

var _ chat.Transport = (*Transport)(nil)

// New builds the transport. The handler receives every inbound message
// from the configured chat; messages from other chats are ignored.
func New(cfg Config, handler chat.Handler, log *logger.Logger) (*Transport, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, errors.New("telegram bot token and chat id required")
	}
	return &Transport{
		cfg:     cfg,
		handler: handler,
		log:     log,
		client:  &http.Client{Timeout: (pollTimeoutSec + 15) * time.Second},
		baseURL: apiBase,
	}, nil
}

// Start launches the long-poll loop. The loop's lifetime belongs to
// Stop; cancelling the caller's ctx does not end it, so a transport
// started from a request handler keeps polling after the request ends.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.pollLoop(runCtx)
	t.log.Info("Telegram transport started", zap.String("chat_id", t.cfg.ChatID))
	return nil
}

// Stop ends the loop and waits for it to exit.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	done := t.done
	t.running = false
	t.mu.Unlock()

	cancel()
	<-done
	t.log.Info("Telegram transport stopped")
	return nil
}

// IsRunning reports whether the poll loop is active.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// SendNotification delivers one formatted message to the configured chat.
func (t *Transport) SendNotification(ctx context.Context, n chat.Notification) error {
	return t.send(ctx, formatNotification(n))
}

func (t *Transport) pollLoop(ctx context.Context) {
	done := t.done
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("Telegram poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, u := range updates {
			t.offset = u.UpdateID + 1
			t.handleUpdate(ctx, u)
		}
	}
}

func (t *Transport) handleUpdate(ctx context.Context, u update) {
	if u.Message == nil || u.Message.Text == "" {
		return
	}
	if strconv.FormatInt(u.Message.Chat.ID, 10) != t.cfg.ChatID {
		t.log.Debug("Ignoring message from foreign chat",
			zap.Int64("chat_id", u.Message.Chat.ID))
		return
	}

	reply, err := t.handler(ctx, u.Message.Text)
	if err != nil {
		reply = fmt.Sprintf("Could not process that: %s", err)
	}
	if reply == "" {
		return
	}
	if err := t.send(ctx, reply); err != nil {
		t.log.Warn("Telegram reply failed", zap.Error(err))
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (t *Transport) getUpdates(ctx context.Context) ([]update, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=%d",
		t.baseURL, t.cfg.BotToken, t.offset, pollTimeoutSec)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("getUpdates rejected: %s", parsed.Description)
	}

	var updates []update
	if err := json.Unmarshal(parsed.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (t *Transport) send(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id": chatIDValue(t.cfg.ChatID),
		"text":    truncate(text),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode sendMessage response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("sendMessage rejected: %s", parsed.Description)
	}
	return nil
}

// chatIDValue sends numeric ids as numbers, which is what the Bot API
// documents; @channel names pass through as strings.
func chatIDValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func formatNotification(n chat.Notification) string {
	var b strings.Builder
	b.WriteString(levelTag(n.Level))
	if n.Title != "" {
		b.WriteString(" ")
		b.WriteString(n.Title)
	}
	if n.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(n.Body)
	}
	if n.TerminalSnippet != "" {
		b.WriteString("\n\n--- terminal ---\n")
		b.WriteString(n.TerminalSnippet)
	}
	return b.String()
}

func levelTag(l chat.Level) string {
	switch l {
	case chat.LevelWarn:
		return "⚠️"
	case chat.LevelError:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// truncate limits text by rune count so multi-byte characters are never
// split.
func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxMessageRunes {
		return text
	}
	return string(runes[:maxMessageRunes]) + "\n\n[...truncated]"
}
