package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enruana/claude-orka-sub000/internal/chat"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// fakeBotAPI serves one canned getUpdates batch, then empty batches.
type fakeBotAPI struct {
	mu          sync.Mutex
	updatesJSON string
	served      bool
	offsets     []string
	sent        []map[string]any
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		f.mu.Lock()
		f.offsets = append(f.offsets, r.URL.Query().Get("offset"))
		first := !f.served
		f.served = true
		f.mu.Unlock()

		if first && f.updatesJSON != "" {
			fmt.Fprintf(w, `{"ok":true,"result":%s}`, f.updatesJSON)
			return
		}
		// Pace the poll loop so empty batches do not spin.
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, `{"ok":true,"result":[]}`)

	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		f.mu.Lock()
		f.sent = append(f.sent, payload)
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{}}`)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBotAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, 0, len(f.sent))
	for _, p := range f.sent {
		text, _ := p["text"].(string)
		texts = append(texts, text)
	}
	return texts
}

func (f *fakeBotAPI) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offsets)
}

func (f *fakeBotAPI) sawOffset(offset string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.offsets {
		if o == offset {
			return true
		}
	}
	return false
}

func newTestTransport(t *testing.T, fake *fakeBotAPI, handler chat.Handler) *Transport {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	tr, err := New(Config{BotToken: "TOKEN", ChatID: "42"}, handler, newTestLogger(t))
	require.NoError(t, err)
	tr.baseURL = srv.URL
	return tr
}

func TestNew_RequiresTokenAndChat(t *testing.T) {
	log := newTestLogger(t)

	_, err := New(Config{ChatID: "42"}, nil, log)
	assert.Error(t, err)
	_, err = New(Config{BotToken: "TOKEN"}, nil, log)
	assert.Error(t, err)
}

func TestTransport_SendNotificationFormatsMessage(t *testing.T) {
	fake := &fakeBotAPI{}
	tr := newTestTransport(t, fake, nil)

	err := tr.SendNotification(context.Background(), chat.Notification{
		Level:           chat.LevelWarn,
		Title:           "Agent needs attention",
		Body:            "merge conflict in src/main.go",
		TerminalSnippet: "CONFLICT (content): Merge conflict",
	})
	require.NoError(t, err)

	texts := fake.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "⚠️ Agent needs attention")
	assert.Contains(t, texts[0], "merge conflict in src/main.go")
	assert.Contains(t, texts[0], "--- terminal ---")
	assert.Contains(t, texts[0], "CONFLICT (content)")

	// Numeric chat ids go out as numbers.
	fake.mu.Lock()
	chatID := fake.sent[0]["chat_id"]
	fake.mu.Unlock()
	assert.Equal(t, float64(42), chatID)
}

func TestTransport_TruncatesLongMessages(t *testing.T) {
	fake := &fakeBotAPI{}
	tr := newTestTransport(t, fake, nil)

	err := tr.SendNotification(context.Background(), chat.Notification{
		Level: chat.LevelInfo,
		Body:  strings.Repeat("x", 5000),
	})
	require.NoError(t, err)

	texts := fake.sentTexts()
	require.Len(t, texts, 1)
	assert.True(t, strings.HasSuffix(texts[0], "[...truncated]"))
	assert.LessOrEqual(t, len([]rune(texts[0])), maxMessageRunes+len("\n\n[...truncated]"))
}

func TestTransport_PollDispatchesToHandler(t *testing.T) {
	fake := &fakeBotAPI{
		updatesJSON: `[{"update_id":7,"message":{"message_id":1,"text":"status?","chat":{"id":42}}}]`,
	}

	var mu sync.Mutex
	var received []string
	handler := func(ctx context.Context, text string) (string, error) {
		mu.Lock()
		received = append(received, text)
		mu.Unlock()
		return "all good", nil
	}

	tr := newTestTransport(t, fake, handler)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop()

	require.Eventually(t, func() bool {
		for _, text := range fake.sentTexts() {
			if text == "all good" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"status?"}, received)
	mu.Unlock()

	// The acknowledged update moves the poll offset forward.
	require.Eventually(t, func() bool { return fake.sawOffset("8") },
		2*time.Second, 10*time.Millisecond)
}

func TestTransport_HandlerErrorIsReported(t *testing.T) {
	fake := &fakeBotAPI{
		updatesJSON: `[{"update_id":3,"message":{"message_id":1,"text":"do the thing","chat":{"id":42}}}]`,
	}
	handler := func(ctx context.Context, text string) (string, error) {
		return "", errors.New("agent is busy")
	}

	tr := newTestTransport(t, fake, handler)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop()

	require.Eventually(t, func() bool {
		for _, text := range fake.sentTexts() {
			if strings.Contains(text, "agent is busy") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransport_IgnoresForeignChat(t *testing.T) {
	fake := &fakeBotAPI{
		updatesJSON: `[{"update_id":7,"message":{"message_id":1,"text":"hi","chat":{"id":99}}}]`,
	}

	var handlerCalled atomic.Bool
	handler := func(ctx context.Context, text string) (string, error) {
		handlerCalled.Store(true)
		return "", nil
	}

	tr := newTestTransport(t, fake, handler)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop()

	// The foreign update is still acknowledged so it is not re-delivered.
	require.Eventually(t, func() bool { return fake.sawOffset("8") },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, handlerCalled.Load())
	assert.Empty(t, fake.sentTexts())
}

func TestTransport_OutlivesCallerContext(t *testing.T) {
	fake := &fakeBotAPI{
		updatesJSON: `[{"update_id":7,"message":{"message_id":1,"text":"status?","chat":{"id":42}}}]`,
	}
	handler := func(ctx context.Context, text string) (string, error) {
		return "all good", nil
	}

	tr := newTestTransport(t, fake, handler)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Start(ctx))
	defer tr.Stop()

	require.Eventually(t, func() bool {
		for _, text := range fake.sentTexts() {
			if text == "all good" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// A connect request's context ends the moment the HTTP handler
	// returns; the poll loop must keep delivering after that.
	cancel()
	before := fake.pollCount()
	require.Eventually(t, func() bool { return fake.pollCount() > before },
		2*time.Second, 10*time.Millisecond, "polling continues after the start context is cancelled")
	assert.True(t, tr.IsRunning())

	require.NoError(t, tr.Stop())
	assert.False(t, tr.IsRunning())
}

func TestTransport_StartStopLifecycle(t *testing.T) {
	fake := &fakeBotAPI{}
	tr := newTestTransport(t, fake, nil)

	assert.False(t, tr.IsRunning())
	require.NoError(t, tr.Start(context.Background()))
	assert.True(t, tr.IsRunning())
	require.NoError(t, tr.Start(context.Background()), "second start is a no-op")

	require.NoError(t, tr.Stop())
	assert.False(t, tr.IsRunning())
	require.NoError(t, tr.Stop(), "second stop is a no-op")
}
