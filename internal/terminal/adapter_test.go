package terminal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enruana/claude-orka-sub000/internal/common/logger"
)

type fakeMux struct {
	captureText string
	captureErr  error
	sendErr     error
	calls       []string
}

func (f *fakeMux) Capture(ctx context.Context, paneID string, maxLines int) (string, error) {
	f.calls = append(f.calls, "capture")
	return f.captureText, f.captureErr
}

func (f *fakeMux) SendLiteral(ctx context.Context, paneID, text string) error {
	f.calls = append(f.calls, "literal:"+text)
	return f.sendErr
}

func (f *fakeMux) SendKey(ctx context.Context, paneID, key string) error {
	f.calls = append(f.calls, "key:"+key)
	return f.sendErr
}

func (f *fakeMux) SendEnter(ctx context.Context, paneID string) error {
	f.calls = append(f.calls, "enter")
	return f.sendErr
}

func newTestAdapter(t *testing.T, mux Mux) *Adapter {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewAdapter(mux, 200, log)
}

func TestAdapter_CaptureTruncatesTrailingEmptyLines(t *testing.T) {
	mux := &fakeMux{captureText: "line one\nline two\n\n   \n\n"}
	a := newTestAdapter(t, mux)

	snap, err := a.Capture(context.Background(), "%1", 0)
	require.NoError(t, err)

	assert.Equal(t, "line one\nline two", snap.Text)
	assert.Equal(t, 2, snap.LineCount)
	assert.Equal(t, "%1", snap.PaneID)
	assert.False(t, snap.CapturedAt.IsZero())
}

func TestAdapter_CaptureUnavailable(t *testing.T) {
	mux := &fakeMux{captureErr: errors.New("can't find pane %1")}
	a := newTestAdapter(t, mux)

	_, err := a.Capture(context.Background(), "%1", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTerminalUnavailable))
}

func TestAdapter_SendLiteralThenEnter(t *testing.T) {
	mux := &fakeMux{}
	a := newTestAdapter(t, mux)

	err := a.SendLiteralThenEnter(context.Background(), "%1", "continue from checkpoint")
	require.NoError(t, err)

	assert.Equal(t, []string{"literal:continue from checkpoint", "enter"}, mux.calls)
}

func TestAdapter_ApproveRejectKeys(t *testing.T) {
	mux := &fakeMux{}
	a := newTestAdapter(t, mux)
	ctx := context.Background()

	require.NoError(t, a.SendApprove(ctx, "%1"))
	require.NoError(t, a.SendReject(ctx, "%1"))

	assert.Equal(t, []string{"key:y", "enter", "key:n", "enter"}, mux.calls)
}

func TestAdapter_EscapeSendsNoEnter(t *testing.T) {
	mux := &fakeMux{}
	a := newTestAdapter(t, mux)

	require.NoError(t, a.SendEscape(context.Background(), "%1"))
	assert.Equal(t, []string{"key:Escape"}, mux.calls)
}

func TestAdapter_CompactAndClearCommands(t *testing.T) {
	mux := &fakeMux{}
	a := newTestAdapter(t, mux)
	ctx := context.Background()

	require.NoError(t, a.SendCompact(ctx, "%1"))
	require.NoError(t, a.SendClear(ctx, "%1"))

	assert.Equal(t, []string{
		"literal:/compact", "enter",
		"literal:/clear", "enter",
	}, mux.calls)
}

func TestAdapter_SendFailureWrapsUnavailable(t *testing.T) {
	mux := &fakeMux{sendErr: errors.New("pane is dead")}
	a := newTestAdapter(t, mux)

	err := a.SendLiteralThenEnter(context.Background(), "%1", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTerminalUnavailable))
}
