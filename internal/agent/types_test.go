package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEventType(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want EventType
	}{
		{name: "known type", raw: "Notification", want: EventNotification},
		{name: "session start", raw: "SessionStart", want: EventSessionStart},
		{name: "tool failure", raw: "PostToolUseFailure", want: EventPostToolUseFailure},
		{name: "empty defaults to stop", raw: "", want: EventStop},
		{name: "unknown defaults to stop", raw: "SomethingNew", want: EventStop},
		{name: "case sensitive", raw: "stop", want: EventStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseEventType(tt.raw))
		})
	}
}

func TestAgent_HasHookEvent(t *testing.T) {
	a := &Agent{HookEvents: []EventType{EventStop, EventNotification}}

	assert.True(t, a.HasHookEvent(EventStop))
	assert.True(t, a.HasHookEvent(EventNotification))
	assert.False(t, a.HasHookEvent(EventPreCompact))

	// SessionStart passes even when the operator's selection omits it.
	assert.True(t, a.HasHookEvent(EventSessionStart))
}

func TestWatchdogSettings_Normalize(t *testing.T) {
	w := &WatchdogSettings{PollIntervalSec: 1, ActionCooldownSec: 3, AttentionThreshold: 0, Enabled: true}
	w.Normalize()

	assert.Equal(t, 5, w.PollIntervalSec)
	assert.Equal(t, 10, w.ActionCooldownSec)
	assert.Equal(t, 1, w.AttentionThreshold)

	// Values above the minimums are left alone.
	w = &WatchdogSettings{PollIntervalSec: 45, ActionCooldownSec: 90, AttentionThreshold: 5}
	w.Normalize()
	assert.Equal(t, 45, w.PollIntervalSec)
	assert.Equal(t, 90, w.ActionCooldownSec)
	assert.Equal(t, 5, w.AttentionThreshold)
}

func TestAgent_TelegramEnabled(t *testing.T) {
	a := &Agent{}
	assert.False(t, a.TelegramEnabled())

	a.Telegram = &TelegramConfig{BotToken: "tok", ChatID: "123", Enabled: false}
	assert.False(t, a.TelegramEnabled())

	a.Telegram.Enabled = true
	assert.True(t, a.TelegramEnabled())

	a.Telegram.ChatID = ""
	assert.False(t, a.TelegramEnabled())
}

func TestHookEvent_DataAccessors(t *testing.T) {
	e := &HookEvent{Data: map[string]any{
		"source":    "compact",
		"trigger":   "auto",
		"tool_name": "Bash",
	}}

	assert.Equal(t, "compact", e.Source())
	assert.Equal(t, "auto", e.Trigger())
	assert.Equal(t, "Bash", e.ToolName())

	empty := &HookEvent{}
	assert.Empty(t, empty.Source())
	assert.Empty(t, empty.Trigger())
}
