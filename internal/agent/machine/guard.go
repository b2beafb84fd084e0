package machine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/common/constants"
)

// ErrBusy is returned when the guard cannot be acquired because an event
// cycle is already running against the pane.
var ErrBusy = errors.New("agent is busy processing another event")

// Guard serializes all work on one agent's pane. Inbound events try-acquire
// and are dropped when the guard is held; human instructions wait-acquire
// with a bounded patience. A holder stuck past MaxProcessingTime is force
// released so the agent cannot wedge forever.
type Guard struct {
	mu sync.Mutex

	processing        bool
	processingStarted time.Time
	lastEventType     agent.EventType
	lastResponseTime  time.Time
	pendingFollowUp   bool

	// token invalidates stale holds after a force release
	token   uint64
	waiters []chan struct{}
}

// GuardState is a point-in-time copy of the guard's bookkeeping, exposed
// on the agent status surface.
type GuardState struct {
	Processing          bool            `json:"isProcessing"`
	ProcessingStartedAt time.Time       `json:"processingStartedAt,omitempty"`
	LastEventType       agent.EventType `json:"lastEventType,omitempty"`
	LastResponseTime    time.Time       `json:"lastResponseTime,omitempty"`
	PendingFollowUp     bool            `json:"pendingFollowUp"`
}

// Hold represents an acquired guard. Release is idempotent and is a no-op
// for holds that were force released by a later acquisition.
type Hold struct {
	g     *Guard
	token uint64
}

// Release frees the guard and wakes any instruction waiting on it.
func (h *Hold) Release() {
	g := h.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.processing || g.token != h.token {
		return
	}
	g.processing = false
	g.wakeWaitersLocked()
}

// AdmitVerdict reports how the guard treated one inbound event.
type AdmitVerdict struct {
	Admitted bool
	// Forced means a cycle stuck past MaxProcessingTime was force released
	// to admit this event.
	Forced bool
	// Bypassed means the event passed the cooldown via pendingFollowUp.
	Bypassed bool
	// Reason is set when the event was not admitted.
	Reason agent.DropReason
}

// Admit evaluates one inbound event. Busy cycles younger than
// MaxProcessingTime win; older ones are force released. Events landing
// within EventCooldown of the last keystroke are dropped, except a
// SessionStart with pendingFollowUp set, which consumes the flag and
// passes. On admission the guard is held and the hold must be released
// when the cycle ends.
func (g *Guard) Admit(eventType agent.EventType, now time.Time) (*Hold, AdmitVerdict) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var v AdmitVerdict
	if g.processing {
		if now.Sub(g.processingStarted) < constants.MaxProcessingTime {
			v.Reason = agent.DropProcessingBusy
			return nil, v
		}
		g.forceResetLocked()
		v.Forced = true
	}

	if !g.lastResponseTime.IsZero() && now.Sub(g.lastResponseTime) < constants.EventCooldown {
		if eventType == agent.EventSessionStart && g.pendingFollowUp {
			g.pendingFollowUp = false
			v.Bypassed = true
		} else {
			v.Reason = agent.DropCooldown
			return nil, v
		}
	}

	v.Admitted = true
	return g.acquireLocked(eventType, now), v
}

// WaitAcquire blocks until the guard frees or maxWait passes. Unlike
// Admit it never applies the cooldown: an operator asked for this.
func (g *Guard) WaitAcquire(ctx context.Context, eventType agent.EventType, maxWait time.Duration) (*Hold, error) {
	deadline := time.Now().Add(maxWait)

	g.mu.Lock()
	for {
		now := time.Now()
		if g.processing && now.Sub(g.processingStarted) >= constants.MaxProcessingTime {
			g.forceResetLocked()
		}
		if !g.processing {
			h := g.acquireLocked(eventType, now)
			g.mu.Unlock()
			return h, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			g.mu.Unlock()
			return nil, ErrBusy
		}

		waiter := make(chan struct{})
		g.waiters = append(g.waiters, waiter)
		g.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-waiter:
			timer.Stop()
		case <-timer.C:
			return nil, ErrBusy
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		g.mu.Lock()
	}
}

// RecordResponse stamps the moment keystrokes were sent to the pane,
// arming the cooldown against echo events.
func (g *Guard) RecordResponse(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastResponseTime = now
}

// SetPendingFollowUp arms or clears the post-compact/clear reawakening flag.
func (g *Guard) SetPendingFollowUp(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingFollowUp = v
}

// State returns a copy of the guard's bookkeeping.
func (g *Guard) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GuardState{
		Processing:          g.processing,
		ProcessingStartedAt: g.processingStarted,
		LastEventType:       g.lastEventType,
		LastResponseTime:    g.lastResponseTime,
		PendingFollowUp:     g.pendingFollowUp,
	}
}

func (g *Guard) acquireLocked(eventType agent.EventType, now time.Time) *Hold {
	g.token++
	g.processing = true
	g.processingStarted = now
	g.lastEventType = eventType
	return &Hold{g: g, token: g.token}
}

func (g *Guard) forceResetLocked() {
	g.processing = false
	g.token++
	g.wakeWaitersLocked()
}

func (g *Guard) wakeWaitersLocked() {
	for _, w := range g.waiters {
		close(w)
	}
	g.waiters = nil
}
