package agent

import (
	"sync"
	"time"

	"github.com/enruana/claude-orka-sub000/internal/common/constants"
)

// Log entry levels, shared with oracle notifications
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogEntry represents one line in an agent's activity log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"` // Component that wrote the entry
	Message   string    `json:"message"`
}

// LogBuffer is a fixed-capacity ring of log entries. Several components
// append to one agent's buffer concurrently; inserts past capacity drop
// the oldest entry.
type LogBuffer struct {
	mu       sync.Mutex
	entries  []LogEntry
	start    int
	count    int
	capacity int
}

// NewLogBuffer creates a buffer with the default capacity
func NewLogBuffer() *LogBuffer {
	return NewLogBufferWithCapacity(constants.AgentLogRingCapacity)
}

// NewLogBufferWithCapacity creates a buffer holding at most capacity entries
func NewLogBufferWithCapacity(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LogBuffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Append records an entry, dropping the oldest one when the buffer is full
func (b *LogBuffer) Append(level, source, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.start + b.count) % b.capacity
	b.entries[idx] = LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
	}

	if b.count < b.capacity {
		b.count++
	} else {
		b.start = (b.start + 1) % b.capacity
	}
}

// Entries returns a copy of the buffered entries, oldest first
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]LogEntry, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(b.start+i)%b.capacity]
	}
	return out
}

// Tail returns a copy of the newest n entries, oldest first
func (b *LogBuffer) Tail(n int) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = b.entries[(b.start+b.count-n+i)%b.capacity]
	}
	return out
}

// Len returns the number of buffered entries
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
