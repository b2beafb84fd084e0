package agent

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer_AppendAndEntries(t *testing.T) {
	b := NewLogBufferWithCapacity(3)

	b.Append(LogLevelInfo, "supervisor", "first")
	b.Append(LogLevelWarn, "machine", "second")

	entries := b.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)
	assert.Equal(t, LogLevelWarn, entries[1].Level)
	assert.Equal(t, "machine", entries[1].Source)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestLogBuffer_DropsOldestAtCapacity(t *testing.T) {
	b := NewLogBufferWithCapacity(3)

	for i := 1; i <= 5; i++ {
		b.Append(LogLevelInfo, "supervisor", fmt.Sprintf("entry-%d", i))
	}

	entries := b.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "entry-3", entries[0].Message)
	assert.Equal(t, "entry-4", entries[1].Message)
	assert.Equal(t, "entry-5", entries[2].Message)
	assert.Equal(t, 3, b.Len())
}

func TestLogBuffer_Tail(t *testing.T) {
	b := NewLogBufferWithCapacity(10)
	for i := 1; i <= 6; i++ {
		b.Append(LogLevelInfo, "watchdog", fmt.Sprintf("entry-%d", i))
	}

	tail := b.Tail(2)
	require.Len(t, tail, 2)
	assert.Equal(t, "entry-5", tail[0].Message)
	assert.Equal(t, "entry-6", tail[1].Message)

	// Asking for more than is buffered returns everything.
	assert.Len(t, b.Tail(100), 6)
}

func TestLogBuffer_ConcurrentAppend(t *testing.T) {
	b := NewLogBuffer()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Append(LogLevelInfo, "machine", fmt.Sprintf("writer-%d entry-%d", n, j))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 500, b.Len())
}
