package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/smsecure/message"
)

// fakeClock is a controllable time source for eviction tests.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time                  { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestIdleBufferEvicted(t *testing.T) {
	clock := &fakeClock{now: time.Now()}

	asm := NewAssembler(time.Minute)
	defer asm.Close()
	asm.SetTimeProvider(clock)

	segments, err := Fragment(message.KindSecure, make([]byte, segmentPayload+1))
	require.NoError(t, err)
	require.Len(t, segments, 2)

	assembled, err := asm.Process("peer", segments[0])
	require.NoError(t, err)
	require.Nil(t, assembled)
	require.Equal(t, 1, asm.PendingCount())

	// Still inside the window: nothing is dropped.
	clock.advance(30 * time.Second)
	asm.Evict()
	assert.Equal(t, 1, asm.PendingCount())

	clock.advance(31 * time.Second)
	asm.Evict()
	assert.Equal(t, 0, asm.PendingCount())

	// The late segment starts a fresh buffer instead of completing.
	assembled, err = asm.Process("peer", segments[1])
	require.NoError(t, err)
	assert.Nil(t, assembled)
	assert.Equal(t, 1, asm.PendingCount())
}

func TestActivityResetsIdleWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}

	asm := NewAssembler(time.Minute)
	defer asm.Close()
	asm.SetTimeProvider(clock)

	segments, err := Fragment(message.KindSecure, make([]byte, segmentPayload*2+1))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(segments), 3)

	_, err = asm.Process("peer", segments[0])
	require.NoError(t, err)

	// A new part arriving refreshes the buffer's idle deadline.
	clock.advance(45 * time.Second)
	_, err = asm.Process("peer", segments[1])
	require.NoError(t, err)

	clock.advance(45 * time.Second)
	asm.Evict()
	assert.Equal(t, 1, asm.PendingCount())
}
