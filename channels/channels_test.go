package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseChannelIgnorePanic(t *testing.T) {
	t.Parallel()

	ch := make(chan int)

	CloseChannelIgnorePanic(ch)

	assert.NotPanics(t, func() {
		CloseChannelIgnorePanic(ch)
	})

	assert.NotPanics(t, func() {
		CloseChannelIgnorePanic[int](nil)
	})
}

func TestSignal_Coalesces(t *testing.T) {
	t.Parallel()

	ch := make(chan struct{}, 1)

	Signal(ch)
	Signal(ch)
	Signal(ch)

	assert.Len(t, ch, 1)
}

func TestMailbox_FIFO(t *testing.T) {
	t.Parallel()

	box := NewMailbox[int](0)

	for i := range 5 {
		require.True(t, box.Push(i))
	}

	assert.Equal(t, 5, box.Len())

	for i := range 5 {
		v, err := box.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	_, ok := box.TryPop()
	assert.False(t, ok)
}

func TestMailbox_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	box := NewMailbox[string](0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		box.Push("hello")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := box.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestMailbox_PopHonorsContext(t *testing.T) {
	t.Parallel()

	box := NewMailbox[int](0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := box.Pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailbox_SlidingWindow(t *testing.T) {
	t.Parallel()

	box := NewMailbox[int](2)

	box.Push(1)
	box.Push(2)
	box.Push(3)

	assert.Equal(t, 2, box.Len())
	assert.Equal(t, 1, box.Dropped())

	v, ok := box.TryPop()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestMailbox_Drain(t *testing.T) {
	t.Parallel()

	box := NewMailbox[int](0)

	box.Push(1)
	box.Push(2)

	assert.Equal(t, 2, box.Drain())
	assert.Equal(t, 0, box.Len())
}

func TestMailbox_DrainBeforeKeepsLaterValues(t *testing.T) {
	t.Parallel()

	m := NewMailbox[int](0)
	m.Push(1)
	m.Push(2)

	mark := m.Mark()

	m.Push(3)

	assert.Equal(t, 2, m.DrainBefore(mark))
	assert.Equal(t, 0, m.DrainBefore(mark))

	v, ok := m.TryPop()
	require.True(t, ok)
	assert.Equal(t, 3, v)

	// Values already popped count as consumed.
	m.Push(4)
	m.Push(5)

	v, ok = m.TryPop()
	require.True(t, ok)
	assert.Equal(t, 4, v)

	assert.Equal(t, 0, m.DrainBefore(m.Mark()-1))
	assert.Equal(t, 1, m.Len())
}

func TestMailbox_DrainBeforeAfterSliding(t *testing.T) {
	t.Parallel()

	m := NewMailbox[int](2)
	for i := range 4 {
		m.Push(i)
	}

	mark := m.Mark()

	m.Push(4)

	// 0, 1 and 2 slid out, so only 3 is queued before the mark.
	assert.Equal(t, 1, m.DrainBefore(mark))

	v, ok := m.TryPop()
	require.True(t, ok)
	assert.Equal(t, 4, v)
}

func TestMailbox_CloseWakesAllReaders(t *testing.T) {
	t.Parallel()

	box := NewMailbox[int](0)
	box.Push(42)
	box.Close()

	assert.False(t, box.Push(1), "push after close must be rejected")
	assert.Equal(t, 0, box.Len(), "close discards queued values")

	var wg sync.WaitGroup

	for range 3 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := box.Pop(context.Background())
			assert.ErrorIs(t, err, ErrMailboxClosed)
		}()
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readers were not woken up by Close")
	}
}

func TestMailbox_ReadySignalsPendingValues(t *testing.T) {
	t.Parallel()

	box := NewMailbox[int](0)
	box.Push(1)
	box.Push(2)

	select {
	case <-box.Ready():
	default:
		t.Fatal("expected ready signal")
	}

	_, ok := box.TryPop()
	require.True(t, ok)

	select {
	case <-box.Ready():
	default:
		t.Fatal("expected ready signal to be re-armed while values remain")
	}
}
