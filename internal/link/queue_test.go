package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueBufferedDequeue(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Enqueue(Frame{Kind: FrameChunk, Data: "one"}))
	require.NoError(t, q.Enqueue(Frame{Kind: FrameChunk, Data: "two"}))

	frame, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "one", frame.Data)

	frame, err = q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "two", frame.Data)
}

func TestQueueHandsOffToWaiter(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	wg.Add(1)
	var got Frame
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = q.Dequeue(context.Background(), 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(Frame{Kind: FrameResponseHeaders, Status: 200}))
	wg.Wait()

	require.NoError(t, gotErr)
	require.Equal(t, FrameResponseHeaders, got.Kind)
	require.Equal(t, 200, got.Status)
}

func TestQueueDequeueTimeout(t *testing.T) {
	q := NewQueue()

	start := time.Now()
	_, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrDequeueTimeout)
	require.Less(t, time.Since(start), time.Second)

	// The abandoned waiter must not swallow the next frame.
	require.NoError(t, q.Enqueue(Frame{Kind: FrameChunk, Data: "late"}))
	frame, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "late", frame.Data)
}

func TestQueueCloseFailsWaiters(t *testing.T) {
	q := NewQueue()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), 5*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Close")
	}

	require.ErrorIs(t, q.Enqueue(Frame{Kind: FrameChunk}), ErrQueueClosed)
	_, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueCloseDropsBufferedFrames(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Enqueue(Frame{Kind: FrameChunk, Data: "dropped"}))
	q.Close()

	_, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueContextCancellation(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by context cancellation")
	}
}

func TestQueueFIFOAcrossWaiters(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(Frame{Kind: FrameChunk, Data: string(rune('a' + i))}))
	}
	for i := 0; i < 10; i++ {
		frame, err := q.Dequeue(context.Background(), time.Second)
		require.NoError(t, err)
		require.Equal(t, string(rune('a'+i)), frame.Data)
	}
}
