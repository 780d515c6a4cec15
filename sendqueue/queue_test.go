package sendqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryPostBackpressure(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	processed := make(chan int, 4)

	q := New(1, Worker[int](func(item int) {
		started <- struct{}{}
		<-release
		processed <- item
	}))
	defer q.Close()

	require.True(t, q.TryPost(1))
	<-started // worker has dequeued item 1 and is now blocked inside fn

	// Capacity is 1 and the worker already dequeued item 1, so the buffer is
	// empty again; the next slot should be postable. Fill it, then the one
	// after should be rejected.
	require.True(t, q.TryPost(2))
	require.False(t, q.TryPost(3))

	close(release)
	require.Equal(t, 1, <-processed)
	require.Equal(t, 2, <-processed)

	require.True(t, q.TryPost(4))
}

func TestSendWaitsForRoomThenSucceeds(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	processed := make(chan int, 2)

	q := New(1, Worker[int](func(item int) {
		started <- struct{}{}
		<-release
		processed <- item
	}))
	defer q.Close()

	require.True(t, q.TryPost(1))
	<-started                     // worker has dequeued item 1 and blocks on release
	require.True(t, q.TryPost(2)) // fills the one free slot

	done := make(chan bool, 1)
	go func() {
		ok, err := q.Send(context.Background(), 3)
		require.NoError(t, err)
		done <- ok
	}()

	select {
	case <-done:
		t.Fatal("Send returned before room was available")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.Equal(t, 1, <-processed)
	require.Equal(t, 2, <-processed)
	require.True(t, <-done)
}

func TestSendCancellation(t *testing.T) {
	started := make(chan struct{}, 1)
	q := New(1, Worker[int](func(int) {
		started <- struct{}{}
		time.Sleep(time.Hour)
	}))
	defer q.Close()

	require.True(t, q.TryPost(1))
	<-started                     // worker dequeued item 1 and is stuck sleeping
	require.True(t, q.TryPost(2)) // occupies the one buffered slot

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Send(ctx, 3)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	require.Error(t, <-errCh)
}

func TestCloseDrainsEnqueuedItems(t *testing.T) {
	var got []int
	done := make(chan struct{})
	q := New(Unbounded, Worker[int](func(item int) {
		got = append(got, item)
		if len(got) == 3 {
			close(done)
		}
	}))

	require.True(t, q.TryPost(1))
	require.True(t, q.TryPost(2))
	require.True(t, q.TryPost(3))
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not drain enqueued items")
	}
	<-q.Done()
	require.Equal(t, []int{1, 2, 3}, got)
	require.False(t, q.TryPost(4))
}
