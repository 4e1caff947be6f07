package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"property-messaging/internal/models"
)

type fakeFeed struct {
	ch  chan models.Notification
	err error
}

func (f *fakeFeed) Subscribe(ctx context.Context, userID string) (<-chan models.Notification, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ch, nil
}

// countingRefresher lets a test decide per call whether Refresh blocks.
type countingRefresher struct {
	calls atomic.Int32
	mu    sync.Mutex
	gates map[int32]chan struct{}
}

func (r *countingRefresher) block(call int32) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gates == nil {
		r.gates = map[int32]chan struct{}{}
	}
	gate := make(chan struct{})
	r.gates[call] = gate
	return gate
}

func (r *countingRefresher) Refresh(ctx context.Context) error {
	n := r.calls.Add(1)
	r.mu.Lock()
	gate := r.gates[n]
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func change(participants ...string) models.Notification {
	return models.Notification{Kind: models.NotificationChange, Table: "messages", Participants: participants}
}

func start(t *testing.T, feed *fakeFeed, target Refresher) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(feed, "u1", target).Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

// drained waits until the loop has pulled every queued notification. A trailing irrelevant
// notification guarantees the ones before it were fully handled.
func drained(t *testing.T, feed *fakeFeed) {
	t.Helper()
	feed.ch <- change("someone-else")
	require.Eventually(t, func() bool { return len(feed.ch) == 0 }, time.Second, 5*time.Millisecond)
}

func TestInitialRefetch(t *testing.T) {
	feed := &fakeFeed{ch: make(chan models.Notification, 16)}
	target := &countingRefresher{}
	start(t, feed, target)

	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNotificationsCoalesceIntoInFlightRefetch(t *testing.T) {
	feed := &fakeFeed{ch: make(chan models.Notification, 16)}
	target := &countingRefresher{}
	gate := target.block(2)
	start(t, feed, target)
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		feed.ch <- change("u1", "u2")
	}
	drained(t, feed)
	assert.Equal(t, int32(2), target.calls.Load())

	close(gate)
	require.Eventually(t, func() bool {
		select {
		case feed.ch <- change("u1", "u2"):
		default:
		}
		return target.calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestIrrelevantNotificationsIgnored(t *testing.T) {
	feed := &fakeFeed{ch: make(chan models.Notification, 16)}
	target := &countingRefresher{}
	start(t, feed, target)
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	feed.ch <- change("u3", "u4")
	drained(t, feed)
	assert.Equal(t, int32(1), target.calls.Load())

	feed.ch <- change()
	require.Eventually(t, func() bool { return target.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestReconnectForcesFreshRefetch(t *testing.T) {
	feed := &fakeFeed{ch: make(chan models.Notification, 16)}
	target := &countingRefresher{}
	stale := target.block(2)
	defer close(stale)
	start(t, feed, target)
	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	feed.ch <- change("u1", "u2")
	require.Eventually(t, func() bool { return target.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	feed.ch <- models.Notification{Kind: models.NotificationReconnected}
	require.Eventually(t, func() bool { return target.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestRunEndsWithSubscription(t *testing.T) {
	feed := &fakeFeed{ch: make(chan models.Notification)}
	_, done := start(t, feed, &countingRefresher{})
	close(feed.ch)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	feed := &fakeFeed{ch: make(chan models.Notification)}
	cancel, done := start(t, feed, &countingRefresher{})
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSubscribeError(t *testing.T) {
	err := New(&fakeFeed{err: assert.AnError}, "u1", &countingRefresher{}).Run(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}
