package job

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWaiter struct {
	calls  chan struct{}
	err    error
	sleep  time.Duration
	active atomic.Int32
}

func (s *stubWaiter) WaitForNotification(ctx context.Context) error {
	s.active.Add(1)
	defer s.active.Add(-1)

	select {
	case s.calls <- struct{}{}:
	default:
	}

	if s.sleep > 0 {
		timer := time.NewTimer(s.sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

func waitForCall(t *testing.T, w *stubWaiter) {
	t.Helper()
	select {
	case <-w.calls:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func TestNotifier_SubscribersAllReceiveWakeup(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan struct{}, 4), sleep: 10 * time.Millisecond}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsubA, chA := notifier.Subscribe()
	defer unsubA()
	unsubB, chB := notifier.Subscribe()
	defer unsubB()

	waitForCall(t, waiter)

	for _, ch := range []<-chan struct{}{chA, chB} {
		select {
		case <-ch:
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected notification to be delivered")
		}
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan struct{}, 1), sleep: time.Hour}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe()
	waitForCall(t, waiter)

	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected channel to close after unsubscribe")
	}

	assert.Eventually(t, func() bool { return waiter.active.Load() == 0 },
		time.Second, 10*time.Millisecond, "listener should stop with the last subscriber")
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan struct{}, 2), err: errors.New("boom")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: 10 * time.Millisecond})
	require.NoError(t, err)

	unsubA, chA := notifier.Subscribe()
	unsubB, chB := notifier.Subscribe()
	waitForCall(t, waiter)

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{chA, chB} {
		for {
			_, ok := <-ch
			if !ok {
				break
			}
		}
	}

	// Unsubscribes should remain safe post-stop.
	unsubA()
	unsubB()
}
