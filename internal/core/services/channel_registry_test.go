package services_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/mocks"
	"github.com/dattmumas/lnked-realtime/internal/core/services"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

func newRegistry(transport *mocks.MockTransport, clk clock.Clock) *services.ChannelRegistry {
	return services.NewChannelRegistry(transport, nil, clk, testRegistryConfig(), testLogger())
}

func TestChannelRegistry_ConcurrentSubscribeSharesOneJoin(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	release := make(chan time.Time)
	ch := newJoinedChannel(topicA)

	transport.On("Join", mock.Anything, topicA, mock.Anything).
		Run(joins.record).
		WaitUntil(release).
		Return(ch, nil).
		Once()

	registry := newRegistry(transport, clk)

	var wg sync.WaitGroup
	subs := make([]*services.Subscription, 2)
	for i := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := registry.Subscribe(topicA, (&recorder{}).consumer("u"))
			require.NoError(t, err)
			subs[i] = sub
		}()
	}
	wg.Wait()

	info, ok := registry.Lookup(topicA)
	require.True(t, ok)
	assert.Equal(t, domain.StateJoining, info.State)
	assert.Equal(t, 2, info.RefCount)
	assert.True(t, info.JoinFlight)
	assert.Equal(t, subs[0].Generation(), subs[1].Generation())
	assert.NotEqual(t, subs[0].ID(), subs[1].ID())

	close(release)
	waitForState(t, registry, topicA, domain.StateJoined)

	assert.Equal(t, 1, joins.of(topicA))
	info, _ = registry.Lookup(topicA)
	assert.Equal(t, 2, info.RefCount)
	assert.False(t, info.JoinFlight)
	assert.Equal(t, epoch, info.LastJoinAt)
	transport.AssertExpectations(t)
}

func TestChannelRegistry_RefcountedTeardown(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	ch := newJoinedChannel(topicA)
	transport.On("Join", mock.Anything, topicA, mock.Anything).Return(ch, nil).Once()

	registry := newRegistry(transport, clk)

	first, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	second, err := registry.Subscribe(topicA, (&recorder{}).consumer("u2"))
	require.NoError(t, err)
	waitForState(t, registry, topicA, domain.StateJoined)

	first.Unsubscribe()
	first.Unsubscribe()

	info, ok := registry.Lookup(topicA)
	require.True(t, ok)
	assert.Equal(t, domain.StateJoined, info.State)
	assert.Equal(t, 1, info.RefCount)
	ch.AssertNotCalled(t, "Leave", mock.Anything)

	second.Unsubscribe()
	waitForRemoved(t, registry, topicA)
	ch.AssertNumberOfCalls(t, "Leave", 1)
}

func TestChannelRegistry_UnsubscribeUnknownIsNoop(t *testing.T) {
	registry := newRegistry(mocks.NewMockTransport(), newFakeClock())

	assert.NotPanics(t, func() {
		registry.Unsubscribe(topicA, services.ConsumerID("missing"))
	})
	assert.Empty(t, registry.Snapshot())
}

func TestChannelRegistry_BackoffDoublesAndResets(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	ch := newJoinedChannel(topicA)
	capacity := apperrors.NewBackendError(apperrors.ReasonCapacityExceeded, "too many channels")

	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(nil, capacity).Times(3)
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(ch, nil).Once()
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(nil, capacity)

	registry := newRegistry(transport, clk)
	rec := &recorder{}
	_, err := registry.Subscribe(topicA, rec.consumer("u1"))
	require.NoError(t, err)

	// expectRetryAfter waits for the connection to fail with the given
	// failure count, then checks the retry fires exactly after delay.
	expectRetryAfter := func(delay time.Duration, failures, joinsAfter int) {
		t.Helper()
		require.Eventually(t, func() bool {
			info, ok := registry.Lookup(topicA)
			return ok && info.State == domain.StateErrored && info.Failures == failures
		}, waitFor, tick)

		clk.Advance(delay - time.Millisecond)
		assert.Equal(t, joinsAfter-1, joins.of(topicA), "retry fired before %s", delay)
		clk.Advance(time.Millisecond)
		require.Eventually(t, func() bool { return joins.of(topicA) == joinsAfter }, waitFor, tick)
	}

	require.Eventually(t, func() bool { return joins.of(topicA) == 1 }, waitFor, tick)
	expectRetryAfter(2*time.Second, 1, 2)
	expectRetryAfter(4*time.Second, 2, 3)
	expectRetryAfter(8*time.Second, 3, 4)

	waitForState(t, registry, topicA, domain.StateJoined)
	info, _ := registry.Lookup(topicA)
	assert.Equal(t, 2*time.Second, info.Backoff)
	assert.Zero(t, info.Failures)

	// A failure after a successful join starts again from the base delay.
	ch.Fail(apperrors.NewBackendError(apperrors.ReasonTimeout, "heartbeat lost"))
	expectRetryAfter(2*time.Second, 1, 5)

	assert.Empty(t, rec.errors(), "transient failures must stay silent")
}

func TestChannelRegistry_BackoffIsCapped(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	quota := apperrors.NewBackendError(apperrors.ReasonQuotaExceeded, "")
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(nil, quota)

	registry := newRegistry(transport, clk)
	_, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 6; attempt++ {
		require.Eventually(t, func() bool {
			info, ok := registry.Lookup(topicA)
			return ok && info.State == domain.StateErrored && info.Failures == attempt
		}, waitFor, tick)
		clk.Advance(30 * time.Second)
	}

	info, ok := registry.Lookup(topicA)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, info.Backoff)
}

func TestChannelRegistry_RejoinThrottle(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(newJoinedChannel(topicA), nil).Once()
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(newJoinedChannel(topicA), nil).Once()

	registry := newRegistry(transport, clk)
	sub, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	waitForState(t, registry, topicA, domain.StateJoined)

	sub.Unsubscribe()
	waitForRemoved(t, registry, topicA)

	clk.Advance(500 * time.Millisecond)
	_, err = registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)

	info, ok := registry.Lookup(topicA)
	require.True(t, ok)
	assert.Equal(t, domain.StateIdle, info.State)
	assert.Equal(t, 1, joins.of(topicA))

	clk.Advance(499 * time.Millisecond)
	assert.Equal(t, 1, joins.of(topicA))

	clk.Advance(time.Millisecond)
	waitForState(t, registry, topicA, domain.StateJoined)
	assert.Equal(t, 2, joins.of(topicA))
}

func TestChannelRegistry_UnsubscribeCancelsPendingRetry(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	timeout := apperrors.NewBackendError(apperrors.ReasonTimeout, "join timed out")
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(nil, timeout)

	registry := newRegistry(transport, clk)
	sub, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, ok := registry.Lookup(topicA)
		return ok && info.State == domain.StateErrored && clk.PendingCount() == 1
	}, waitFor, tick)

	sub.Unsubscribe()
	_, ok := registry.Lookup(topicA)
	assert.False(t, ok)
	assert.Zero(t, clk.PendingCount())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, joins.of(topicA))
}

func TestChannelRegistry_UnsubscribeCancelsThrottledJoin(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(newJoinedChannel(topicA), nil).Once()

	registry := newRegistry(transport, clk)
	first, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	waitForState(t, registry, topicA, domain.StateJoined)
	first.Unsubscribe()
	waitForRemoved(t, registry, topicA)

	clk.Advance(500 * time.Millisecond)
	second, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	info, ok := registry.Lookup(topicA)
	require.True(t, ok)
	assert.Equal(t, domain.StateIdle, info.State)
	assert.Equal(t, 1, clk.PendingCount())

	second.Unsubscribe()
	_, ok = registry.Lookup(topicA)
	assert.False(t, ok)
	assert.Zero(t, clk.PendingCount())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, joins.of(topicA))
}

func TestChannelRegistry_SubscribeDuringBackoffWaitsForRetry(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	capacity := apperrors.NewBackendError(apperrors.ReasonCapacityExceeded, "too many channels")
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(nil, capacity).Once()
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(newJoinedChannel(topicA), nil).Once()

	registry := newRegistry(transport, clk)
	first, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, ok := registry.Lookup(topicA)
		return ok && info.State == domain.StateErrored && info.Failures == 1
	}, waitFor, tick)

	second, err := registry.Subscribe(topicA, (&recorder{}).consumer("u2"))
	require.NoError(t, err)
	assert.Equal(t, first.Generation(), second.Generation())

	info, _ := registry.Lookup(topicA)
	assert.Equal(t, domain.StateErrored, info.State)
	assert.Equal(t, 1, joins.of(topicA))

	clk.Advance(2*time.Second - time.Millisecond)
	assert.Equal(t, 1, joins.of(topicA), "subscribing must not skip the backoff")

	clk.Advance(time.Millisecond)
	waitForState(t, registry, topicA, domain.StateJoined)
	assert.Equal(t, 2, joins.of(topicA))
	assert.Len(t, registry.Consumers(topicA), 2)
}

func TestChannelRegistry_AuthorizationFailureIsSurfacedOnce(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	denied := apperrors.NewBackendError(apperrors.ReasonAuthDenied, "not a participant")
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(nil, denied)

	registry := newRegistry(transport, clk)
	rec := &recorder{}
	_, err := registry.Subscribe(topicA, rec.consumer("u1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, rec.errors()[0], apperrors.ErrForbidden)
	waitForRemoved(t, registry, topicA)

	clk.Advance(time.Minute)
	assert.Equal(t, 1, joins.of(topicA))
	assert.Len(t, rec.errors(), 1)
}

func TestChannelRegistry_UnsubscribeDuringJoinLeavesAfterJoin(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	release := make(chan time.Time)
	ch := newJoinedChannel(topicA)
	transport.On("Join", mock.Anything, topicA, mock.Anything).WaitUntil(release).Return(ch, nil).Once()

	registry := newRegistry(transport, clk)
	sub, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)

	sub.Unsubscribe()
	info, ok := registry.Lookup(topicA)
	require.True(t, ok)
	assert.Equal(t, domain.StateLeaving, info.State)

	close(release)
	waitForRemoved(t, registry, topicA)
	ch.AssertNumberOfCalls(t, "Leave", 1)
}

func TestChannelRegistry_ResubscribeCancelsEagerLeave(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	release := make(chan time.Time)
	ch := newJoinedChannel(topicA)
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).WaitUntil(release).Return(ch, nil).Once()

	registry := newRegistry(transport, clk)
	first, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	first.Unsubscribe()

	second, err := registry.Subscribe(topicA, (&recorder{}).consumer("u2"))
	require.NoError(t, err)
	assert.Equal(t, first.Generation(), second.Generation())

	info, _ := registry.Lookup(topicA)
	assert.Equal(t, domain.StateJoining, info.State)

	close(release)
	waitForState(t, registry, topicA, domain.StateJoined)
	assert.Equal(t, 1, joins.of(topicA))
	ch.AssertNotCalled(t, "Leave", mock.Anything)
}

func TestChannelRegistry_BackendCloseNotifiesConsumers(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	ch := newJoinedChannel(topicA)
	transport.On("Join", mock.Anything, topicA, mock.Anything).Return(ch, nil).Once()

	registry := newRegistry(transport, clk)
	first, second := &recorder{}, &recorder{}
	_, err := registry.Subscribe(topicA, first.consumer("u1"))
	require.NoError(t, err)
	_, err = registry.Subscribe(topicA, second.consumer("u2"))
	require.NoError(t, err)
	waitForState(t, registry, topicA, domain.StateJoined)

	ch.Close("server shutdown")

	_, ok := registry.Lookup(topicA)
	assert.False(t, ok)
	for _, rec := range []*recorder{first, second} {
		require.Len(t, rec.errors(), 1)
		assert.ErrorIs(t, rec.errors()[0], apperrors.ErrChannelClosed)
	}
}

func TestChannelRegistry_ClosedConnectionIsReplaced(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	joins := newJoinCounter()
	firstCh, secondCh := newJoinedChannel(topicA), newJoinedChannel(topicA)
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(firstCh, nil).Once()
	transport.On("Join", mock.Anything, topicA, mock.Anything).Run(joins.record).Return(secondCh, nil).Once()

	registry := newRegistry(transport, clk)
	first, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	waitForState(t, registry, topicA, domain.StateJoined)

	firstCh.Close("kicked")
	clk.Advance(time.Second)

	second, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	assert.Greater(t, second.Generation(), first.Generation())
	waitForState(t, registry, topicA, domain.StateJoined)
	assert.Equal(t, 2, joins.of(topicA))
}

func TestChannelRegistry_StaleJoinIsReleased(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	release := make(chan time.Time)
	left := make(chan struct{})
	stale := mocks.NewMockChannel(topicA)
	stale.On("Leave", mock.Anything).Run(func(mock.Arguments) { close(left) }).Return(nil).Once()
	transport.On("Join", mock.Anything, topicA, mock.Anything).WaitUntil(release).Return(stale, nil).Once()

	registry := newRegistry(transport, clk)
	_, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)

	topics, channels := registry.Park()
	assert.Equal(t, []domain.TopicKey{topicA}, topics)
	assert.Empty(t, channels)

	close(release)
	select {
	case <-left:
	case <-time.After(waitFor):
		t.Fatal("stale channel was never released")
	}
	assert.False(t, stale.Bound())
}

func TestChannelRegistry_SendRequiresJoinedChannel(t *testing.T) {
	clk := newFakeClock()
	transport := mocks.NewMockTransport()
	ch := newJoinedChannel(topicA)
	transport.On("Join", mock.Anything, topicA, mock.Anything).Return(ch, nil).Once()

	registry := newRegistry(transport, clk)

	err := registry.Send(t.Context(), topicA, "typing_start", []byte(`{}`))
	assert.ErrorIs(t, err, apperrors.ErrNotJoined)

	_, err = registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	require.NoError(t, err)
	waitForState(t, registry, topicA, domain.StateJoined)

	require.NoError(t, registry.Send(t.Context(), topicA, "typing_start", []byte(`{}`)))
	ch.AssertCalled(t, "Send", mock.Anything, "typing_start", []byte(`{}`))
}

func TestChannelRegistry_ClosedRegistryRejectsSubscribe(t *testing.T) {
	registry := newRegistry(mocks.NewMockTransport(), newFakeClock())
	registry.Close()

	_, err := registry.Subscribe(topicA, (&recorder{}).consumer("u1"))
	assert.True(t, errors.Is(err, apperrors.ErrShutdown))
}
