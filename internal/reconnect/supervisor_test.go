package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keyvoxdesk/internal/client"
	"keyvoxdesk/internal/domain"
)

type fakeConnector struct {
	mu      sync.Mutex
	results []error
	calls   [][]int
	port    int
}

func (f *fakeConnector) Connect(_ context.Context, ports []int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ports)
	var err error
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	} else {
		err = errors.New("connection refused")
	}
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

func (f *fakeConnector) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) factory(d time.Duration, fn func()) Timer {
	timer := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) delays() []time.Duration {
	out := make([]time.Duration, 0, len(c.timers))
	for _, timer := range c.timers {
		out = append(out, timer.delay)
	}
	return out
}

func (c *fakeClock) fireLast(t *testing.T) {
	t.Helper()
	if len(c.timers) == 0 {
		t.Fatalf("no timer armed")
	}
	c.timers[len(c.timers)-1].fn()
}

func lost() client.Lifecycle {
	return client.Lifecycle{Status: domain.ConnectionError, Err: errors.New("connection lost")}
}

func TestBackoffSequenceThenPause(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	connector := &fakeConnector{}
	pausedWith := 0
	s := New(connector, Config{}, WithTimerFactory(clock.factory), OnPaused(func(n int) { pausedWith = n }))
	s.ExpectLive(true)

	s.HandleLifecycle(lost())
	for i := 0; i < DefaultMaxAttempts; i++ {
		clock.fireLast(t)
	}

	require.Equal(t, []time.Duration{
		1200 * time.Millisecond,
		2400 * time.Millisecond,
		4800 * time.Millisecond,
		9000 * time.Millisecond,
		9000 * time.Millisecond,
	}, clock.delays())

	state := s.State()
	require.True(t, state.Paused)
	require.Equal(t, DefaultMaxAttempts, state.Attempts)
	require.False(t, state.Scheduled)
	require.Equal(t, DefaultMaxAttempts, pausedWith)
	require.Equal(t, DefaultMaxAttempts, connector.callCount())

	s.HandleLifecycle(lost())
	require.Len(t, clock.timers, DefaultMaxAttempts, "paused supervisor must not schedule")
}

func TestLossSchedulesExactlyOneAttempt(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	s := New(&fakeConnector{}, Config{}, WithTimerFactory(clock.factory))
	s.ExpectLive(true)

	s.HandleLifecycle(client.Lifecycle{Status: domain.ConnectionDisconnected})
	s.HandleLifecycle(lost())

	require.Equal(t, []time.Duration{1200 * time.Millisecond}, clock.delays())
	state := s.State()
	require.True(t, state.Scheduled)
	require.Equal(t, 1200*time.Millisecond, state.NextDelay)
}

func TestIgnoresLossWhenNotExpectedOrIntentional(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	s := New(&fakeConnector{}, Config{}, WithTimerFactory(clock.factory))

	s.HandleLifecycle(lost())
	require.Empty(t, clock.timers)

	s.ExpectLive(true)
	s.HandleLifecycle(client.Lifecycle{Status: domain.ConnectionDisconnected, Intentional: true})
	require.Empty(t, clock.timers)
}

func TestConnectedResetsState(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	s := New(&fakeConnector{}, Config{}, WithTimerFactory(clock.factory))
	s.ExpectLive(true)

	s.HandleLifecycle(lost())
	clock.fireLast(t)
	clock.fireLast(t)
	require.Equal(t, 2, s.State().Attempts)

	armed := clock.timers[len(clock.timers)-1]
	s.HandleLifecycle(client.Lifecycle{Status: domain.ConnectionConnected, Port: 9876})

	state := s.State()
	require.Equal(t, 0, state.Attempts)
	require.False(t, state.Paused)
	require.False(t, state.Scheduled)
	require.True(t, armed.stopped)
}

func TestSuccessfulAttemptProbesLastPortFirst(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	connector := &fakeConnector{port: 9880, results: []error{nil}}
	reconnected := 0
	s := New(connector, Config{}, WithTimerFactory(clock.factory), OnReconnected(func(port int) { reconnected = port }))
	s.ExpectLive(true)

	s.HandleLifecycle(lost())
	clock.fireLast(t)

	require.Equal(t, 9880, reconnected)
	require.Equal(t, []int{9880, 9876, 9877, 9878, 9879, 9881, 9882, 9883, 9884, 9885}, connector.calls[0])
	require.Equal(t, domain.ReconnectState{}, s.State())
}

func TestManualReconnectFromPaused(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	connector := &fakeConnector{}
	s := New(connector, Config{MaxAttempts: 1}, WithTimerFactory(clock.factory))
	s.ExpectLive(true)

	s.HandleLifecycle(lost())
	clock.fireLast(t)
	require.True(t, s.State().Paused)

	connector.mu.Lock()
	connector.results = []error{nil}
	connector.mu.Unlock()

	port, err := s.ManualReconnect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9876, port)
	require.False(t, s.State().Paused)
	require.Equal(t, 0, s.State().Attempts)
}

func TestManualReconnectFailureRearmsBackoff(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	s := New(&fakeConnector{}, Config{}, WithTimerFactory(clock.factory))

	_, err := s.ManualReconnect(context.Background())
	require.Error(t, err)
	require.Equal(t, []time.Duration{1200 * time.Millisecond}, clock.delays())
	require.Equal(t, 1, s.State().Attempts)
}

func TestStopCancelsTimer(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	connector := &fakeConnector{}
	s := New(connector, Config{}, WithTimerFactory(clock.factory))
	s.ExpectLive(true)
	s.HandleLifecycle(lost())

	s.Stop()

	require.True(t, clock.timers[0].stopped)
	require.False(t, s.State().Scheduled)

	clock.fireLast(t)
	require.Equal(t, 0, connector.callCount(), "stopped supervisor must not attempt")
}
