package realtime

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_Connect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDeps()
	dialer := &fakeDialer{}
	channel := New(testConfig(), d, WithDialer(dialer))
	defer channel.Disconnect()

	recorder := &stateRecorder{}
	channel.SubscribeToConnectionStatus(recorder.Record)
	assert.Equal(t, []ConnectionState{Disconnected}, recorder.States())
	assert.False(t, channel.IsConnected())

	channel.Connect(ctx)
	assert.True(t, channel.IsConnected())
	assert.Equal(t, Connected, channel.State())
	assert.Equal(t, 0, channel.Attempts())
	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Connected}, recorder.States())

	// Connect is a no-op if already connected
	channel.Connect(ctx)
	assert.Equal(t, 1, dialer.Dials())

	// Bearer credential is sent at dial time
	assert.Equal(t, "Bearer my-token", dialer.headers[0].Get("Authorization"))

	d.logger.AssertJSONMessages(t, `
{"level":"debug","message":"connecting to \"ws://marketplace.local/realtime\"","component":"realtime"}
{"level":"info","message":"connected","component":"realtime"}
`)
}

func TestChannel_ReconnectBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := newTestDeps()
	clk := d.clock.(*clockwork.FakeClock)
	dialer := &fakeDialer{failing: true}
	channel := New(testConfig(), d, WithDialer(dialer))
	defer channel.Disconnect()

	recorder := &stateRecorder{}
	channel.SubscribeToConnectionStatus(recorder.Record)

	channel.Connect(ctx)
	assert.Equal(t, 1, channel.Attempts())
	assert.Equal(t, Connecting, channel.State())

	// Delays double after each failure: 1s, 2s, 4s, 8s
	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		attempt := i + 1
		require.NoError(t, clk.BlockUntilContext(ctx, 1))

		clk.Advance(delay - time.Millisecond)
		assert.Equal(t, attempt, dialer.Dials(), "attempt %d fired too early", attempt)

		clk.Advance(time.Millisecond)
		assert.Eventually(t, func() bool {
			return channel.Attempts() == attempt+1
		}, waitTimeout, waitTick)
	}

	// The fifth failure settles Disconnected without a pending reconnect
	assert.Eventually(t, func() bool {
		return channel.State() == Disconnected
	}, waitTimeout, waitTick)
	assert.Equal(t, 5, dialer.Dials())
	clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 5, dialer.Dials())
	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Disconnected}, recorder.States())

	// Manual retry connects regardless of the attempt history
	dialer.SetFailing(false)
	channel.Retry(ctx)
	assert.True(t, channel.IsConnected())
	assert.Equal(t, 0, channel.Attempts())
	assert.Equal(t, 6, dialer.Dials())
	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Disconnected, Connecting, Connected}, recorder.States())
}

func TestChannel_ReconnectBackoff_RaisedMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := newTestDeps()
	clk := d.clock.(*clockwork.FakeClock)
	cfg := testConfig()
	cfg.MaxAttempts = 8
	dialer := &fakeDialer{failing: true}
	channel := New(cfg, d, WithDialer(dialer))
	defer channel.Disconnect()

	channel.Connect(ctx)

	// Longer delays are reached by the live channel only with more attempts
	delays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, delay := range delays {
		attempt := i + 1
		require.NoError(t, clk.BlockUntilContext(ctx, 1))

		clk.Advance(delay - time.Millisecond)
		assert.Equal(t, attempt, dialer.Dials(), "attempt %d fired too early", attempt)

		clk.Advance(time.Millisecond)
		assert.Eventually(t, func() bool {
			return dialer.Dials() == attempt+1
		}, waitTimeout, waitTick)
	}

	assert.Eventually(t, func() bool {
		return channel.State() == Disconnected
	}, waitTimeout, waitTick)
	assert.Equal(t, 8, channel.Attempts())
}

func TestChannel_ReconnectDelayIsCapped(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	b := newReconnectBackoff(cfg, clockwork.NewFakeClock())
	var delays []time.Duration
	for range 8 {
		delays = append(delays, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, delays)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestChannel_ConnectionClosed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := newTestDeps()
	clk := d.clock.(*clockwork.FakeClock)
	dialer := &fakeDialer{}
	channel := New(testConfig(), d, WithDialer(dialer))
	defer channel.Disconnect()

	recorder := &stateRecorder{}
	channel.SubscribeToConnectionStatus(recorder.Record)
	channel.Connect(ctx)
	require.NoError(t, channel.JoinProject(ctx, "42"))
	assert.Equal(t, []string{"project:42"}, channel.Rooms())

	// Server closes the connection
	require.NoError(t, dialer.LastConn(t).Close())
	assert.Eventually(t, func() bool {
		return channel.State() == Disconnected
	}, waitTimeout, waitTick)
	assert.Empty(t, channel.Rooms())

	// Reconnect after the first backoff delay
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return channel.IsConnected()
	}, waitTimeout, waitTick)
	assert.Equal(t, 2, dialer.Dials())
	expected := []ConnectionState{Disconnected, Connecting, Connected, Disconnected, Connecting, Connected}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, recorder.States())
	}, waitTimeout, waitTick)
}

func TestChannel_ConnectionClosedAfterHandshake_StatusOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDeps()
	dialer := &fakeDialer{closeOnDial: true}
	channel := New(testConfig(), d, WithDialer(dialer))
	defer channel.Disconnect()

	// The observer is slow on Connected, e.g. it writes a room join,
	// so the read loop detects the closed connection during the delivery.
	recorder := &stateRecorder{}
	channel.SubscribeToConnectionStatus(func(state ConnectionState) {
		if state == Connected {
			time.Sleep(50 * time.Millisecond)
		}
		recorder.Record(state)
	})

	channel.Connect(ctx)

	expected := []ConnectionState{Disconnected, Connecting, Connected, Disconnected}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, recorder.States())
	}, waitTimeout, waitTick)
	assert.Equal(t, Disconnected, channel.State())

	// The last notification matches the channel state, the reconnect is only scheduled
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, expected, recorder.States())
}

func TestChannel_StatusObserver_Reentrant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDeps()
	dialer := &fakeDialer{}
	channel := New(testConfig(), d, WithDialer(dialer))

	// Disconnect called from an observer must not deadlock, its notification is delivered after the current one
	recorder := &stateRecorder{}
	channel.SubscribeToConnectionStatus(func(state ConnectionState) {
		recorder.Record(state)
		if state == Connected {
			channel.Disconnect()
		}
	})

	channel.Connect(ctx)
	assert.Equal(t, Disconnected, channel.State())
	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Connected, Disconnected}, recorder.States())
	channel.Wait()
}

func TestChannel_Dispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDeps()
	dialer := &fakeDialer{}
	channel := New(testConfig(), d, WithDialer(dialer))
	defer channel.Disconnect()
	channel.Connect(ctx)

	lock := &sync.Mutex{}
	var calls []string
	record := func(name string) Callback {
		return func(event Event) {
			lock.Lock()
			defer lock.Unlock()
			calls = append(calls, name+":"+event.Type.String())
		}
	}
	recorded := func() []string {
		lock.Lock()
		defer lock.Unlock()
		out := make([]string, len(calls))
		copy(out, calls)
		return out
	}

	channel.Subscribe("42", record("first"))
	channel.Subscribe("42", func(Event) { panic("subscriber failed") })
	channel.Subscribe("42", record("second"))
	channel.Subscribe("7", record("freelancer"))
	channel.Subscribe(GlobalKey, record("global"))

	conn := dialer.LastConn(t)
	conn.Push(t, EventRealtimeUpdate, map[string]any{"type": "viewer_join", "projectId": 42, "data": map[string]any{"viewCount": 10}})
	conn.Push(t, EventStatsUpdate, map[string]any{"type": "bookmark", "freelancerId": "7"})
	conn.Push(t, EventStatsUpdate, map[string]any{"type": "unknown"})
	conn.Push(t, "server_hello", map[string]any{})
	conn.Push(t, EventStatsUpdate, map[string]any{"type": "stats"})

	assert.Eventually(t, func() bool {
		return len(recorded()) == 4
	}, waitTimeout, waitTick)
	assert.Equal(t, []string{
		"first:viewer_join",
		"second:viewer_join",
		"freelancer:bookmark",
		"global:stats",
	}, recorded())

	d.logger.AssertJSONMessages(t, `
{"level":"error","message":"event callback for \"42\" panicked: subscriber failed","component":"realtime"}
{"level":"warn","message":"dropped \"stats_update\" event: unexpected event type \"unknown\"","component":"realtime"}
{"level":"debug","message":"ignored message \"server_hello\"","component":"realtime"}
`)
}

func TestChannel_Subscribe_Unsubscribe(t *testing.T) {
	t.Parallel()

	channel := New(testConfig(), newTestDeps(), WithDialer(&fakeDialer{}))

	unsubscribe1 := channel.Subscribe("42", func(Event) {})
	unsubscribe2 := channel.Subscribe("42", func(Event) {})
	assert.Len(t, channel.subscriptions["42"], 2)

	unsubscribe1()
	unsubscribe1()
	assert.Len(t, channel.subscriptions["42"], 1)

	// Empty sets are removed
	unsubscribe2()
	_, found := channel.subscriptions["42"]
	assert.False(t, found)

	recorder := &stateRecorder{}
	unsubscribeStatus := channel.SubscribeToConnectionStatus(recorder.Record)
	unsubscribeStatus()
	unsubscribeStatus()
	channel.Connect(context.Background())
	assert.Equal(t, []ConnectionState{Disconnected}, recorder.States())
	channel.Disconnect()
}

func TestChannel_Rooms(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDeps()
	dialer := &fakeDialer{}
	channel := New(testConfig(), d, WithDialer(dialer))
	defer channel.Disconnect()

	// Not connected, the join is not queued
	require.NoError(t, channel.JoinProject(ctx, "1"))
	assert.Empty(t, channel.Rooms())

	channel.Connect(ctx)
	require.NoError(t, channel.JoinProject(ctx, "42"))
	require.NoError(t, channel.JoinProject(ctx, "42"))
	require.NoError(t, channel.JoinFreelancer(ctx, "7"))
	rooms := channel.Rooms()
	sort.Strings(rooms)
	assert.Equal(t, []string{"freelancer:7", "project:42"}, rooms)

	// Rooms are not ref counted, one leave removes the membership
	require.NoError(t, channel.LeaveProject(ctx, "42"))
	require.NoError(t, channel.LeaveFreelancer(ctx, "7"))
	assert.Empty(t, channel.Rooms())

	assert.Equal(t, []string{
		`{"event":"join_project","data":{"projectId":"42"}}`,
		`{"event":"join_project","data":{"projectId":"42"}}`,
		`{"event":"join_freelancer","data":{"freelancerId":"7"}}`,
		`{"event":"leave_project","data":{"projectId":"42"}}`,
		`{"event":"leave_freelancer","data":{"freelancerId":"7"}}`,
	}, dialer.LastConn(t).Written())

	d.logger.AssertJSONMessages(t, `{"level":"debug","message":"cannot join room \"project:1\", the channel is not connected","component":"realtime"}`)
}

func TestChannel_Rooms_RefCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	cfg.RefCountRooms = true
	dialer := &fakeDialer{}
	channel := New(cfg, newTestDeps(), WithDialer(dialer))
	defer channel.Disconnect()
	channel.Connect(ctx)

	require.NoError(t, channel.JoinProject(ctx, "42"))
	require.NoError(t, channel.JoinProject(ctx, "42"))
	require.NoError(t, channel.LeaveProject(ctx, "42"))
	assert.Equal(t, []string{"project:42"}, channel.Rooms())
	require.NoError(t, channel.LeaveProject(ctx, "42"))
	assert.Empty(t, channel.Rooms())

	assert.Equal(t, []string{
		`{"event":"join_project","data":{"projectId":"42"}}`,
		`{"event":"leave_project","data":{"projectId":"42"}}`,
	}, dialer.LastConn(t).Written())
}

func TestChannel_SendEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dialer := &fakeDialer{}
	channel := New(testConfig(), newTestDeps(), WithDialer(dialer))
	defer channel.Disconnect()

	err := channel.SendEvent(ctx, "typing", map[string]any{"projectId": "42"})
	assert.ErrorIs(t, err, ErrNotConnected)

	channel.Connect(ctx)
	require.NoError(t, channel.SendEvent(ctx, "typing", map[string]any{"projectId": "42"}))
	assert.Equal(t, []string{`{"event":"typing","data":{"projectId":"42"}}`}, dialer.LastConn(t).Written())
}

func TestChannel_Disconnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDeps()
	clk := d.clock.(*clockwork.FakeClock)
	dialer := &fakeDialer{failing: true}
	channel := New(testConfig(), d, WithDialer(dialer))

	recorder := &stateRecorder{}
	channel.SubscribeToConnectionStatus(recorder.Record)
	channel.Subscribe("42", func(Event) {})

	// Pending reconnect is cancelled
	channel.Connect(ctx)
	assert.Equal(t, Connecting, channel.State())
	channel.Disconnect()
	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials())

	assert.Equal(t, Disconnected, channel.State())
	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Disconnected}, recorder.States())
	assert.Empty(t, channel.subscriptions)
	assert.Empty(t, channel.statusObservers)

	// Connected channel closes the connection
	dialer.SetFailing(false)
	channel.Connect(ctx)
	conn := dialer.LastConn(t)
	channel.Disconnect()
	assert.Eventually(t, func() bool {
		select {
		case <-conn.closed:
			return true
		default:
			return false
		}
	}, waitTimeout, waitTick)
	channel.Wait()
	assert.Equal(t, Disconnected, channel.State())
}

func TestChannel_Ping(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := newTestDeps()
	clk := d.clock.(*clockwork.FakeClock)
	cfg := testConfig()
	cfg.PingInterval = 25 * time.Second
	dialer := &fakeDialer{}
	channel := New(cfg, d, WithDialer(dialer))
	channel.Connect(ctx)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(25 * time.Second)
	conn := dialer.LastConn(t)
	assert.Eventually(t, func() bool {
		return conn.pings.Load() == 1
	}, waitTimeout, waitTick)

	channel.Disconnect()
	channel.Wait()
}
