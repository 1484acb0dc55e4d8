package realtime

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/keboola/marketplace-live/internal/pkg/config"
	"github.com/keboola/marketplace-live/internal/pkg/credentials"
	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
	"github.com/keboola/marketplace-live/internal/pkg/log"
	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

type testDeps struct {
	clock       clockwork.Clock
	logger      log.DebugLogger
	credentials credentials.Store
}

func (d *testDeps) Clock() clockwork.Clock {
	return d.clock
}

func (d *testDeps) Logger() log.Logger {
	return d.logger
}

func (d *testDeps) Credentials() credentials.Store {
	return d.credentials
}

func newTestDeps() *testDeps {
	return &testDeps{
		clock:       clockwork.NewFakeClock(),
		logger:      log.NewDebugLogger(),
		credentials: credentials.Static("my-token"),
	}
}

func testConfig() config.Realtime {
	cfg := config.New().Realtime
	cfg.URL = "ws://marketplace.local/realtime"
	cfg.PingInterval = 0
	return cfg
}

// fakeDialer fails while failing is set, otherwise it returns a new fakeConn.
// If closeOnDial is set, the connection is closed by the server right after the handshake.
type fakeDialer struct {
	lock        sync.Mutex
	failing     bool
	closeOnDial bool
	dials       int
	headers []http.Header
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.dials++
	d.headers = append(d.headers, header)
	if d.failing {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	if d.closeOnDial {
		_ = conn.Close()
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) SetFailing(v bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failing = v
}

func (d *fakeDialer) Dials() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.dials
}

func (d *fakeDialer) LastConn(t *testing.T) *fakeConn {
	t.Helper()
	d.lock.Lock()
	defer d.lock.Unlock()
	require.NotEmpty(t, d.conns)
	return d.conns[len(d.conns)-1]
}

type fakeConn struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	lock      sync.Mutex
	written   []string
	pings     *atomic.Int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 100),
		closed:   make(chan struct{}),
		pings:    atomic.NewInt64(0),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Ping(_ context.Context) error {
	c.pings.Inc()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) Written() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]string, len(c.written))
	copy(out, c.written)
	return out
}

// Push simulates a message sent by the server.
func (c *fakeConn) Push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Encode(map[string]any{"event": event, "data": payload}, false)
	require.NoError(t, err)
	c.incoming <- data
}

// stateRecorder collects connection status notifications.
type stateRecorder struct {
	lock   sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) Record(state ConnectionState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) States() []ConnectionState {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]ConnectionState, len(r.states))
	copy(out, r.states)
	return out
}

const (
	waitTimeout = 5 * time.Second
	waitTick    = 5 * time.Millisecond
)
