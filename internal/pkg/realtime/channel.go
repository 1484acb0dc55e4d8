// Package realtime provides a resilient push-update channel.
//
// The Channel keeps one connection to the server, reconnects with an exponential backoff,
// manages room membership and dispatches server events to subscribers by the dispatch key.
//
// State transitions:
//   - Disconnected -> Connect -> Connecting.
//   - Connecting -> success -> Connected, attempts are reset.
//   - Connecting -> failure -> a reconnect is scheduled, or Disconnected after MaxAttempts failures.
//   - Connected -> connection closed -> Disconnected, a reconnect is scheduled.
//
// The n-th failed attempt schedules the next one after min(BaseDelay*2^(n-1), MaxDelay).
// The MaxAttempts-th failure settles Disconnected without a delay, so with the defaults
// (5 attempts, 1s base, 30s cap) only the delays 1s, 2s, 4s and 8s are ever used.
// The 16s delay and the 30s cap take effect only when MaxAttempts is raised.
//
// Status observers are notified in the order of transitions, one notification at a time.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/sasha-s/go-deadlock"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/marketplace-live/internal/pkg/config"
	"github.com/keboola/marketplace-live/internal/pkg/credentials"
	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
	"github.com/keboola/marketplace-live/internal/pkg/log"
	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

var ErrNotConnected = errors.New("realtime channel is not connected")

type Callback func(event Event)

type StatusCallback func(state ConnectionState)

type Channel struct {
	channelConfig
	clock       clockwork.Clock
	logger      log.Logger
	credentials credentials.Store
	wg          *sync.WaitGroup

	lock  *deadlock.Mutex
	state ConnectionState
	// attempts is the number of failed connection attempts since the last success
	attempts int
	backoff  *backoff.ExponentialBackOff
	// generation is incremented by Connect and Disconnect, results of older attempts are ignored
	generation uint64
	// ctx is the lifetime of the channel between Connect and Disconnect
	ctx    context.Context
	cancel context.CancelFunc
	// conn and connCancel are set only in the Connected state
	conn       Conn
	connCancel context.CancelFunc
	// reconnect is the pending reconnect timer, at most one exists
	reconnect clockwork.Timer

	rooms           map[string]int
	subscriptions   map[string][]*subscription
	statusObservers []*statusObserver
	nextID          uint64
	// statusQueue holds notifications in the order of transitions, see deliverStatus
	statusQueue []statusNotification
	delivering  bool
}

type statusNotification struct {
	state     ConnectionState
	observers []*statusObserver
}

type channelConfig struct {
	cfg     config.Realtime
	dialer  Dialer
	metrics Metrics
}

type subscription struct {
	id       uint64
	callback Callback
}

type statusObserver struct {
	id       uint64
	callback StatusCallback
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
	Credentials() credentials.Store
}

type Option func(c *channelConfig)

// WithDialer replaces the default websocket transport.
func WithDialer(v Dialer) Option {
	return func(c *channelConfig) {
		c.dialer = v
	}
}

func WithMetrics(v Metrics) Option {
	return func(c *channelConfig) {
		c.metrics = v
	}
}

func New(cfg config.Realtime, d dependencies, opts ...Option) *Channel {
	c := &Channel{
		channelConfig: channelConfig{cfg: cfg, metrics: NoopMetrics{}},
		clock:         d.Clock(),
		logger:        d.Logger().WithComponent("realtime"),
		credentials:   d.Credentials(),
		wg:            &sync.WaitGroup{},
		lock:          &deadlock.Mutex{},
		state:         Disconnected,
		rooms:         make(map[string]int),
		subscriptions: make(map[string][]*subscription),
	}
	for _, o := range opts {
		o(&c.channelConfig)
	}
	if c.dialer == nil {
		c.dialer = NewWebsocketDialer(cfg.HandshakeTimeout)
	}
	c.backoff = newReconnectBackoff(cfg, c.clock)
	return c
}

// Connect starts the connection if the channel is Disconnected, otherwise it is a no-op.
// The first attempt is made synchronously, failures are reported to status observers and the log.
func (c *Channel) Connect(ctx context.Context) {
	c.lock.Lock()
	if c.state != Disconnected {
		c.lock.Unlock()
		return
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.generation++
	c.stopReconnectTimer()
	c.attempts = 0
	c.backoff.Reset()

	gen := c.generation
	connCtx := c.ctx
	notify := c.setState(Connecting)
	c.lock.Unlock()
	notify()

	c.dial(connCtx, gen)
}

// Retry forces a fresh connection from the Disconnected state, regardless of previous failed attempts.
func (c *Channel) Retry(ctx context.Context) {
	if state := c.State(); state != Disconnected {
		c.logger.Debugf(ctx, `retry ignored, the channel is %s`, state)
		return
	}
	c.logger.Info(ctx, "retrying connection")
	c.Connect(ctx)
}

// Disconnect closes the connection, cancels the pending reconnect and removes all subscriptions and status observers.
// Status observers receive the final Disconnected notification.
func (c *Channel) Disconnect() {
	c.lock.Lock()
	c.generation++
	c.stopReconnectTimer()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.detachConn()
	c.attempts = 0
	if c.state != Disconnected {
		c.state = Disconnected
		c.metrics.StateChanged(Disconnected.String())
	}
	c.queueStatus(Disconnected, c.statusObservers)
	c.statusObservers = nil
	c.subscriptions = make(map[string][]*subscription)
	c.lock.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debugf(context.Background(), `cannot close connection: %s`, err)
		}
	}

	c.logger.Info(context.Background(), "disconnected")
	c.deliverStatus()
}

// Wait for background goroutines of closed connections.
func (c *Channel) Wait() {
	c.wg.Wait()
}

func (c *Channel) State() ConnectionState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool {
	return c.State() == Connected
}

// Attempts returns the number of failed connection attempts since the last successful connection.
func (c *Channel) Attempts() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.attempts
}

// Subscribe registers the callback for events with the dispatch key, see Event.DispatchKey.
// Callbacks are invoked synchronously in the subscription order. The returned function is idempotent.
func (c *Channel) Subscribe(key string, callback Callback) (unsubscribe func()) {
	c.lock.Lock()
	c.nextID++
	sub := &subscription{id: c.nextID, callback: callback}
	c.subscriptions[key] = append(c.subscriptions[key], sub)
	c.lock.Unlock()

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			c.lock.Lock()
			defer c.lock.Unlock()
			subs := c.subscriptions[key]
			for i, s := range subs {
				if s.id == sub.id {
					subs = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(subs) == 0 {
				delete(c.subscriptions, key)
			} else {
				c.subscriptions[key] = subs
			}
		})
	}
}

// SubscribeToConnectionStatus registers the callback for state transitions.
// The callback is invoked immediately with the current state.
func (c *Channel) SubscribeToConnectionStatus(callback StatusCallback) (unsubscribe func()) {
	c.lock.Lock()
	c.nextID++
	o := &statusObserver{id: c.nextID, callback: callback}
	c.statusObservers = append(c.statusObservers, o)
	c.queueStatus(c.state, []*statusObserver{o})
	c.lock.Unlock()

	c.deliverStatus()

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			c.lock.Lock()
			defer c.lock.Unlock()
			for i, item := range c.statusObservers {
				if item.id == o.id {
					c.statusObservers = append(c.statusObservers[:i:i], c.statusObservers[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Channel) JoinProject(ctx context.Context, id string) error {
	return c.join(ctx, "project:"+id, MessageJoinProject, map[string]string{"projectId": id})
}

func (c *Channel) LeaveProject(ctx context.Context, id string) error {
	return c.leave(ctx, "project:"+id, MessageLeaveProject, map[string]string{"projectId": id})
}

func (c *Channel) JoinFreelancer(ctx context.Context, id string) error {
	return c.join(ctx, "freelancer:"+id, MessageJoinFreelancer, map[string]string{"freelancerId": id})
}

func (c *Channel) LeaveFreelancer(ctx context.Context, id string) error {
	return c.leave(ctx, "freelancer:"+id, MessageLeaveFreelancer, map[string]string{"freelancerId": id})
}

// Rooms returns joined rooms, for example "project:123".
func (c *Channel) Rooms() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// SendEvent sends a generic message to the server.
func (c *Channel) SendEvent(ctx context.Context, name string, payload any) error {
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, name, payload)
}

// join sends the membership message, if the channel is not connected, the join is not queued.
func (c *Channel) join(ctx context.Context, room, message string, payload any) error {
	c.lock.Lock()
	if c.state != Connected {
		c.lock.Unlock()
		c.logger.Debugf(ctx, `cannot join room "%s", the channel is not connected`, room)
		return nil
	}
	send := true
	if c.cfg.RefCountRooms {
		c.rooms[room]++
		send = c.rooms[room] == 1
	} else {
		c.rooms[room] = 1
	}
	conn := c.conn
	c.lock.Unlock()

	if !send {
		return nil
	}
	c.logger.Debugf(ctx, `joining room "%s"`, room)
	return c.write(ctx, conn, message, payload)
}

func (c *Channel) leave(ctx context.Context, room, message string, payload any) error {
	c.lock.Lock()
	if c.state != Connected {
		c.lock.Unlock()
		c.logger.Debugf(ctx, `cannot leave room "%s", the channel is not connected`, room)
		return nil
	}
	send := true
	if c.cfg.RefCountRooms {
		if count, found := c.rooms[room]; found && count > 1 {
			c.rooms[room] = count - 1
			send = false
		}
	}
	if send {
		delete(c.rooms, room)
	}
	conn := c.conn
	c.lock.Unlock()

	if !send {
		return nil
	}
	c.logger.Debugf(ctx, `leaving room "%s"`, room)
	return c.write(ctx, conn, message, payload)
}

func (c *Channel) write(ctx context.Context, conn Conn, name string, payload any) error {
	data, err := encodeMessage(name, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(ctx, data); err != nil {
		return errors.Wrapf(err, `cannot send "%s" message`, name)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context, gen uint64) {
	header := http.Header{}
	token, err := c.credentials.Token(ctx)
	if err != nil {
		c.logger.Warnf(ctx, `cannot get credentials, connecting anonymously: %s`, err)
	} else if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debugf(ctx, `connecting to "%s"`, c.cfg.URL)
	conn, err := c.dialer.Dial(ctx, c.cfg.URL, header)

	c.lock.Lock()
	if gen != c.generation {
		// Disconnect or a new Connect has been called in the meantime
		c.lock.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		notify := c.onAttemptFailed(ctx, err)
		c.lock.Unlock()
		notify()
		return
	}

	connCtx, connCancel := context.WithCancel(ctx)
	c.conn = conn
	c.connCancel = connCancel
	c.attempts = 0
	c.backoff.Reset()
	c.stopReconnectTimer()
	notify := c.setState(Connected)
	c.wg.Add(2)
	c.lock.Unlock()

	c.logger.Info(ctx, "connected")
	go c.readLoop(connCtx, conn)
	go c.pingLoop(connCtx, conn)
	notify()
}

// onAttemptFailed schedules the next attempt or gives up, the lock must be held.
func (c *Channel) onAttemptFailed(ctx context.Context, err error) (notify func()) {
	c.attempts++
	if c.attempts >= c.cfg.MaxAttempts {
		c.logger.With(attribute.Int("attempts", c.attempts)).Errorf(ctx, `connection failed, giving up: %s`, err)
		return c.setState(Disconnected)
	}

	delay := c.scheduleReconnect()
	c.logger.With(attribute.Int("attempts", c.attempts)).Warnf(ctx, `connection failed, reconnecting in %s: %s`, delay, err)
	return func() {}
}

// scheduleReconnect starts the reconnect timer, the lock must be held.
func (c *Channel) scheduleReconnect() time.Duration {
	c.stopReconnectTimer()
	delay := c.backoff.NextBackOff()
	gen := c.generation
	ctx := c.ctx
	c.metrics.ReconnectScheduled()
	c.reconnect = c.clock.AfterFunc(delay, func() {
		c.lock.Lock()
		if gen != c.generation {
			c.lock.Unlock()
			return
		}
		c.reconnect = nil
		notify := c.setState(Connecting)
		c.lock.Unlock()
		notify()
		c.dial(ctx, gen)
	})
	return delay
}

func (c *Channel) stopReconnectTimer() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// detachConn stops loops of the current connection and returns it, the lock must be held.
func (c *Channel) detachConn() Conn {
	conn := c.conn
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.conn = nil
	// The server forgets membership of a closed connection
	c.rooms = make(map[string]int)
	return conn
}

func (c *Channel) onClosed(ctx context.Context, conn Conn, err error) {
	c.lock.Lock()
	if c.conn != conn {
		// Closed by Disconnect
		c.lock.Unlock()
		return
	}
	c.detachConn()
	_ = conn.Close()
	c.attempts = 0
	c.backoff.Reset()
	notify := c.setState(Disconnected)
	delay := c.scheduleReconnect()
	c.lock.Unlock()

	c.logger.Warnf(ctx, `connection closed, reconnecting in %s: %s`, delay, err)
	notify()
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	defer c.wg.Done()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.onClosed(ctx, conn, err)
			return
		}
		c.handleMessage(ctx, data)
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn Conn) {
	defer c.wg.Done()
	if c.cfg.PingInterval <= 0 {
		return
	}

	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := conn.Ping(ctx); err != nil {
				c.logger.Warnf(ctx, `cannot send ping: %s`, err)
			}
		}
	}
}

type eventPayload struct {
	Type         string          `json:"type"`
	ProjectID    ID              `json:"projectId"`
	FreelancerID ID              `json:"freelancerId"`
	Data         json.RawMessage `json:"data"`
}

func (c *Channel) handleMessage(ctx context.Context, data []byte) {
	var msg envelope
	if err := json.Decode(data, &msg); err != nil {
		c.logger.Warnf(ctx, `dropped malformed message: %s`, err)
		return
	}

	switch msg.Event {
	case EventRealtimeUpdate, EventStatsUpdate:
	default:
		c.logger.Debugf(ctx, `ignored message "%s"`, msg.Event)
		return
	}

	var payload eventPayload
	if err := json.Decode(msg.Data, &payload); err != nil {
		c.logger.Warnf(ctx, `dropped malformed "%s" event: %s`, msg.Event, err)
		return
	}

	eventType, err := ParseEventType(payload.Type)
	if err != nil {
		c.logger.Warnf(ctx, `dropped "%s" event: %s`, msg.Event, err)
		return
	}

	c.dispatch(ctx, Event{
		Name:         msg.Event,
		Type:         eventType,
		ProjectID:    payload.ProjectID,
		FreelancerID: payload.FreelancerID,
		Data:         payload.Data,
	})
}

// dispatch invokes all callbacks subscribed to the event dispatch key.
func (c *Channel) dispatch(ctx context.Context, event Event) {
	key := event.DispatchKey()
	c.lock.Lock()
	subs := make([]*subscription, len(c.subscriptions[key]))
	copy(subs, c.subscriptions[key])
	c.lock.Unlock()

	for _, sub := range subs {
		c.invoke(ctx, sub, event)
	}
}

func (c *Channel) invoke(ctx context.Context, sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf(ctx, `event callback for "%s" panicked: %v`, event.DispatchKey(), r)
		}
	}()
	sub.callback(event)
}

func (c *Channel) invokeStatus(o *statusObserver, state ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf(context.Background(), `connection status callback panicked: %v`, r)
		}
	}()
	o.callback(state)
}

// setState changes the state and queues the notification, the lock must be held.
// The returned function delivers queued notifications, it must be called after unlock.
func (c *Channel) setState(state ConnectionState) (notify func()) {
	if c.state == state {
		return func() {}
	}
	c.state = state
	c.metrics.StateChanged(state.String())
	c.queueStatus(state, c.statusObservers)
	return c.deliverStatus
}

// queueStatus appends the notification for the observers, the lock must be held.
func (c *Channel) queueStatus(state ConnectionState, observers []*statusObserver) {
	if len(observers) == 0 {
		return
	}
	snapshot := make([]*statusObserver, len(observers))
	copy(snapshot, observers)
	c.statusQueue = append(c.statusQueue, statusNotification{state: state, observers: snapshot})
}

// deliverStatus invokes observers with queued notifications, in the order of transitions.
// Only one goroutine delivers at a time. A transition made by another goroutine, or by an observer,
// during the delivery is queued and delivered by the running loop after the current notification.
func (c *Channel) deliverStatus() {
	for {
		c.lock.Lock()
		if c.delivering || len(c.statusQueue) == 0 {
			c.lock.Unlock()
			return
		}
		n := c.statusQueue[0]
		c.statusQueue = c.statusQueue[1:]
		c.delivering = true
		c.lock.Unlock()

		for _, o := range n.observers {
			c.invokeStatus(o, n.state)
		}

		c.lock.Lock()
		c.delivering = false
		c.lock.Unlock()
	}
}

// newReconnectBackoff returns delays BaseDelay, 2*BaseDelay, 4*BaseDelay, ... up to MaxDelay.
func newReconnectBackoff(cfg config.Realtime, clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxDelay
	b.MaxElapsedTime = 0 // never stop, the number of attempts is limited by MaxAttempts
	b.Clock = clock
	b.Reset()
	return b
}
