// Package livestats reconciles live events into statistics of one project or freelancer.
//
// The aggregator is seeded from a snapshot, then it applies events from the realtime channel.
// While the channel is not connected, the current viewers count is periodically nudged by a random jitter.
// The jitter is only a presentation heuristic, so the stats do not look frozen, it carries no information.
package livestats

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sasha-s/go-deadlock"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
	"github.com/keboola/marketplace-live/internal/pkg/log"
	"github.com/keboola/marketplace-live/internal/pkg/realtime"
	"github.com/keboola/marketplace-live/internal/pkg/requestclient"
	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

const DefaultJitterInterval = 5 * time.Second

// Channel is the part of realtime.Channel used by the Aggregator.
type Channel interface {
	IsConnected() bool
	Connect(ctx context.Context)
	Subscribe(key string, callback realtime.Callback) (unsubscribe func())
	SubscribeToConnectionStatus(callback realtime.StatusCallback) (unsubscribe func())
	JoinProject(ctx context.Context, id string) error
	LeaveProject(ctx context.Context, id string) error
	JoinFreelancer(ctx context.Context, id string) error
	LeaveFreelancer(ctx context.Context, id string) error
}

// APIClient is the part of requestclient.Client used to load the initial snapshot.
type APIClient interface {
	Get(ctx context.Context, url string, opts ...requestclient.RequestOption) (*requestclient.Response, error)
}

type Aggregator struct {
	config
	clock   clockwork.Clock
	logger  log.Logger
	channel Channel
	target  Target
	wg      *sync.WaitGroup

	lock      *deadlock.Mutex
	stats     Stats
	observers []*observer
	nextID    int
	started   bool
	// ctx is the lifetime between Start and Stop
	ctx          context.Context
	cancel       context.CancelFunc
	unsubscribe  []func()
	jitterCancel context.CancelFunc
}

type config struct {
	jitterInterval time.Duration
	jitter         func() int
}

type observer struct {
	id       int
	callback func(Stats)
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
}

type Option func(c *config)

func WithJitterInterval(v time.Duration) Option {
	return func(c *config) {
		c.jitterInterval = v
	}
}

// WithJitter replaces the random generator of the viewers nudge.
func WithJitter(v func() int) Option {
	return func(c *config) {
		c.jitter = v
	}
}

// New creates the aggregator seeded from the initial snapshot, call Start to receive live events.
func New(d dependencies, channel Channel, target Target, initial Stats, opts ...Option) *Aggregator {
	cfg := config{
		jitterInterval: DefaultJitterInterval,
		jitter:         randomJitter,
	}
	for _, o := range opts {
		o(&cfg)
	}

	return &Aggregator{
		config:  cfg,
		clock:   d.Clock(),
		logger:  d.Logger().WithComponent("live-stats").With(attribute.String("target", target.String())),
		channel: channel,
		target:  target,
		wg:      &sync.WaitGroup{},
		lock:    &deadlock.Mutex{},
		stats:   initial.withFloor(),
	}
}

// SeedFromREST merges the snapshot loaded through the cached API client.
func (a *Aggregator) SeedFromREST(ctx context.Context, client APIClient, url string) error {
	var patch Patch
	if _, err := client.Get(ctx, url, requestclient.WithResult(&patch)); err != nil {
		return errors.Wrapf(err, `cannot load stats of "%s"`, a.target)
	}
	a.UpdateStats(patch)
	return nil
}

// Start subscribes to events of the target and to connection status changes.
// If the channel is not connected, a connection is triggered.
func (a *Aggregator) Start(ctx context.Context) {
	a.lock.Lock()
	if a.started {
		a.lock.Unlock()
		return
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.lock.Unlock()

	unsubscribeEvents := a.channel.Subscribe(a.target.ID(), a.onEvent)
	unsubscribeStatus := a.channel.SubscribeToConnectionStatus(a.onStatus)

	a.lock.Lock()
	a.unsubscribe = append(a.unsubscribe, unsubscribeEvents, unsubscribeStatus)
	a.lock.Unlock()

	if !a.channel.IsConnected() {
		a.channel.Connect(ctx)
	}
}

// Stop unsubscribes from the channel, leaves the room and stops the jitter.
func (a *Aggregator) Stop(ctx context.Context) {
	a.lock.Lock()
	if !a.started {
		a.lock.Unlock()
		return
	}
	a.started = false
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.stopJitter()
	a.cancel()
	a.lock.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if err := a.leave(ctx); err != nil {
		a.logger.Warnf(ctx, `cannot leave room: %s`, err)
	}
	a.wg.Wait()
}

func (a *Aggregator) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.stats
}

// OnChange registers a callback invoked with a snapshot after each change.
func (a *Aggregator) OnChange(callback func(Stats)) (unsubscribe func()) {
	a.lock.Lock()
	a.nextID++
	o := &observer{id: a.nextID, callback: callback}
	a.observers = append(a.observers, o)
	a.lock.Unlock()

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			a.lock.Lock()
			defer a.lock.Unlock()
			for i, item := range a.observers {
				if item.id == o.id {
					a.observers = append(a.observers[:i:i], a.observers[i+1:]...)
					break
				}
			}
		})
	}
}

// UpdateStats applies an optimistic local change, for example after the user bookmarked the project.
func (a *Aggregator) UpdateStats(patch Patch) {
	a.update(func(s Stats) Stats {
		return s.Apply(patch)
	})
}

func (a *Aggregator) onEvent(event realtime.Event) {
	var patch Patch
	hasPatch := false
	if event.HasData() {
		if err := json.Decode(event.Data, &patch); err != nil {
			a.logger.Warnf(context.Background(), `cannot decode "%s" event data: %s`, event.Type, err)
		} else {
			hasPatch = true
		}
	}

	a.update(func(s Stats) Stats {
		switch event.Type {
		case realtime.EventTypeStats:
			// Only the data payload is merged
		case realtime.EventTypeViewerJoin:
			s.CurrentViewers = max(1, s.CurrentViewers+1)
		case realtime.EventTypeViewerLeave:
			s.CurrentViewers = max(1, s.CurrentViewers-1)
		case realtime.EventTypeApplication:
			s.ApplicationsCount++
		case realtime.EventTypeBookmark:
			s.BookmarkCount++
		case realtime.EventTypeInquiry:
			s.InquiryCount++
		}
		if hasPatch {
			s = s.Apply(patch)
		}
		return s
	})
}

func (a *Aggregator) onStatus(state realtime.ConnectionState) {
	ctx := a.context()
	switch state {
	case realtime.Connected:
		a.lock.Lock()
		a.stopJitter()
		a.lock.Unlock()
		// Membership is lost with the connection, so the room is joined after each connect
		if err := a.join(ctx); err != nil {
			a.logger.Warnf(ctx, `cannot join room: %s`, err)
		}
	case realtime.Connecting, realtime.Disconnected:
		a.lock.Lock()
		a.startJitter()
		a.lock.Unlock()
	}
}

// update modifies stats under the lock and notifies observers outside the lock.
func (a *Aggregator) update(fn func(Stats) Stats) {
	a.lock.Lock()
	a.stats = fn(a.stats).withFloor()
	stats := a.stats
	observers := make([]*observer, len(a.observers))
	copy(observers, a.observers)
	a.lock.Unlock()

	for _, o := range observers {
		o.callback(stats)
	}
}

// startJitter starts the jitter loop if it is not running, the lock must be held.
func (a *Aggregator) startJitter() {
	if a.jitterCancel != nil || !a.started {
		return
	}

	ctx, cancel := context.WithCancel(a.ctx)
	a.jitterCancel = cancel
	ticker := a.clock.NewTicker(a.jitterInterval)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				delta := a.jitter()
				a.update(func(s Stats) Stats {
					s.CurrentViewers += delta
					return s
				})
			}
		}
	}()
}

// stopJitter stops the jitter loop, the lock must be held.
func (a *Aggregator) stopJitter() {
	if a.jitterCancel != nil {
		a.jitterCancel()
		a.jitterCancel = nil
	}
}

func (a *Aggregator) context() context.Context {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

func (a *Aggregator) join(ctx context.Context) error {
	switch a.target.kind {
	case projectTarget:
		return a.channel.JoinProject(ctx, a.target.id)
	case freelancerTarget:
		return a.channel.JoinFreelancer(ctx, a.target.id)
	default:
		panic(errors.Errorf(`unexpected target kind "%d"`, a.target.kind))
	}
}

func (a *Aggregator) leave(ctx context.Context) error {
	switch a.target.kind {
	case projectTarget:
		return a.channel.LeaveProject(ctx, a.target.id)
	case freelancerTarget:
		return a.channel.LeaveFreelancer(ctx, a.target.id)
	default:
		panic(errors.Errorf(`unexpected target kind "%d"`, a.target.kind))
	}
}

// randomJitter returns -1, 0 or 1.
func randomJitter() int {
	return rand.IntN(3) - 1 //nolint:gosec // presentation only
}
