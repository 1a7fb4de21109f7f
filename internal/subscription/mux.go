package subscription

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kiwari-pos/orderfeed/internal/clock"
	"github.com/kiwari-pos/orderfeed/internal/connection"
	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/kiwari-pos/orderfeed/internal/metrics"
	"github.com/kiwari-pos/orderfeed/internal/transport"
	"github.com/rs/zerolog"
)

// Handle identifies one active subscription.
type Handle string

// Handler receives decoded notifications for one subscription, one at a time
// and in the order the broker delivered them. A handler that falls behind by
// more than the queue size loses the oldest frames; other subscriptions are
// not affected.
type Handler func(event.Notification)

// Connection is the part of connection.Manager the multiplexer needs.
type Connection interface {
	Session() (transport.Session, error)
	OnConnectionChange(fn func(connection.State)) (cancel func())
	BeforeDisconnect(fn connection.TeardownFunc) (cancel func())
}

// DefaultQueueSize is the per-subscription backlog between the transport and
// the handler.
const DefaultQueueSize = 256

type Options struct {
	Log     zerolog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// QueueSize bounds each subscription's backlog. When a slow handler lets
	// it fill, the oldest queued frame is dropped.
	QueueSize int
}

// Multiplexer carries every scope subscription over the one shared session.
type Multiplexer struct {
	conn    Connection
	log     zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	queue   int

	mu   sync.Mutex
	subs map[Handle]*entry

	cancelObs      func()
	cancelTeardown func()
}

// deliverFunc is the internal handler form. stop is closed when the
// subscription ends so a blocked delivery can give up.
type deliverFunc func(stop <-chan struct{}, n event.Notification)

type entry struct {
	handle  Handle
	scope   event.Scope
	session transport.Session
	feed    transport.Subscription
	deliver deliverFunc
	onEnd   func()

	stop     chan struct{}
	stopOnce sync.Once
}

func (e *entry) cancel() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *entry) stopped() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

func NewMultiplexer(conn Connection, opts Options) *Multiplexer {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	m := &Multiplexer{
		conn:    conn,
		log:     opts.Log.With().Str("component", "subscription").Logger(),
		clock:   opts.Clock,
		metrics: opts.Metrics,
		queue:   opts.QueueSize,
		subs:    make(map[Handle]*entry),
	}
	m.cancelObs = conn.OnConnectionChange(m.onConnectionChange)
	m.cancelTeardown = conn.BeforeDisconnect(m.teardown)
	return m
}

// Subscribe opens a broker subscription for scope on the shared session.
// It fails with ErrNotConnected unless the connection is Connected.
func (m *Multiplexer) Subscribe(scope event.Scope, handler Handler) (Handle, error) {
	if handler == nil {
		return "", errs.Usage("subscribe", errs.New("nil handler"))
	}
	e, err := m.open(scope, func(_ <-chan struct{}, n event.Notification) { handler(n) }, nil)
	if err != nil {
		return "", err
	}
	return e.handle, nil
}

// Unsubscribe stops dispatch for h at once and releases the broker
// subscription in the background. Unknown and stale handles are ignored.
func (m *Multiplexer) Unsubscribe(h Handle) {
	m.mu.Lock()
	e, ok := m.subs[h]
	if ok {
		delete(m.subs, h)
	}
	n := len(m.subs)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.metrics.SetActiveSubscriptions(n)
	e.cancel()

	go func() {
		if err := e.feed.Unsubscribe(); err != nil {
			m.log.Debug().Err(err).Str("topic", e.scope.Topic()).Msg("broker unsubscribe failed")
		}
	}()
	m.log.Debug().Str("handle", string(h)).Str("topic", e.scope.Topic()).Msg("unsubscribed")
}

// Active returns the number of live subscriptions.
func (m *Multiplexer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Scope returns the scope h was opened for, if h is still live.
func (m *Multiplexer) Scope(h Handle) (event.Scope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[h]
	if !ok {
		return nil, false
	}
	return e.scope, true
}

// Close detaches the multiplexer from the connection and drops every subscription.
func (m *Multiplexer) Close() {
	m.cancelObs()
	m.cancelTeardown()
	for _, e := range m.takeAll() {
		e.cancel()
		go e.feed.Unsubscribe()
	}
}

// --- internals ---

func (m *Multiplexer) open(scope event.Scope, deliver deliverFunc, onEnd func()) (*entry, error) {
	if err := event.ValidateScope(scope); err != nil {
		return nil, err
	}

	sess, err := m.conn.Session()
	if err != nil {
		return nil, errs.NotConnected("subscribe")
	}

	topic := scope.Topic()
	feed, err := sess.Subscribe(topic)
	if err != nil {
		return nil, err
	}

	e := &entry{
		handle:  Handle(uuid.NewString()),
		scope:   scope,
		session: sess,
		feed:    feed,
		deliver: deliver,
		onEnd:   onEnd,
		stop:    make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[e.handle] = e
	n := len(m.subs)
	m.mu.Unlock()

	m.metrics.SetActiveSubscriptions(n)
	queue := make(chan transport.Message, m.queue)
	go m.drain(e, queue)
	go m.dispatch(e, queue)

	m.log.Debug().Str("handle", string(e.handle)).Str("topic", topic).Msg("subscribed")
	return e, nil
}

// drain moves frames from the transport feed into queue without ever
// blocking, so a slow handler cannot stall the shared session reader. When
// queue is full the oldest frame is dropped.
func (m *Multiplexer) drain(e *entry, queue chan transport.Message) {
	defer close(queue)

	feed := e.feed.Messages()
	kind := e.scope.Kind()
	for {
		select {
		case <-e.stop:
			return
		case msg, ok := <-feed:
			if !ok {
				return
			}
			select {
			case queue <- msg:
				continue
			default:
			}
			// drain is the only sender, so after taking one the send cannot block.
			select {
			case <-queue:
				m.metrics.FrameDropped(kind)
				m.log.Debug().Str("handle", string(e.handle)).Str("topic", msg.Destination).Msg("subscription backlog full, dropped oldest frame")
			default:
			}
			select {
			case queue <- msg:
			default:
			}
		}
	}
}

// dispatch is the only goroutine that calls e.deliver, which keeps
// per-topic order.
func (m *Multiplexer) dispatch(e *entry, queue <-chan transport.Message) {
	defer func() {
		m.forget(e)
		if e.onEnd != nil {
			e.onEnd()
		}
	}()

	kind := e.scope.Kind()
	for {
		select {
		case <-e.stop:
			return
		case msg, ok := <-queue:
			if !ok {
				return
			}
			if msg.Err != nil {
				m.log.Warn().Err(msg.Err).Str("topic", msg.Destination).Msg("broker reported subscription error")
				continue
			}

			n, err := event.Decode(msg.Body, m.clock.Now())
			if err != nil {
				m.metrics.DecodeFailure()
				m.log.Debug().Err(err).Str("topic", msg.Destination).Int("bytes", len(msg.Body)).Msg("dropping malformed frame")
				continue
			}
			if e.stopped() {
				return
			}

			m.metrics.FrameReceived(kind)
			m.safeDeliver(e, n)
		}
	}
}

func (m *Multiplexer) safeDeliver(e *entry, n event.Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("handle", string(e.handle)).Msg("subscription handler panicked")
		}
	}()
	e.deliver(e.stop, n)
}

// forget removes e if it is still registered, e.g. after the feed closed.
func (m *Multiplexer) forget(e *entry) {
	m.mu.Lock()
	if cur, ok := m.subs[e.handle]; ok && cur == e {
		delete(m.subs, e.handle)
	}
	n := len(m.subs)
	m.mu.Unlock()
	m.metrics.SetActiveSubscriptions(n)
}

func (m *Multiplexer) takeAll() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.subs))
	for h, e := range m.subs {
		out = append(out, e)
		delete(m.subs, h)
	}
	return out
}

// onConnectionChange drops every entry once the session is gone. Broker
// subscriptions do not survive a reconnect; owners re-subscribe on Connected.
func (m *Multiplexer) onConnectionChange(s connection.State) {
	if s == connection.StateConnected || s == connection.StateConnecting {
		return
	}
	dropped := m.takeAll()
	for _, e := range dropped {
		e.cancel()
	}
	if len(dropped) > 0 {
		m.metrics.SetActiveSubscriptions(0)
		m.log.Info().Int("count", len(dropped)).Msg("subscriptions dropped with connection")
	}
}

// teardown unsubscribes on the broker before an explicit disconnect.
func (m *Multiplexer) teardown(ctx context.Context, sess transport.Session) {
	var wg sync.WaitGroup
	for _, e := range m.takeAll() {
		e.cancel()
		if e.session != sess {
			continue
		}
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := e.feed.Unsubscribe(); err != nil {
				m.log.Debug().Err(err).Str("topic", e.scope.Topic()).Msg("broker unsubscribe failed")
			}
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn().Err(ctx.Err()).Msg("teardown interrupted")
	}
	m.metrics.SetActiveSubscriptions(0)
}
