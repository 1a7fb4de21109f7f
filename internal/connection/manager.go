package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/metrics"
	"github.com/kiwari-pos/orderfeed/internal/transport"
	"github.com/rs/zerolog"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	AutoReconnect  bool
	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps consecutive failed attempts. Zero means retry forever.
	MaxReconnectAttempts int
	// ConnectTimeout bounds one dial plus handshake. Zero means no bound beyond ctx.
	ConnectTimeout time.Duration
	Log            zerolog.Logger
	Metrics        *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		AutoReconnect:  true,
		ReconnectDelay: 5 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Log:            zerolog.Nop(),
	}
}

// stackLines caps the stack trace logged with a transport error.
const stackLines = 12

// TeardownFunc runs before an explicit Disconnect closes the session.
type TeardownFunc func(ctx context.Context, s transport.Session)

// Manager owns the one broker connection shared by every subscription and
// publisher in the process. Observers are notified in transition order and
// never while the manager's lock is held.
type Manager struct {
	dialer transport.Dialer
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	session  transport.Session
	lastErr  error
	inflight *attempt
	timer    *time.Timer
	timerGen uint64
	failures int  // consecutive failed attempts
	manual   bool // set by Disconnect, cleared by Connect

	nextID    int
	stateObs  []stateObserver
	errObs    []errorObserver
	teardowns []teardownHook

	pending  []notice
	draining bool
}

type stateObserver struct {
	id int
	fn func(State)
}

type errorObserver struct {
	id int
	fn func(error)
}

type teardownHook struct {
	id int
	fn TeardownFunc
}

type notice struct {
	state State
	err   error
}

// attempt is one dial in flight. Concurrent Connect calls wait on it.
type attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func NewManager(dialer transport.Dialer, opts Options) *Manager {
	m := &Manager{
		dialer: dialer,
		opts:   opts,
		log:    opts.Log.With().Str("component", "connection").Logger(),
		state:  StateDisconnected,
	}
	opts.Metrics.SetConnectionState(int(StateDisconnected))
	return m
}

// Connect establishes the connection. It is idempotent: when already
// connected it returns nil, when a dial is in flight it waits for that dial.
// A pending reconnect is replaced by an immediate dial.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.manual = false
	m.failures = 0
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		a := m.inflight
		m.mu.Unlock()
		return a.wait(ctx)
	case StateReconnecting:
		m.stopTimerLocked()
	}
	a := m.beginLocked()
	m.mu.Unlock()

	m.drain()
	return m.dial(ctx, a)
}

// Disconnect runs the teardown hooks, closes the session and cancels any
// pending reconnect. Auto-reconnect stays off until the next Connect.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.manual = true
	m.stopTimerLocked()
	sess := m.session
	m.session = nil
	a := m.inflight
	m.inflight = nil
	prev := m.state
	m.setStateLocked(StateDisconnected)
	hooks := append([]teardownHook(nil), m.teardowns...)
	m.mu.Unlock()

	if a != nil {
		a.finish(errs.Usage("connect", errs.ErrConnectAborted))
	}

	if sess != nil {
		for _, h := range hooks {
			m.runTeardown(ctx, h.fn, sess)
		}
		if err := sess.Close(); err != nil {
			m.log.Debug().Err(err).Msg("session close")
		}
	}

	m.drain()

	if prev != StateDisconnected {
		m.log.Info().Str("from", prev.String()).Msg("disconnected")
	}
	return ctx.Err()
}

// IsConnected reports whether the state is Connected and the socket is live.
func (m *Manager) IsConnected() bool {
	_, err := m.Session()
	return err == nil
}

// Session returns the live session, or a usage error wrapping ErrNotConnected.
func (m *Manager) Session() (transport.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected || m.session == nil {
		return nil, errs.NotConnected("session")
	}
	select {
	case <-m.session.Done():
		return nil, errs.NotConnected("session")
	default:
	}
	return m.session, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError is the most recent transport error, cleared on a successful connect.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnConnectionChange registers fn for every state transition.
func (m *Manager) OnConnectionChange(fn func(State)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.stateObs = append(m.stateObs, stateObserver{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.stateObs {
			if o.id == id {
				m.stateObs = append(m.stateObs[:i:i], m.stateObs[i+1:]...)
				return
			}
		}
	}
}

// OnError registers fn for handshake and transport errors.
func (m *Manager) OnError(fn func(error)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.errObs = append(m.errObs, errorObserver{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.errObs {
			if o.id == id {
				m.errObs = append(m.errObs[:i:i], m.errObs[i+1:]...)
				return
			}
		}
	}
}

// BeforeDisconnect registers fn to run on the live session when Disconnect is called.
func (m *Manager) BeforeDisconnect(fn TeardownFunc) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.teardowns = append(m.teardowns, teardownHook{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, h := range m.teardowns {
			if h.id == id {
				m.teardowns = append(m.teardowns[:i:i], m.teardowns[i+1:]...)
				return
			}
		}
	}
}

// --- internals ---

// beginLocked starts a new attempt and moves to Connecting.
func (m *Manager) beginLocked() *attempt {
	a := newAttempt()
	m.inflight = a
	m.setStateLocked(StateConnecting)
	return a
}

func (m *Manager) dial(ctx context.Context, a *attempt) error {
	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}

	start := time.Now()
	sess, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if m.inflight != a {
		// Disconnect ran while we were dialing.
		m.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		<-a.done
		return a.err
	}
	m.inflight = nil

	if err != nil {
		if !errs.IsKind(err, errs.KindTransport) {
			err = errs.Transport("connect", err)
		}
		m.failures++
		failures := m.failures
		m.lastErr = err
		m.setStateLocked(StateDisconnected)
		m.pending = append(m.pending, notice{err: err})
		m.opts.Metrics.TransportError()
		m.scheduleReconnectLocked()
		m.mu.Unlock()

		m.log.Warn().Err(err).Int("failures", failures).Msg("connect failed")
		m.logStack(err)
		a.finish(err)
		m.drain()
		return err
	}

	m.failures = 0
	m.lastErr = nil
	m.session = sess
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.watch(sess)

	m.log.Info().Int64("duration_ms", time.Since(start).Milliseconds()).Msg("connected")
	a.finish(nil)
	m.drain()
	return nil
}

// watch waits for the session to end and handles an unexpected drop.
func (m *Manager) watch(sess transport.Session) {
	<-sess.Done()

	m.mu.Lock()
	if m.session != sess {
		// replaced or closed by Disconnect
		m.mu.Unlock()
		return
	}
	m.session = nil

	cause := sess.Err()
	if cause == nil {
		cause = errs.New("connection closed by peer")
	}
	err := errs.Transport("connection lost", cause)
	m.lastErr = err
	m.setStateLocked(StateDisconnected)
	m.pending = append(m.pending, notice{err: err})
	m.opts.Metrics.TransportError()
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("connection lost")
	m.logStack(err)
	sess.Close()
	m.drain()
}

func (m *Manager) logStack(err error) {
	if e := m.log.Debug(); e.Enabled() {
		e.Strs("stack", errs.ExtractStackLines(err, stackLines)).Msg("transport error detail")
	}
}

// scheduleReconnectLocked arms the single reconnect timer. It is a no-op
// while a timer is already pending.
func (m *Manager) scheduleReconnectLocked() {
	if !m.opts.AutoReconnect || m.manual || m.timer != nil {
		return
	}
	if limit := m.opts.MaxReconnectAttempts; limit > 0 && m.failures >= limit {
		m.setStateLocked(StateDisconnected)
		m.log.Error().Int("failures", m.failures).Msg("reconnect attempts exhausted")
		return
	}

	m.setStateLocked(StateReconnecting)
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(m.opts.ReconnectDelay, func() { m.fireReconnect(gen) })
	m.log.Debug().Dur("delay", m.opts.ReconnectDelay).Msg("reconnect scheduled")
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if m.timer == nil || m.timerGen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	a := m.beginLocked()
	m.mu.Unlock()

	m.opts.Metrics.ReconnectAttempt()
	m.log.Info().Msg("reconnecting")
	m.drain()
	_ = m.dial(context.Background(), a)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.opts.Metrics.SetConnectionState(int(s))
	m.pending = append(m.pending, notice{state: s})
}

// drain delivers pending notices in order. Only one goroutine drains at a
// time; notices queued meanwhile are picked up by the active drainer.
func (m *Manager) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true

	for len(m.pending) > 0 {
		n := m.pending[0]
		m.pending = m.pending[1:]
		stateObs := append([]stateObserver(nil), m.stateObs...)
		errObs := append([]errorObserver(nil), m.errObs...)
		m.mu.Unlock()

		if n.err != nil {
			for _, o := range errObs {
				m.safeCall(func() { o.fn(n.err) })
			}
		} else {
			for _, o := range stateObs {
				m.safeCall(func() { o.fn(n.state) })
			}
		}

		m.mu.Lock()
	}

	m.draining = false
	m.mu.Unlock()
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("connection observer panicked")
		}
	}()
	fn()
}

func (m *Manager) runTeardown(ctx context.Context, fn TeardownFunc, sess transport.Session) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("teardown hook panicked")
		}
	}()
	fn(ctx, sess)
}
