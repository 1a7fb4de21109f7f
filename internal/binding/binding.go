// Package binding keeps a scope subscription and a bounded event log alive
// for one consumer across reconnects and scope changes.
package binding

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiwari-pos/orderfeed/internal/client"
	"github.com/kiwari-pos/orderfeed/internal/connection"
	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/kiwari-pos/orderfeed/internal/subscription"
	"github.com/rs/zerolog"
)

const DefaultLogCapacity = 100

type State int

const (
	StateUnbound State = iota
	StateAwaitingConnection
	StateSubscribed
	StateResubscribing
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateAwaitingConnection:
		return "AWAITING_CONNECTION"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateResubscribing:
		return "RESUBSCRIBING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	Name  string
	Scope event.Scope
	// AutoConnect makes Mount connect the shared client.
	AutoConnect bool
	LogCapacity int
	Log         zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		AutoConnect: true,
		LogCapacity: DefaultLogCapacity,
		Log:         zerolog.Nop(),
	}
}

// Binding owns one subscription on a shared client. It re-subscribes on
// every Connected transition and on scope change, and keeps the received
// notifications in a bounded log.
type Binding struct {
	shared *Shared
	opts   Options
	log    zerolog.Logger

	mu      sync.Mutex
	client  *client.Client
	state   State
	scope   event.Scope
	handle  subscription.Handle
	gen     uint64
	events  *Ring[event.Notification]
	latest  *event.Notification
	lastErr error
	cancels []func()

	changed chan struct{}
}

func New(shared *Shared, opts Options) *Binding {
	return &Binding{
		shared:  shared,
		opts:    opts,
		log:     opts.Log.With().Str("component", "binding").Str("binding", opts.Name).Logger(),
		scope:   opts.Scope,
		events:  NewRing[event.Notification](opts.LogCapacity),
		changed: make(chan struct{}, 1),
	}
}

func (b *Binding) Name() string { return b.opts.Name }

// Mount acquires the shared client and starts following the scope. With
// AutoConnect set it also connects; a failed connect is returned but the
// binding stays mounted and picks up the next Connected transition.
func (b *Binding) Mount(ctx context.Context) error {
	b.mu.Lock()
	if b.client != nil {
		b.mu.Unlock()
		return nil
	}
	c, err := b.shared.Acquire()
	if err != nil {
		b.lastErr = err
		b.mu.Unlock()
		b.notify()
		return err
	}
	b.client = c
	b.state = StateAwaitingConnection
	b.cancels = []func(){
		c.OnConnectionChange(b.onConnectionChange),
		c.OnError(b.onError),
	}
	b.mu.Unlock()
	b.notify()

	if c.IsConnected() {
		b.resubscribe()
	}
	if b.opts.AutoConnect {
		return b.Connect(ctx)
	}
	return nil
}

// Close unsubscribes, detaches from the client and releases it. The log is
// kept. A closed binding can be mounted again.
func (b *Binding) Close(ctx context.Context) error {
	b.mu.Lock()
	c := b.client
	if c == nil {
		b.mu.Unlock()
		return nil
	}
	b.client = nil
	b.gen++
	h := b.handle
	b.handle = ""
	cancels := b.cancels
	b.cancels = nil
	b.state = StateUnbound
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if h != "" {
		c.Unsubscribe(h)
	}
	b.notify()
	return b.shared.Release(ctx)
}

// SetScope switches the binding to scope. When connected the old
// subscription is dropped before the new one opens. nil stops following.
func (b *Binding) SetScope(scope event.Scope) error {
	if scope != nil {
		if err := event.ValidateScope(scope); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if b.scope == scope {
		b.mu.Unlock()
		return nil
	}
	b.scope = scope
	c := b.client
	b.mu.Unlock()

	if c == nil {
		return nil
	}
	if scope == nil {
		b.dropSubscription(StateAwaitingConnection)
		return nil
	}
	if c.IsConnected() {
		b.resubscribe()
	}
	return nil
}

func (b *Binding) Scope() event.Scope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scope
}

// Events returns the log, oldest first.
func (b *Binding) Events() []event.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events.Snapshot()
}

// Latest returns the most recent notification, which survives ClearLog.
func (b *Binding) Latest() (event.Notification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return event.Notification{}, false
	}
	return *b.latest, true
}

// ClearLog empties the log without touching the subscription.
func (b *Binding) ClearLog() {
	b.mu.Lock()
	b.events.Clear()
	b.mu.Unlock()
	b.notify()
}

func (b *Binding) PublishCommand(cmd event.StatusChangeCommand) error {
	c, err := b.current("publish")
	if err != nil {
		return err
	}
	return c.Publish(cmd)
}

// Connect connects the shared client.
func (b *Binding) Connect(ctx context.Context) error {
	c, err := b.current("connect")
	if err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		b.setErr(err)
		return err
	}
	return nil
}

// Disconnect disconnects the shared client for every binding on it.
func (b *Binding) Disconnect(ctx context.Context) error {
	c, err := b.current("disconnect")
	if err != nil {
		return err
	}
	return c.Disconnect(ctx)
}

func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Err is the last transport or subscription error, cleared once subscribed.
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Changed receives a value after any change to state, log or error. Signals
// are coalesced; read the current values after each receive.
func (b *Binding) Changed() <-chan struct{} {
	return b.changed
}

// --- internals ---

func (b *Binding) current(op string) (*client.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, errs.Usage(op, errs.ErrNotMounted)
	}
	return b.client, nil
}

func (b *Binding) notify() {
	select {
	case b.changed <- struct{}{}:
	default:
	}
}

func (b *Binding) setErr(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	b.notify()
}

func (b *Binding) onError(err error) {
	b.setErr(err)
}

func (b *Binding) onConnectionChange(s connection.State) {
	switch s {
	case connection.StateConnected:
		b.resubscribe()
	case connection.StateDisconnected, connection.StateReconnecting:
		// the multiplexer already dropped the subscription with the session
		b.dropSubscription(StateAwaitingConnection)
	}
}

// dropSubscription forgets the current subscription and moves to next.
func (b *Binding) dropSubscription(next State) {
	b.mu.Lock()
	if b.client == nil {
		b.mu.Unlock()
		return
	}
	c := b.client
	b.gen++
	h := b.handle
	b.handle = ""
	changed := b.state != next
	b.state = next
	b.mu.Unlock()

	if h != "" {
		c.Unsubscribe(h)
	}
	if changed {
		b.notify()
	}
}

// resubscribe replaces the current subscription with one for the current
// scope. Concurrent calls are ordered by generation: only the newest keeps
// its subscription and events from older ones are ignored.
func (b *Binding) resubscribe() {
	b.mu.Lock()
	if b.client == nil || b.scope == nil {
		b.mu.Unlock()
		return
	}
	c := b.client
	scope := b.scope
	old := b.handle
	b.handle = ""
	b.gen++
	gen := b.gen
	if old != "" {
		b.state = StateResubscribing
	}
	b.mu.Unlock()

	if old != "" {
		b.notify()
		c.Unsubscribe(old)
	}

	h, err := c.Subscribe(scope, func(n event.Notification) { b.append(gen, n) })

	b.mu.Lock()
	if b.gen != gen {
		// superseded while subscribing
		b.mu.Unlock()
		if err == nil {
			c.Unsubscribe(h)
		}
		return
	}
	if err != nil {
		b.lastErr = err
		b.state = StateAwaitingConnection
		b.mu.Unlock()
		b.log.Warn().Err(err).Str("scope", scope.String()).Msg("subscribe failed")
		b.notify()
		return
	}
	b.handle = h
	b.state = StateSubscribed
	b.lastErr = nil
	b.mu.Unlock()

	b.log.Debug().Str("scope", scope.String()).Msg("subscribed")
	b.notify()
}

func (b *Binding) append(gen uint64, n event.Notification) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.events.Push(n)
	b.latest = &n
	b.mu.Unlock()
	b.notify()
}
