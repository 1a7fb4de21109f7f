// Package transporttest provides in-memory Dialer and Session fakes.
package transporttest

import (
	"context"
	"sync"

	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/transport"
)

const feedBuffer = 256

// Dialer hands out fake sessions. Set Fail to make Dial return an error and
// Gate to hold Dial until a value is sent or the channel is closed.
type Dialer struct {
	mu       sync.Mutex
	fail     error
	gate     chan struct{}
	dials    int
	sessions []*Session
}

func NewDialer() *Dialer {
	return &Dialer{}
}

// Fail makes subsequent dials fail with err. nil restores success.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

// Hold makes subsequent dials block until Release is called.
func (d *Dialer) Hold() {
	d.mu.Lock()
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

func (d *Dialer) Release() {
	d.mu.Lock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context) (transport.Session, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errs.Transport("fake dial", ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, errs.Transport("fake dial", d.fail)
	}
	s := newSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Dials counts Dial calls, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Sessions returns every session handed out so far.
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Last returns the newest session, or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// Sent is one SEND recorded by a Session.
type Sent struct {
	Destination string
	Body        []byte
}

type Session struct {
	mu      sync.Mutex
	subs    []*Subscription
	sent    []Sent
	sendErr error
	closed  bool

	once sync.Once
	done chan struct{}
	err  error
}

func newSession() *Session {
	return &Session{done: make(chan struct{})}
}

func (s *Session) Subscribe(destination string) (transport.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return nil, errs.Transport("subscribe "+destination, transport.ErrClosed)
	default:
	}
	sub := &Subscription{destination: destination, out: make(chan transport.Message, feedBuffer)}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *Session) Send(destination string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, Sent{Destination: destination, Body: append([]byte(nil), body...)})
	return nil
}

// FailSends makes Send return err.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.end(nil)
	return nil
}

// Drop simulates the peer going away with err.
func (s *Session) Drop(err error) {
	s.end(err)
}

func (s *Session) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.mu.Lock()
		subs := append([]*Subscription(nil), s.subs...)
		s.mu.Unlock()
		for _, sub := range subs {
			sub.finish()
		}
	})
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Subscriptions returns every subscription opened on the session.
func (s *Session) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subscription(nil), s.subs...)
}

// Subscription returns the newest subscription for destination, or nil.
func (s *Session) Subscription(destination string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.subs) - 1; i >= 0; i-- {
		if s.subs[i].destination == destination {
			return s.subs[i]
		}
	}
	return nil
}

type Subscription struct {
	destination string

	mu           sync.Mutex
	out          chan transport.Message
	ended        bool
	unsubscribes int
}

func (s *Subscription) Destination() string { return s.destination }

func (s *Subscription) Messages() <-chan transport.Message { return s.out }

func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	s.unsubscribes++
	s.mu.Unlock()
	s.finish()
	return nil
}

// Unsubscribes counts Unsubscribe calls.
func (s *Subscription) Unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribes
}

// Deliver queues body as a MESSAGE frame. It reports false once the
// subscription has ended.
func (s *Subscription) Deliver(body []byte) bool {
	return s.push(transport.Message{Destination: s.destination, Body: body})
}

// DeliverErr queues a broker error for the subscription.
func (s *Subscription) DeliverErr(err error) bool {
	return s.push(transport.Message{Destination: s.destination, Err: err})
}

func (s *Subscription) push(m transport.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.out <- m
	return true
}

func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.out)
	}
}
