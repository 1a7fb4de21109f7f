package subscription

import (
	"github.com/kiwari-pos/orderfeed/internal/event"
)

const defaultStreamBuffer = 16

// Stream delivers one subscription through a bounded channel. An unread
// Stream holds back only its own subscription: once its backlog is full the
// oldest frames are dropped, and the shared session keeps flowing.
type Stream struct {
	mux    *Multiplexer
	handle Handle
	scope  event.Scope
	ch     chan event.Notification
}

// Stream opens a subscription for scope whose notifications arrive on
// Events. Events is closed when the subscription ends for any reason.
func (m *Multiplexer) Stream(scope event.Scope, buffer int) (*Stream, error) {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	ch := make(chan event.Notification, buffer)

	deliver := func(stop <-chan struct{}, n event.Notification) {
		select {
		case ch <- n:
		case <-stop:
		}
	}

	e, err := m.open(scope, deliver, func() { close(ch) })
	if err != nil {
		return nil, err
	}
	return &Stream{mux: m, handle: e.handle, scope: scope, ch: ch}, nil
}

func (s *Stream) Events() <-chan event.Notification { return s.ch }

func (s *Stream) Handle() Handle { return s.handle }

func (s *Stream) Scope() event.Scope { return s.scope }

// Close unsubscribes. Events is closed shortly after; buffered
// notifications can still be read until then.
func (s *Stream) Close() {
	s.mux.Unsubscribe(s.handle)
}
