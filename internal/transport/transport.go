// Package transport carries STOMP frames to and from the broker over a
// WebSocket. The rest of the client only sees the Dialer, Session and
// Subscription interfaces defined here.
package transport

import "context"

// Message is one MESSAGE frame delivered to a subscription. Err is set
// instead of Body when the broker reported an error for the subscription.
type Message struct {
	Destination string
	Body        []byte
	Err         error
}

// Subscription is one broker-level SUBSCRIBE on a Session.
type Subscription interface {
	// Messages yields frames in the order the transport received them and is
	// closed when the subscription ends.
	Messages() <-chan Message
	// Unsubscribe sends UNSUBSCRIBE and stops delivery. It blocks until the
	// broker acknowledges or the session ends.
	Unsubscribe() error
}

// Session is one live, handshaken broker connection.
type Session interface {
	Subscribe(destination string) (Subscription, error)
	Send(destination string, body []byte) error
	// Done is closed when the underlying connection is gone, for any reason.
	Done() <-chan struct{}
	// Err reports why Done was closed. It is nil for a local Close.
	Err() error
	// Close performs a graceful DISCONNECT and releases the socket.
	Close() error
}

// Dialer opens sessions. Implementations must honour ctx during the handshake.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}
