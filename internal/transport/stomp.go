package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/rs/zerolog"
)

const (
	contentTypeJSON = "application/json"

	// Upper bound for the DISCONNECT receipt before the socket is dropped.
	disconnectWait = 2 * time.Second

	// Default upper bound for an UNSUBSCRIBE receipt.
	unsubscribeWait = 2 * time.Second

	// Buffered frames per subscription between the STOMP reader and dispatch.
	feedBuffer = 64
)

// STOMP sub-protocols offered during the WebSocket upgrade.
var subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// StompDialer dials STOMP over WebSocket.
type StompDialer struct {
	URL string
	// Heartbeat is offered in both directions; zero disables heart-beating.
	Heartbeat time.Duration
	// VirtualHost goes into the CONNECT host header.
	VirtualHost string
	Header      http.Header
	WS          *websocket.Dialer
	Log         zerolog.Logger
	// UnsubscribeWait bounds the wait for an UNSUBSCRIBE receipt.
	UnsubscribeWait time.Duration
}

func NewStompDialer(url string, heartbeat time.Duration, log zerolog.Logger) *StompDialer {
	return &StompDialer{
		URL:         url,
		Heartbeat:   heartbeat,
		VirtualHost:     "/",
		Log:             log,
		UnsubscribeWait: unsubscribeWait,
	}
}

func (d *StompDialer) Dial(ctx context.Context) (Session, error) {
	wsd := d.WS
	if wsd == nil {
		wsd = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			Subprotocols:     subprotocols,
		}
	}

	ws, resp, err := wsd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, errs.Transport("websocket dial", fmt.Errorf("%w (status %d)", err, resp.StatusCode))
		}
		return nil, errs.Transport("websocket dial", err)
	}

	conn := NewConn(ws)

	// stomp.Connect has no context; drop the socket if ctx ends mid-handshake.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshakeDone:
		}
	}()

	wait := d.UnsubscribeWait
	if wait <= 0 {
		wait = unsubscribeWait
	}

	sc, err := stomp.Connect(conn,
		stomp.ConnOpt.Host(d.VirtualHost),
		stomp.ConnOpt.HeartBeat(d.Heartbeat, d.Heartbeat),
		stomp.ConnOpt.UnsubscribeReceiptTimeout(wait),
		stomp.ConnOpt.Logger(newStompLogger(d.Log)),
	)
	close(handshakeDone)
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.Transport("stomp connect", ctxErr)
		}
		return nil, errs.Transport("stomp connect", err)
	}

	d.Log.Debug().
		Str("url", d.URL).
		Str("version", string(sc.Version())).
		Str("subprotocol", ws.Subprotocol()).
		Msg("stomp session established")

	return &stompSession{conn: sc, ws: conn, log: d.Log}, nil
}

type stompSession struct {
	conn *stomp.Conn
	ws   *Conn
	log  zerolog.Logger

	closeOnce sync.Once
}

func (s *stompSession) Subscribe(destination string) (Subscription, error) {
	sub, err := s.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, errs.Transport("subscribe "+destination, err)
	}
	ss := &stompSubscription{
		sub:  sub,
		out:  make(chan Message, feedBuffer),
		stop: make(chan struct{}),
		done: s.ws.Done(),
	}
	go ss.pump()
	return ss, nil
}

func (s *stompSession) Send(destination string, body []byte) error {
	if err := s.conn.Send(destination, contentTypeJSON, body); err != nil {
		return errs.Transport("send "+destination, err)
	}
	return nil
}

func (s *stompSession) Done() <-chan struct{} {
	return s.ws.Done()
}

func (s *stompSession) Err() error {
	select {
	case <-s.ws.Done():
		return s.ws.Err()
	default:
		return nil
	}
}

func (s *stompSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		select {
		case <-s.ws.Done():
			// socket already gone, nothing to negotiate
			err = s.conn.MustDisconnect()
			s.ws.Close()
			return
		default:
		}

		done := make(chan error, 1)
		go func() { done <- s.conn.Disconnect() }()

		select {
		case err = <-done:
		case <-time.After(disconnectWait):
			s.log.Warn().Msg("stomp disconnect receipt timed out, dropping socket")
			err = s.conn.MustDisconnect()
		}
		s.ws.Close()
	})
	return err
}

type stompSubscription struct {
	sub  *stomp.Subscription
	out  chan Message
	stop chan struct{}
	once sync.Once
	done <-chan struct{} // session socket closed
}

// pump copies frames from the STOMP reader. After Unsubscribe it keeps
// draining without forwarding so the reader never blocks on us.
func (s *stompSubscription) pump() {
	defer close(s.out)
	for msg := range s.sub.C {
		var m Message
		if msg.Err != nil {
			m = Message{Destination: s.sub.Destination(), Err: errs.Protocol("message", msg.Err)}
		} else {
			m = Message{Destination: msg.Destination, Body: msg.Body}
		}

		select {
		case <-s.stop:
			continue
		default:
		}

		select {
		case s.out <- m:
		case <-s.stop:
		}
	}
}

func (s *stompSubscription) Messages() <-chan Message {
	return s.out
}

// Unsubscribe waits for the broker's RECEIPT unless the socket goes away first
// or the dialer's UnsubscribeWait elapses.
func (s *stompSubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	default:
	}
	if !s.sub.Active() {
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- s.sub.Unsubscribe() }()
	select {
	case err := <-errc:
		if err != nil {
			return errs.Transport("unsubscribe "+s.sub.Destination(), err)
		}
		return nil
	case <-s.done:
		return nil
	}
}
