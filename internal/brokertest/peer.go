package brokertest

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/kiwari-pos/orderfeed/internal/auth"
	"github.com/kiwari-pos/orderfeed/internal/transport"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a control message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

// peer is one STOMP client connected to the broker.
type peer struct {
	id     string
	broker *Broker
	ws     *websocket.Conn
	conn   *transport.Conn
	claims *auth.Claims // nil when the broker runs without a secret
	log    zerolog.Logger

	send chan *frame.Frame

	writeMu sync.Mutex
	writer  *frame.Writer
}

func (p *peer) write(f *frame.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.writer.Write(f)
}

// readPump handles inbound frames until the socket fails or the client
// sends DISCONNECT.
func (p *peer) readPump() {
	defer func() {
		p.broker.hub.leave(p)
		p.conn.Close()
	}()

	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	r := frame.NewReader(p.conn)
	connected := false
	for {
		f, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug().Err(err).Msg("peer read failed")
			}
			return
		}
		if f == nil {
			// heart-beat
			continue
		}
		p.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !connected {
			if f.Command != "CONNECT" && f.Command != "STOMP" {
				p.fail(f, "expected CONNECT")
				return
			}
			if err := p.connected(); err != nil {
				return
			}
			connected = true
			p.broker.handshake()
			continue
		}

		switch f.Command {
		case "SUBSCRIBE":
			dest, id := f.Header.Get("destination"), f.Header.Get("id")
			if dest == "" || id == "" {
				p.fail(f, "SUBSCRIBE requires destination and id")
				return
			}
			if p.claims != nil && !p.claims.CanSubscribe(dest) {
				p.fail(f, "access denied to "+dest)
				return
			}
			p.broker.hub.subscribe(p, id, dest)
			p.receipt(f)

		case "UNSUBSCRIBE":
			p.broker.hub.unsubscribe(p, f.Header.Get("id"))
			if !p.broker.noUnsubscribeReceipt {
				p.receipt(f)
			}

		case "SEND":
			dest := f.Header.Get("destination")
			if p.claims != nil && !p.claims.CanSend(dest) {
				p.fail(f, "send denied to "+dest)
				return
			}
			p.receipt(f)
			p.broker.received(Sent{
				Destination: dest,
				ContentType: f.Header.Get("content-type"),
				Body:        append([]byte(nil), f.Body...),
			})

		case "DISCONNECT":
			p.receipt(f)
			return

		case "ACK", "NACK", "BEGIN", "COMMIT", "ABORT":
			p.receipt(f)

		default:
			p.fail(f, "unsupported command "+f.Command)
			return
		}
	}
}

// writePump delivers routed MESSAGE frames and keeps the socket alive.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case f, ok := <-p.send:
			if !ok {
				// The hub closed the channel
				return
			}
			if err := p.write(f); err != nil {
				return
			}

		case <-ticker.C:
			if err := p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (p *peer) connected() error {
	return p.write(frame.New("CONNECTED",
		"version", "1.2",
		"heart-beat", "0,0",
		"session", p.id,
		"server", serverName,
	))
}

func (p *peer) receipt(f *frame.Frame) {
	id := f.Header.Get("receipt")
	if id == "" {
		return
	}
	if err := p.write(frame.New("RECEIPT", "receipt-id", id)); err != nil {
		p.log.Debug().Err(err).Msg("receipt write failed")
	}
}

// fail reports a protocol error; the caller closes the connection after.
func (p *peer) fail(f *frame.Frame, msg string) {
	p.log.Debug().Str("command", f.Command).Msg(msg)
	ef := frame.New("ERROR", "message", strings.ReplaceAll(msg, "\n", " "))
	if id := f.Header.Get("receipt"); id != "" {
		ef.Header.Add("receipt-id", id)
	}
	p.write(ef)
}
