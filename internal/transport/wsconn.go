package transport

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size accepted from the peer
	maxMessageSize = 64 * 1024
)

// ErrClosed is returned by Conn operations after Close.
var ErrClosed = errors.New("websocket connection closed")

// Conn exposes a WebSocket as the byte stream a STOMP codec expects.
// Each Write becomes one text message; Read concatenates inbound messages.
// One goroutine may Read while another Writes.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	r       io.Reader

	once sync.Once
	done chan struct{}
	err  error
}

// NewConn wraps ws. The caller hands ownership of ws to the Conn.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{
		ws:   ws,
		done: make(chan struct{}),
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				c.finish(err)
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		c.finish(err)
		return 0, err
	}
	return len(p), nil
}

// Close sends a close message and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	first := false
	c.once.Do(func() {
		first = true
		close(c.done)
	})
	if !first {
		return c.ws.Close()
	}

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// Done is closed once the socket fails or is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err is the failure that closed Done, or nil after a local Close.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}
