// Package brokertest runs an in-process STOMP over WebSocket broker for
// tests. It understands enough of STOMP 1.2 to serve the order feed client:
// CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND and DISCONNECT with receipts.
package brokertest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiwari-pos/orderfeed/internal/auth"
	"github.com/kiwari-pos/orderfeed/internal/transport"
	"github.com/rs/zerolog"
)

const serverName = "orderfeed-brokertest/1.0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (access is checked via JWT)
	},
}

// Sent is one SEND frame received from a client.
type Sent struct {
	Destination string
	ContentType string
	Body        []byte
}

type Options struct {
	// Secret enables token checks: clients must pass a JWT signed with it in
	// the token query parameter, and its role limits what they may subscribe to.
	Secret string
	Log    zerolog.Logger
	// NoUnsubscribeReceipt makes the broker drop UNSUBSCRIBE without a RECEIPT.
	NoUnsubscribeReceipt bool
}

// Broker is a running test broker. Close it when done.
type Broker struct {
	hub    *hub
	srv    *httptest.Server
	secret string
	log    zerolog.Logger

	noUnsubscribeReceipt bool

	mu         sync.Mutex
	handshakes int
	sent       []Sent
	onSend     func(Sent)
}

// New starts a broker on a loopback httptest server.
func New(opts Options) *Broker {
	b := &Broker{
		hub:    newHub(),
		secret: opts.Secret,
		log:    opts.Log.With().Str("component", "brokertest").Logger(),

		noUnsubscribeReceipt: opts.NoUnsubscribeReceipt,
	}
	go b.hub.run()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ws", b.serveWS)

	b.srv = httptest.NewServer(r)
	return b
}

// URL is the WebSocket endpoint, e.g. ws://127.0.0.1:port/ws.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

// HTTPURL is the base http URL of the server.
func (b *Broker) HTTPURL() string {
	return b.srv.URL
}

// Close drops every client and stops the server.
func (b *Broker) Close() {
	close(b.hub.quit)
	b.srv.CloseClientConnections()
	b.srv.Close()
}

// Publish routes body to every subscription on destination.
func (b *Broker) Publish(destination string, body []byte) {
	b.hub.publish(&outbound{
		Destination: destination,
		ContentType: "application/json",
		Body:        append([]byte(nil), body...),
	})
}

// DropConnections closes every client socket without a STOMP DISCONNECT,
// as a network failure would.
func (b *Broker) DropConnections() {
	for _, p := range b.hub.live() {
		p.ws.Close()
	}
}

// Connections counts completed STOMP handshakes since the broker started.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handshakes
}

// Live counts currently connected clients.
func (b *Broker) Live() int {
	return len(b.hub.live())
}

// Subscriptions counts active subscriptions on destination.
func (b *Broker) Subscriptions(destination string) int {
	return b.hub.subscriptions(destination)
}

// Received returns every SEND frame so far.
func (b *Broker) Received() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// OnSend registers fn to run for every SEND frame, e.g. to echo a
// notification the way the real backend does. fn runs on the client's read
// goroutine.
func (b *Broker) OnSend(fn func(Sent)) {
	b.mu.Lock()
	b.onSend = fn
	b.mu.Unlock()
}

func (b *Broker) handshake() {
	b.mu.Lock()
	b.handshakes++
	b.mu.Unlock()
}

func (b *Broker) received(s Sent) {
	b.mu.Lock()
	b.sent = append(b.sent, s)
	fn := b.onSend
	b.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// serveWS handles WebSocket requests from clients
// Endpoint: WS /ws?token=JWT
func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	// 1. Validate the token when the broker has a secret
	var claims *auth.Claims
	if b.secret != "" {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		c, err := auth.ValidateToken(b.secret, tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		claims = c
	}

	// 2. Upgrade to WebSocket
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug().Err(err).Msg("websocket upgrade error")
		return
	}

	// 3. Create the peer and register it with the hub
	conn := transport.NewConn(ws)
	p := &peer{
		id:     uuid.NewString(),
		broker: b,
		ws:     ws,
		conn:   conn,
		claims: claims,
		send:   make(chan *frame.Frame, sendBuffer),
		writer: frame.NewWriter(conn),
	}
	p.log = b.log.With().Str("peer", p.id).Logger()
	if !b.hub.join(p) {
		conn.Close()
		return
	}

	// 4. Start pumps in separate goroutines
	go p.writePump()
	go p.readPump()
}
