// Package client bundles the connection manager, subscription multiplexer
// and command publisher that share one broker connection.
package client

import (
	"context"

	"github.com/kiwari-pos/orderfeed/internal/config"
	"github.com/kiwari-pos/orderfeed/internal/connection"
	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/kiwari-pos/orderfeed/internal/metrics"
	"github.com/kiwari-pos/orderfeed/internal/publisher"
	"github.com/kiwari-pos/orderfeed/internal/subscription"
	"github.com/kiwari-pos/orderfeed/internal/transport"
	"github.com/rs/zerolog"
)

type Client struct {
	conn *connection.Manager
	mux  *subscription.Multiplexer
	pub  *publisher.Publisher
	log  zerolog.Logger
}

// New builds a client that dials cfg's endpoint with STOMP over WebSocket.
func New(cfg config.BrokerConfig, log zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, errs.Usage("client", err)
	}
	if cfg.Debug {
		log = log.Level(zerolog.DebugLevel)
	}
	d := transport.NewStompDialer(endpoint, cfg.Heartbeat, log.With().Str("component", "transport").Logger())
	return NewWithDialer(d, cfg, log, m), nil
}

// NewWithDialer builds a client over an arbitrary dialer. cfg.URL is ignored.
func NewWithDialer(d transport.Dialer, cfg config.BrokerConfig, log zerolog.Logger, m *metrics.Metrics) *Client {
	if cfg.Debug {
		log = log.Level(zerolog.DebugLevel)
	}
	conn := connection.NewManager(d, connection.Options{
		AutoReconnect:        cfg.AutoReconnect,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ConnectTimeout:       cfg.ConnectTimeout,
		Log:                  log,
		Metrics:              m,
	})
	return &Client{
		conn: conn,
		mux:  subscription.NewMultiplexer(conn, subscription.Options{Log: log, Metrics: m}),
		pub:  publisher.New(conn, log, m),
		log:  log,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect tears down the shared connection for every user of the client.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.conn.Disconnect(ctx)
}

func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

func (c *Client) State() connection.State { return c.conn.State() }

func (c *Client) LastError() error { return c.conn.LastError() }

func (c *Client) OnConnectionChange(fn func(connection.State)) (cancel func()) {
	return c.conn.OnConnectionChange(fn)
}

func (c *Client) OnError(fn func(error)) (cancel func()) {
	return c.conn.OnError(fn)
}

func (c *Client) Subscribe(scope event.Scope, h subscription.Handler) (subscription.Handle, error) {
	return c.mux.Subscribe(scope, h)
}

func (c *Client) Stream(scope event.Scope, buffer int) (*subscription.Stream, error) {
	return c.mux.Stream(scope, buffer)
}

func (c *Client) Unsubscribe(h subscription.Handle) {
	c.mux.Unsubscribe(h)
}

func (c *Client) ActiveSubscriptions() int {
	return c.mux.Active()
}

func (c *Client) Publish(cmd event.StatusChangeCommand) error {
	return c.pub.Publish(cmd)
}

// Close disconnects and detaches the multiplexer. The client is not reusable.
func (c *Client) Close(ctx context.Context) error {
	err := c.conn.Disconnect(ctx)
	c.mux.Close()
	return err
}
