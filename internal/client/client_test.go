package client_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kiwari-pos/orderfeed/internal/brokertest"
	"github.com/kiwari-pos/orderfeed/internal/client"
	"github.com/kiwari-pos/orderfeed/internal/config"
	"github.com/kiwari-pos/orderfeed/internal/connection"
	"github.com/kiwari-pos/orderfeed/internal/enum"
	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/kiwari-pos/orderfeed/internal/metrics"
	"github.com/kiwari-pos/orderfeed/internal/transport/transporttest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, m *metrics.Metrics) (*client.Client, *transporttest.Dialer) {
	t.Helper()
	d := transporttest.NewDialer()
	cfg := config.NewTestBroker("ws://unused")
	cfg.AutoReconnect = false
	c := client.NewWithDialer(d, cfg, zerolog.Nop(), m)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, d
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	cfg := config.DefaultBroker()
	cfg.URL = "http://localhost:8080/ws"

	_, err := client.New(cfg, zerolog.Nop(), nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUsage))
}

func TestClientRoundTrip(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, d := newClient(t, metrics.New(reg))

	var (
		mu     sync.Mutex
		states []connection.State
	)
	c.OnConnectionChange(func(s connection.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, connection.StateConnected, c.State())

	got := make(chan event.Notification, 1)
	h, err := c.Subscribe(event.Branch{ID: 1}, func(n event.Notification) { got <- n })
	require.NoError(t, err)
	assert.Equal(t, 1, c.ActiveSubscriptions())

	sub := d.Last().Subscription("/topic/pedidos/sucursal/1")
	require.NotNil(t, sub)
	sub.Deliver([]byte(`{"pedidoId":42,"estadoId":3,"estadoNombre":"DELIVERED","fecha":"2026-03-14T09:00:00","timestamp":1}`))

	select {
	case n := <-got:
		assert.Equal(t, int64(42), n.OrderID)
		assert.Equal(t, enum.StatusDelivered, n.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	require.NoError(t, c.Publish(event.StatusChangeCommand{OrderID: 42, NewStatus: enum.StatusDelivered}))
	sent := d.Last().Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, event.CommandDestination, sent[0].Destination)

	c.Unsubscribe(h)
	assert.Equal(t, 0, c.ActiveSubscriptions())

	series, err := testutil.GatherAndCount(reg, "orderfeed_frames_received_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.IsConnected())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == connection.StateDisconnected
	}, time.Second, 10*time.Millisecond)
}

func TestClientErrorObserver(t *testing.T) {
	c, d := newClient(t, nil)
	d.Fail(errors.New("connection refused"))

	seen := make(chan error, 1)
	c.OnError(func(err error) {
		select {
		case seen <- err:
		default:
		}
	})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransport))
	assert.Error(t, c.LastError())

	select {
	case err := <-seen:
		assert.True(t, errs.IsKind(err, errs.KindTransport))
	case <-time.After(time.Second):
		t.Fatal("error observer not called")
	}
}

func TestClientStream(t *testing.T) {
	c, d := newClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))

	s, err := c.Stream(event.AdminGlobal{}, 4)
	require.NoError(t, err)

	d.Last().Subscription(event.TopicAdmin).Deliver([]byte(`{"pedidoId":7,"estadoId":0,"estadoNombre":"INCOMING","fecha":"2026-03-14T09:00:00","timestamp":1}`))

	select {
	case n := <-s.Events():
		assert.Equal(t, int64(7), n.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("stream event not delivered")
	}

	require.NoError(t, c.Close(context.Background()))
	_, open := <-s.Events()
	assert.False(t, open)
}

func TestPublishBeforeConnect(t *testing.T) {
	c, _ := newClient(t, nil)

	err := c.Publish(event.StatusChangeCommand{OrderID: 1, NewStatus: enum.StatusPreparing})
	assert.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestUnreadStreamKeepsConnectionFlowing(t *testing.T) {
	b := brokertest.New(brokertest.Options{})
	t.Cleanup(b.Close)

	c, err := client.New(config.NewTestBroker(b.URL()), zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	require.NoError(t, c.Connect(context.Background()))

	// never read
	_, err = c.Stream(event.AdminGlobal{}, 1)
	require.NoError(t, err)

	got := make(chan event.Notification, 1)
	_, err = c.Subscribe(event.Branch{ID: 1}, func(n event.Notification) { got <- n })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Subscriptions(event.TopicAdmin) == 1 && b.Subscriptions("/topic/pedidos/sucursal/1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	for i := 1; i <= 150; i++ {
		b.Publish(event.TopicAdmin, []byte(fmt.Sprintf(
			`{"pedidoId":%d,"estadoId":2,"estadoNombre":"STANDBY","fecha":"2026-03-14T09:00:00","timestamp":1}`, i)))
	}
	b.Publish("/topic/pedidos/sucursal/1",
		[]byte(`{"pedidoId":500,"estadoId":1,"estadoNombre":"PREPARING","fecha":"2026-03-14T09:00:00","timestamp":1}`))

	select {
	case n := <-got:
		assert.Equal(t, int64(500), n.OrderID)
	case <-time.After(3 * time.Second):
		t.Fatal("branch subscription starved by unread stream")
	}

	require.NoError(t, c.Publish(event.StatusChangeCommand{OrderID: 500, NewStatus: enum.StatusStandby}))
	require.Eventually(t, func() bool { return len(b.Received()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, event.CommandDestination, b.Received()[0].Destination)
}
