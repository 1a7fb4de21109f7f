package binding

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kiwari-pos/orderfeed/internal/brokertest"
	"github.com/kiwari-pos/orderfeed/internal/client"
	"github.com/kiwari-pos/orderfeed/internal/config"
	"github.com/kiwari-pos/orderfeed/internal/enum"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brokerShared(b *brokertest.Broker) *Shared {
	cfg := config.NewTestBroker(b.URL())
	cfg.Debug = false
	return NewShared(func() (*client.Client, error) {
		return client.New(cfg, zerolog.Nop(), nil)
	})
}

// echoStatusChanges answers every status change the way the backend does:
// by publishing the resulting notification on the branch topic.
func echoStatusChanges(t *testing.T, b *brokertest.Broker, branchID int64) {
	b.OnSend(func(s brokertest.Sent) {
		if s.Destination != event.CommandDestination {
			return
		}
		var cmd event.StatusChangeCommand
		if err := json.Unmarshal(s.Body, &cmd); err != nil {
			t.Errorf("broker got malformed command: %v", err)
			return
		}
		n := event.Notification{
			OrderID:    cmd.OrderID,
			StatusCode: cmd.NewStatus,
			StatusName: cmd.NewStatus.String(),
			OrderDate:  "2026-03-14T09:00:00",
			BranchID:   &branchID,
			Timestamp:  json.RawMessage(`1773480600000`),
		}
		body, err := n.Encode()
		if err != nil {
			t.Errorf("encode echo: %v", err)
			return
		}
		b.Publish(event.Branch{ID: branchID}.Topic(), body)
	})
}

func TestStatusChangeEchoScenario(t *testing.T) {
	broker := brokertest.New(brokertest.Options{})
	t.Cleanup(broker.Close)
	echoStatusChanges(t, broker, 1)

	b := mount(t, brokerShared(broker), options(event.Branch{ID: 1}))
	require.Eventually(t, func() bool {
		return b.State() == StateSubscribed && broker.Subscriptions("/topic/pedidos/sucursal/1") == 1
	}, waitFor, tick)

	require.NoError(t, b.PublishCommand(event.StatusChangeCommand{OrderID: 42, NewStatus: enum.StatusPreparing}))

	require.Eventually(t, func() bool { return len(b.Events()) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	events := b.Events()
	require.Len(t, events, 1)
	got := events[0]
	assert.Equal(t, int64(42), got.OrderID)
	assert.Equal(t, enum.StatusPreparing, got.StatusCode)
	assert.Equal(t, "PREPARING", got.StatusName)
	require.NotNil(t, got.BranchID)
	assert.Equal(t, int64(1), *got.BranchID)

	sent := broker.Received()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"pedidoId":42,"nuevoEstadoId":1}`, string(sent[0].Body))
}

func TestBindingsOnSameScopeAreIndependent(t *testing.T) {
	broker := brokertest.New(brokertest.Options{})
	t.Cleanup(broker.Close)
	shared := brokerShared(broker)

	small := options(event.AdminGlobal{})
	small.LogCapacity = 2
	one := mount(t, shared, small)
	two := mount(t, shared, options(event.AdminGlobal{}))

	require.Eventually(t, func() bool {
		return one.State() == StateSubscribed && two.State() == StateSubscribed &&
			broker.Subscriptions(event.TopicAdmin) == 2
	}, waitFor, tick)

	for i := int64(1); i <= 3; i++ {
		broker.Publish(event.TopicAdmin, frame(i, enum.StatusStandby))
	}

	require.Eventually(t, func() bool {
		return len(two.Events()) == 3 && len(one.Events()) == 2
	}, waitFor, tick)
	assert.Equal(t, []int64{2, 3}, orderIDs(one.Events()))
	assert.Equal(t, []int64{1, 2, 3}, orderIDs(two.Events()))

	// both bindings ride one connection
	assert.Equal(t, 1, broker.Connections())
}

func TestManyScopesShareOneConnection(t *testing.T) {
	broker := brokertest.New(brokertest.Options{})
	t.Cleanup(broker.Close)
	shared := brokerShared(broker)

	scopes := []event.Scope{
		event.All{},
		event.AdminGlobal{},
		event.Branch{ID: 1},
		event.Branch{ID: 2},
		event.Customer{ID: 3},
	}
	bindings := make([]*Binding, len(scopes))
	for i, s := range scopes {
		bindings[i] = mount(t, shared, options(s))
	}

	require.Eventually(t, func() bool {
		for i, s := range scopes {
			if bindings[i].State() != StateSubscribed || broker.Subscriptions(s.Topic()) != 1 {
				return false
			}
		}
		return true
	}, waitFor, tick)

	assert.Equal(t, 1, broker.Connections())
	assert.Equal(t, 1, broker.Live())
}

func TestBindingResubscribesAfterReconnect(t *testing.T) {
	broker := brokertest.New(brokertest.Options{})
	t.Cleanup(broker.Close)

	b := mount(t, brokerShared(broker), options(event.Branch{ID: 9}))
	require.Eventually(t, func() bool {
		return broker.Subscriptions("/topic/pedidos/sucursal/9") == 1
	}, waitFor, tick)

	broker.Publish("/topic/pedidos/sucursal/9", frame(1, enum.StatusIncoming))
	require.Eventually(t, func() bool { return len(b.Events()) == 1 }, waitFor, tick)

	broker.DropConnections()

	// auto-reconnect brings the connection and the subscription back
	require.Eventually(t, func() bool {
		return broker.Connections() == 2 &&
			b.State() == StateSubscribed &&
			broker.Subscriptions("/topic/pedidos/sucursal/9") == 1
	}, 5*time.Second, tick)

	broker.Publish("/topic/pedidos/sucursal/9", frame(2, enum.StatusPreparing))
	require.Eventually(t, func() bool { return len(b.Events()) == 2 }, waitFor, tick)
	assert.Equal(t, []int64{1, 2}, orderIDs(b.Events()))
}

func TestDisconnectAffectsEveryBinding(t *testing.T) {
	broker := brokertest.New(brokertest.Options{})
	t.Cleanup(broker.Close)
	shared := brokerShared(broker)

	one := mount(t, shared, options(event.All{}))
	two := mount(t, shared, options(event.Branch{ID: 4}))
	require.Eventually(t, func() bool {
		return broker.Subscriptions(event.TopicAll) == 1 && broker.Subscriptions("/topic/pedidos/sucursal/4") == 1
	}, waitFor, tick)

	require.NoError(t, one.Disconnect(context.Background()))

	require.Eventually(t, func() bool {
		return one.State() == StateAwaitingConnection && two.State() == StateAwaitingConnection
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return broker.Subscriptions(event.TopicAll) == 0 && broker.Live() == 0
	}, waitFor, tick)

	// no automatic reconnect after an explicit disconnect
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, broker.Connections())
}
