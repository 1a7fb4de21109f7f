package publisher

import (
	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/kiwari-pos/orderfeed/internal/metrics"
	"github.com/kiwari-pos/orderfeed/internal/transport"
	"github.com/rs/zerolog"
)

// SessionSource yields the live broker session.
type SessionSource interface {
	Session() (transport.Session, error)
}

// Publisher sends status change commands. Commands are fire-and-forget: the
// broker's echoed notification is the only confirmation.
type Publisher struct {
	conn    SessionSource
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func New(conn SessionSource, log zerolog.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		conn:    conn,
		log:     log.With().Str("component", "publisher").Logger(),
		metrics: m,
	}
}

// Publish validates cmd and hands it to the transport. It fails with
// ErrNotConnected when there is no live session and ErrInvalidCommand for a
// bad order id or status. Failed sends are not retried.
func (p *Publisher) Publish(cmd event.StatusChangeCommand) error {
	body, err := cmd.Encode()
	if err != nil {
		return err
	}

	sess, err := p.conn.Session()
	if err != nil {
		return errs.NotConnected("publish")
	}

	if err := sess.Send(event.CommandDestination, body); err != nil {
		p.log.Warn().Err(err).Int64("order_id", cmd.OrderID).Msg("failed to send status change")
		return err
	}

	p.metrics.CommandPublished(cmd.NewStatus.String())
	p.log.Debug().
		Int64("order_id", cmd.OrderID).
		Str("status", cmd.NewStatus.String()).
		Msg("status change sent")
	return nil
}
