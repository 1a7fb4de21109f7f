package bootstrap

import (
	"context"

	"github.com/kiwari-pos/orderfeed/internal/binding"
	"github.com/kiwari-pos/orderfeed/internal/client"
	"github.com/kiwari-pos/orderfeed/internal/config"
	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/kiwari-pos/orderfeed/internal/metrics"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

var ClientModule = fx.Module("client",
	fx.Provide(
		NewShared,
		NewClient,
		NewBindings,
	),
)

func NewShared(cfg config.Config, log zerolog.Logger, m *metrics.Metrics) *binding.Shared {
	return binding.NewShared(func() (*client.Client, error) {
		return client.New(cfg.Broker, log, m)
	})
}

// NewClient holds a reference on the shared client for the life of the
// process and connects it on start. A failed first connect is logged; the
// reconnect policy keeps trying.
func NewClient(lc fx.Lifecycle, shared *binding.Shared, log zerolog.Logger) (*client.Client, error) {
	c, err := shared.Acquire()
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := c.Connect(ctx); err != nil {
				log.Warn().Err(err).Msg("initial broker connect failed")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return shared.Release(ctx)
		},
	})
	return c, nil
}

// NewBindings builds one binding per configured scope. They are mounted on
// start, after the client is connecting, and closed on stop.
func NewBindings(lc fx.Lifecycle, cfg config.Config, shared *binding.Shared, log zerolog.Logger) ([]*binding.Binding, error) {
	bindings := make([]*binding.Binding, 0, len(cfg.Watch.Scopes))
	seen := make(map[string]bool, len(cfg.Watch.Scopes))
	for _, raw := range cfg.Watch.Scopes {
		scope, err := event.ParseScope(raw)
		if err != nil {
			return nil, err
		}
		// bindings are addressed by name, a repeat would shadow the first
		if seen[scope.String()] {
			return nil, errs.Usage("watch scopes", errs.Wrapf(errs.ErrInvalidScope, "duplicate %q", raw))
		}
		seen[scope.String()] = true
		bindings = append(bindings, binding.New(shared, binding.Options{
			Name:        scope.String(),
			Scope:       scope,
			LogCapacity: cfg.Watch.LogCapacity,
			Log:         log,
		}))
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, b := range bindings {
				if err := b.Mount(ctx); err != nil {
					return err
				}
				log.Info().Str("binding", b.Name()).Str("topic", b.Scope().Topic()).Msg("binding mounted")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			for _, b := range bindings {
				if err := b.Close(ctx); err != nil {
					log.Warn().Err(err).Str("binding", b.Name()).Msg("close binding")
				}
			}
			return nil
		},
	})
	return bindings, nil
}
