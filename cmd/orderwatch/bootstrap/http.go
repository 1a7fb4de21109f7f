package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/kiwari-pos/orderfeed/internal/binding"
	"github.com/kiwari-pos/orderfeed/internal/client"
	"github.com/kiwari-pos/orderfeed/internal/config"
	"github.com/kiwari-pos/orderfeed/internal/handler"
	"github.com/kiwari-pos/orderfeed/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

var HTTPModule = fx.Module("http",
	fx.Provide(NewHTTPServer),
)

func NewHTTPServer(
	lc fx.Lifecycle,
	cfg config.Config,
	log zerolog.Logger,
	reg *prometheus.Registry,
	c *client.Client,
	bindings []*binding.Binding,
) *http.Server {
	watches := make([]handler.Watch, 0, len(bindings))
	for _, b := range bindings {
		watches = append(watches, b)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router.New(cfg.HTTP, log, reg, c, watches),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info().Str("address", srv.Addr).Msg("http server listening")
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http server stopped")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info().Msg("http server shutting down")
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
