package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/kiwari-pos/orderfeed/cmd/orderwatch/bootstrap"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"
)

const stopTimeout = 15 * time.Second

func main() {
	app := fx.New(
		bootstrap.Module,
		fx.NopLogger,
		fx.Invoke(func(*http.Server) {}),
	)

	if err := app.Start(context.Background()); err != nil {
		log.Error().Err(err).Msg("failed to start orderwatch")
		os.Exit(1)
	}

	<-app.Done()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("failed to stop orderwatch cleanly")
		os.Exit(1)
	}
	log.Info().Msg("orderwatch stopped")
}
