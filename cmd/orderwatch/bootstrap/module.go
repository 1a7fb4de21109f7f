// Package bootstrap wires the orderwatch process with fx.
package bootstrap

import (
	"github.com/kiwari-pos/orderfeed/internal/config"
	"github.com/kiwari-pos/orderfeed/internal/logger"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

var Module = fx.Options(
	ConfigModule,
	LoggerModule,
	MetricsModule,
	ClientModule,
	HTTPModule,
)

var ConfigModule = fx.Module("config",
	fx.Provide(config.Load),
)

var LoggerModule = fx.Module("logger",
	fx.Provide(NewLogger),
)

func NewLogger(cfg config.Config) zerolog.Logger {
	return logger.New(cfg.Log, cfg.Broker.Debug).With().Str("service", "orderwatch").Logger()
}
