package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kiwari-pos/orderfeed/internal/config"
	"github.com/kiwari-pos/orderfeed/internal/event"
	"github.com/kiwari-pos/orderfeed/internal/handler"
	mw "github.com/kiwari-pos/orderfeed/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// New creates a Chi router exposing the mounted bindings, the command route
// and the process metrics. The command route requires a token that may send
// commands when cfg.JWTSecret is set.
func New(cfg config.HTTPConfig, log zerolog.Logger, gatherer prometheus.Gatherer, pub handler.CommandPublisher, watches []handler.Watch) chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(mw.RequestLogger(log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	bindingHandler := handler.NewBindingHandler(log, watches...)
	r.Route("/bindings", bindingHandler.RegisterRoutes)

	orderHandler := handler.NewOrderHandler(pub, log)
	r.Group(func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(mw.Authenticate(cfg.JWTSecret))
			r.Use(mw.RequireSend(event.CommandDestination))
		}
		r.Route("/orders", orderHandler.RegisterRoutes)
	})

	log.Debug().Int("bindings", len(watches)).Msg("router initialized")
	return r
}
