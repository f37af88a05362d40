package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/config"
	"github.com/zhouzirui/birddrop/backend/internal/handler/health"
	"github.com/zhouzirui/birddrop/backend/internal/handler/signaling"
	"github.com/zhouzirui/birddrop/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/birddrop/backend/internal/middleware"
	"github.com/zhouzirui/birddrop/backend/internal/service/relay"
)

// NewRouter wires HTTP routes to the relay service.
func NewRouter(svc *relay.Service, cfg *config.Config, logger *logrus.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.Server.AllowedOrigins))

	// Health and stats stream
	health.New(svc, logger, health.DefaultStreamInterval).RegisterRoutes(r)

	// Signaling websocket
	signaling.New(svc, cfg.Server.AllowedOrigins, logger).RegisterRoutes(r)

	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	return r
}
