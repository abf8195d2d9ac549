package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicbase/booking-core/internal/booking"
)

type RouterConfig struct {
	Service *booking.Service
	Store   booking.Store
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/slots/{id}", getSlotHandler(cfg.Store))
	r.Post("/slots/{id}/reserve", reserveHandler(cfg.Service))
	r.Post("/slots/{id}/confirm", confirmHandler(cfg.Service))
	r.Post("/slots/{id}/release", releaseHandler(cfg.Service))

	r.Post("/appointments/{id}/cancel", cancelHandler(cfg.Service))
	r.Post("/appointments/{id}/complete", completeHandler(cfg.Service))

	r.Post("/rules", createRuleHandler(cfg.Service))
	r.Post("/rules/{id}/expand", expandRuleHandler(cfg.Service))
	r.Get("/doctors/{id}/rules", listRulesHandler(cfg.Store))

	return r
}
