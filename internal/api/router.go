/**
 * @description
 * HTTP router setup for the ledger service using go-chi/chi.
 */
package api

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	"github.com/maudeniemann/dish-drop-sub000/internal/metrics"
)

// RouterConfig carries the auth and rate limit settings for NewRouter.
type RouterConfig struct {
	Auth           AuthConfig
	InternalAPIKey string
	Limiter        RateLimiter
	DropLimit      int
	ClaimLimit     int
	Logger         *slog.Logger
}

// NewRouter creates a new Chi router and registers the ledger routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/accounts", h.OpenAccount)
		r.Post("/donations", h.RecordDonation)
		r.Post("/purchases", h.PurchaseMeals)
		r.Post("/coins", h.AwardCoins)
		r.Post("/activity", h.RecordActivity)
	})

	r.Route("/ledger", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		r.Get("/balance", h.GetBalance)
		r.Get("/stats", h.GetGlobalStats)
		r.Post("/meals/spend", h.SpendMeals)

		r.Get("/sponsorships/{id}", h.GetSponsorship)
		r.With(RateLimitMiddleware(cfg.Limiter, domain.RateLimitDrops, cfg.DropLimit, logger)).
			Post("/sponsorships/{id}/drops", h.RecordDrop)

		r.With(RateLimitMiddleware(cfg.Limiter, domain.RateLimitClaims, cfg.ClaimLimit, logger)).
			Post("/coupons/{id}/claim", h.ClaimCoupon)
		r.Get("/coupons/claims", h.ListClaims)
		r.Post("/coupons/claims/{id}/use", h.UseCoupon)
	})

	return r
}
