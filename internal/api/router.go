package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/reelmint/reelmint/internal/identity"
)

// RouterConfig holds settings for the API router, passed from main.go.
type RouterConfig struct {
	AllowedOrigins []string
	SignupGrant    int64
}

func NewRouter(h *Handler, verifier identity.Verifier, users UserStore, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public endpoints
	r.Get("/health", h.Health)
	r.Post("/v1/webhooks/billing", h.BillingWebhook) // guarded by shared secret, not bearer auth

	// Authenticated endpoints
	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(verifier, users, cfg.SignupGrant))

		r.Post("/videos", h.SubmitVideo)
		r.Get("/videos", h.ListVideos)
		r.Get("/videos/{id}", h.GetVideo)
		r.Get("/videos/{id}/download", h.DownloadVideo)
		r.Post("/videos/{id}/finalize", h.FinalizeVideo)

		r.Post("/videos/{id}/slides/{index}/regenerate", h.RegenerateSlide)
		r.Post("/videos/{id}/slides/{index}/animate", h.AnimateSlide)

		r.Get("/me/balance", h.GetBalance)
		r.Get("/me/ledger", h.GetLedger)

		r.Get("/debug/queue", h.QueueDebug)
	})

	return r
}
