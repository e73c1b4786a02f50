package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/parlakisik/campus-exchange/internal/ratelimit"
	"github.com/parlakisik/campus-exchange/internal/service"
)

type RouterConfig struct {
	Auth       *Authenticator
	MaxRetries int
	// DisputeLimiter throttles dispute filing per actor. Nil disables it.
	DisputeLimiter ratelimit.Limiter
}

func NewRouter(svc *service.Service, cfg RouterConfig) http.Handler {
	h := NewHandlers(svc, cfg.MaxRetries)
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(logging)
	r.Use(recovery)

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Route("/v1/contracts/{id}", func(r chi.Router) {
			r.Get("/", h.GetContract)
			r.Post("/deposits", h.Deposit)
			r.Get("/escrow", h.GetEscrowBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/transactions/{tid}/reverse", h.ReverseEntry)
			r.Post("/cancel", h.CancelContract)
			r.Get("/admin-actions", h.ListAdminActions)
			r.With(rateLimited(cfg.DisputeLimiter)).Post("/disputes", h.CreateDispute)

			r.Get("/milestones", h.ListMilestones)
			r.Route("/milestones/{mid}", func(r chi.Router) {
				r.Post("/start", h.StartMilestone)
				r.Post("/submit", h.SubmitMilestone)
				r.Post("/approve", h.ApproveMilestone)
				r.Post("/reject", h.RejectMilestone)
				r.Post("/release", h.ReleaseMilestone)
				r.Post("/partial-release", h.PartialRelease)
			})
		})

		r.Route("/v1/disputes/{id}", func(r chi.Router) {
			r.Get("/", h.GetDispute)
			r.Post("/investigate", h.InvestigateDispute)
			r.Post("/resolve", h.ResolveDispute)
			r.Post("/dismiss", h.DismissDispute)
		})

		r.Get("/v1/wallets/{owner}", h.GetWallet)

		r.Route("/internal/v1", func(r chi.Router) {
			r.Post("/contracts", h.CreateContract)
			r.Put("/teams/{id}", h.UpsertTeam)
		})
	})

	return r
}
