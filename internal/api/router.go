package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wakala/payments/internal/deadletter"
	"github.com/wakala/payments/internal/health"
	"github.com/wakala/payments/internal/processor"
	"github.com/wakala/payments/internal/repository"
	"github.com/wakala/payments/internal/webhook"
)

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(
	proc *processor.TransactionProcessor,
	reconciler *webhook.Reconciler,
	dlqSvc *deadletter.Service,
	dlqRepo *repository.DeadLetterRepo,
	txnRepo *repository.TransactionRepo,
	tracker *health.Tracker,
) http.Handler {
	h := &Handlers{
		proc:       proc,
		reconciler: reconciler,
		dlqSvc:     dlqSvc,
		dlqRepo:    dlqRepo,
		txnRepo:    txnRepo,
		tracker:    tracker,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api/v1", func(r chi.Router) {
		// Payments.
		r.Post("/payments", h.InitiatePayment)
		r.Get("/payments/{id}", h.GetPayment)
		r.Post("/payments/{id}/cancel", h.CancelPayment)

		// Gateway callbacks.
		r.Post("/webhooks/{gateway}", h.ReceiveWebhook)

		// Operator surface.
		r.Get("/dead-letters", h.ListDeadLetters)
		r.Post("/dead-letters/{id}/resolve", h.ResolveDeadLetter)
		r.Get("/gateways/health", h.GetGatewayHealth)
	})

	return r
}
