package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/dealdesk-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса сделок.
func (h *Handler) SetupRouter(registry *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Webhook аутентифицируется подписью провайдера, а не cookie.
		r.Post("/webhooks/stripe", h.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(
					custommiddleware.RoleMaestro,
					custommiddleware.RoleAdmin,
					custommiddleware.RoleSuperAdmin,
				))

				r.Post("/deals", h.CreateDeal)
				r.Get("/deals", h.ListDeals)
				r.Get("/deals/{id}", h.GetDeal)
				r.Patch("/deals/{id}", h.PatchDeal)
				r.Post("/deals/{id}/checkout", h.Checkout)
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(
					custommiddleware.RoleAdmin,
					custommiddleware.RoleSuperAdmin,
				))

				r.Post("/deals/{id}/refund", h.Refund)

				r.Get("/ledger", h.ListLedger)
				r.Get("/ledger/export", h.ExportLedger)
				r.Post("/ledger/approve", h.ApproveLedger)
			})
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
