package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/flashmart/flashsale-system/internal/middleware"
)

// purchaseThrottleLimit ограничивает число одновременно обрабатываемых запросов покупки.
const purchaseThrottleLimit = 100

// SetupRouter настраивает HTTP-маршруты и middleware сервиса флеш-распродаж.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/user", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)
				r.Get("/me", h.GetMe)
			})
		})

		r.Route("/sales", func(r chi.Router) {
			r.Get("/", h.GetSales)
			r.Get("/{id}", h.GetSale)
			r.Get("/{id}/status", h.GetSaleStatus)
			r.Get("/{id}/leaderboard", h.GetLeaderboard)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)
				r.Use(h.authMiddleware.RequireAdmin)

				r.Post("/", h.CreateSale)
				r.Put("/{id}", h.UpdateSale)
				r.Delete("/{id}", h.DeleteSale)
				r.Post("/{id}/reset", h.ResetSale)
			})
		})

		r.Route("/purchases", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.With(chimiddleware.Throttle(purchaseThrottleLimit)).Post("/", h.MakePurchase)
			r.Get("/my-purchases", h.GetMyPurchases)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.authMiddleware.RequireAdmin)

			r.Get("/admin/stats", h.GetAdminStats)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
