/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/customers/*    Customer accounts, balances, summaries
  /api/meters/*       Meter registration
  /api/readings/*     Manual reading entry
  /api/bills/*        Bill listing, issuance, deletion
  /api/payments/*     Allocation preview and payment lifecycle
  /api/tariffs/*      Active tariff management
  /api/generation/*   Generation runs and persisted schedule
  /api/notices/*      Bulk notice dispatch and log

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Get("/{id}/summary", h.GetAccountSummary)
			r.Get("/{id}/movements", h.GetMovements)
			r.Post("/{id}/adjust-balance", h.AdjustBalance)
			r.Post("/{id}/use-credit", h.UseCredit)
			r.Post("/{id}/repair-balance", h.RepairBalance)
		})

		// Meter and reading routes
		r.Route("/meters", func(r chi.Router) {
			r.Post("/", h.CreateMeter)
		})
		r.Route("/readings", func(r chi.Router) {
			r.Post("/", h.CreateReading)
		})

		// Bill routes
		r.Route("/bills", func(r chi.Router) {
			r.Get("/", h.ListBills)
			r.Post("/", h.IssueBill)
			r.Get("/stats", h.GetBillStats)
			r.Get("/{id}", h.GetBill)
			r.Delete("/{id}", h.DeleteBill)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/preview", h.PreviewAllocation)
			r.Post("/submit", h.SubmitPayment)
			r.Post("/direct", h.RegisterDirectPayment)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/approve", h.ApprovePayment)
			r.Post("/{id}/reject", h.RejectPayment)
		})

		// Tariff routes
		r.Route("/tariffs", func(r chi.Router) {
			r.Get("/current", h.GetCurrentTariff)
			r.Post("/", h.SaveTariff)
		})

		// Generation routes
		r.Route("/generation", func(r chi.Router) {
			r.Get("/runs", h.ListRuns)
			r.Post("/runs", h.TriggerGeneration)
			r.Get("/runs/{id}", h.GetRun)
			r.Get("/preview", h.PreviewGeneration)
			r.Get("/schedule", h.GetSchedule)
			r.Put("/schedule", h.SaveSchedule)
		})

		// Notice routes
		r.Route("/notices", func(r chi.Router) {
			r.Get("/", h.ListNotices)
			r.Get("/preview", h.PreviewNotices)
			r.Post("/dispatch", h.DispatchNotices)
		})
	})

	return r
}
