/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/readers/*        Reader registration and debt
  /api/loans/*          Circulation state machine
  /api/returns          Return batches
  /api/payments/*       Debt settlement
  /api/imports/*        Stock intake
  /api/catalog/*        Catalog search
  /api/parameters       Configuration record
  /api/audit            Reversal audit trail

AUTHORIZATION:
  The X-Actor header identifies the acting user; handlers consult the
  injected permission gate before every mutating operation.

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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Reader routes
		r.Route("/readers", func(r chi.Router) {
			r.Get("/", h.ListReaders)
			r.Post("/", h.RegisterReader)
			r.Get("/{id}", h.GetReader)
			r.Get("/{id}/debt", h.GetReaderDebt)
			r.Get("/{id}/loans", h.GetReaderLoans)
			r.Delete("/{id}", h.DeleteReader)
		})

		// Circulation routes
		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.Borrow)
			r.Post("/{id}/cancel", h.CancelLoan)
			r.Post("/{id}/reverse-return", h.ReverseReturn)
		})
		r.Post("/returns", h.Return)

		// Settlement routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.RecordPayment)
			r.Post("/{id}/cancel", h.CancelPayment)
		})

		// Intake routes
		r.Route("/imports", func(r chi.Router) {
			r.Get("/", h.ListImports)
			r.Post("/", h.ReceiveStock)
			r.Get("/{id}", h.GetImport)
			r.Post("/{id}/cancel", h.CancelImport)
		})

		// Catalog routes
		r.Get("/catalog/search", h.SearchEditions)
		r.Get("/editions/{id}", h.GetEdition)
		r.Delete("/copies/{id}", h.DeleteCopy)

		// Admin routes
		r.Get("/parameters", h.GetParameters)
		r.Put("/parameters", h.UpdateParameters)
		r.Get("/audit", h.ListAudit)
	})

	return r
}
