/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logging:    Request-scoped zerolog logger carrying the request ID
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/budgets                     Budget creation
  /api/budgets/{budgetID}/*        Accounts, categories, transactions, balances
  /api/scenarios/*                 Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/warp/budget-engine/logger"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log zerolog.Logger, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/budgets", h.CreateBudget)

		r.Route("/budgets/{budgetID}", func(r chi.Router) {
			r.Post("/accounts", h.CreateAccount)
			r.Get("/accounts/{accountID}/balances", h.ListAccountBalances)
			r.Get("/accounts/{accountID}/verify", h.VerifyAccount)

			r.Post("/categories", h.CreateCategory)
			r.Put("/categories/{categoryID}/months/{month}", h.AssignCategory)

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Post("/", h.CreateTransaction)
				r.Post("/delete", h.DeleteTransactions)
				r.Get("/{id}", h.GetTransaction)
				r.Patch("/{id}", h.PatchTransaction)
				r.Delete("/{id}", h.DeleteTransaction)
			})

			r.Get("/balances", h.ListBudgetBalances)
			r.Get("/months/{month}", h.GetBudgetMonth)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger attaches a logger tagged with the request ID to the request
// context and logs one line per completed request.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := base.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), log)))

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
