/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     logrus request logging (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the floor tablets
  5. User:       X-User-ID header becomes performed_by (default "system")

ROUTE GROUPS:
  /api/receiving/*   Receiving
  /api/lots/*        Lot reads and lifecycle actions
  /api/production/*  Breakdown, rework, mix
  /api/reservations  Reservations
  /api/sales         Sales
  /api/qa/*          QA checks
  /api/recall/*      Recall trace and forward quarantine
  /api/offline/*     Offline queue and conflict review
  /api/lookups       Reference data
  /api/reports/*     Stock and at-risk views
  /api/admin/*       Loss type maintenance
  /api/scenarios/*   Demo data
  /metrics           Prometheus
  /health            Liveness

SECURITY NOTE:
  X-User-ID is trusted as given. Deploy behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// UserHeader carries the acting user's id.
const UserHeader = "X-User-ID"

// DefaultUser is recorded when no user header is sent.
const DefaultUser = "system"

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))
	r.Use(withUser)

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/receiving/lots", h.ReceiveLot)

		r.Route("/lots", func(r chi.Router) {
			r.Get("/", h.ListLots)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetLot)
				r.Get("/quantities", h.GetQuantities)
				r.Get("/movements", h.GetMovements)
				r.Get("/events", h.GetEvents)
				r.Get("/genealogy", h.GetGenealogy)
				r.Get("/qa-checks", h.GetQAChecks)
				r.Get("/reservations", h.GetLotReservations)
				r.Post("/aging/start", h.StartAging)
				r.Post("/aging/release", h.ReleaseLot)
				r.Post("/quarantine", h.QuarantineLot)
				r.Post("/dispose", h.DisposeLot)
				r.Post("/transfer", h.TransferLot)
			})
		})

		r.Route("/production", func(r chi.Router) {
			r.Post("/breakdown", h.Breakdown)
			r.Post("/rework", h.Rework)
			r.Post("/mix", h.Mix)
			r.Get("/{id}", h.GetOrder)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.CreateReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
		})

		r.Post("/sales", h.CreateSale)
		r.Post("/qa/checks", h.SubmitQACheck)

		r.Route("/recall/{id}", func(r chi.Router) {
			r.Get("/", h.TraceRecall)
			r.Post("/quarantine-forward", h.QuarantineForward)
		})

		r.Route("/offline", func(r chi.Router) {
			r.Post("/queue", h.EnqueueOffline)
			r.Get("/queue/{client}", h.ListQueue)
			r.Post("/sync", h.SyncOffline)
			r.Get("/conflicts", h.ListConflicts)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
		})

		r.Get("/lookups", h.Lookups)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/stock", h.StockReport)
			r.Get("/at-risk", h.AtRiskReport)
		})

		r.Route("/admin/loss-types", func(r chi.Router) {
			r.Get("/", h.ListLossTypes)
			r.Post("/", h.CreateLossType)
			r.Patch("/{code}", h.UpdateLossType)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type userKey struct{}

// withUser stores the X-User-ID header in the request context.
func withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			user = DefaultUser
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

// userFrom returns the acting user of r.
func userFrom(r *http.Request) string {
	if u, ok := r.Context().Value(userKey{}).(string); ok {
		return u
	}
	return DefaultUser
}

// requestLogger logs one line per request through log.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := log.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
					"request_id": middleware.GetReqID(r.Context()),
				})
				switch {
				case ww.Status() >= 500:
					entry.Error("request")
				case ww.Status() >= 400:
					entry.Warn("request")
				default:
					entry.Info("request")
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
