package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/refinehq/refinery/internal/api/handlers"
	mw "github.com/refinehq/refinery/internal/api/middleware"
	"github.com/refinehq/refinery/internal/config"
	"github.com/refinehq/refinery/internal/service"
	"github.com/refinehq/refinery/internal/store"
	"go.uber.org/zap"
)

// App holds the router and background services for lifecycle management.
type App struct {
	Router   *chi.Mux
	Sessions *service.SessionService
	Gateway  *service.Gateway
	Reaper   *service.ReaperService

	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(db *pgxpool.Pool, logger *zap.Logger) *App {
	stores := store.New(db)

	sessionSvc := service.NewSessionService(stores, logger)
	sessionSvc.SetDefaultThreshold(config.RefineThreshold())
	gateway := service.NewGateway(stores, sessionSvc, logger)

	reaper := service.NewReaperService(sessionSvc, logger)
	reaper.SetInterval(config.ReaperInterval())
	reaper.SetIdleTimeout(config.SessionIdleTimeout())

	sessionHandler := handlers.NewSessionHandler(sessionSvc)
	toolHandler := handlers.NewToolHandler(gateway)
	recordHandler := handlers.NewRecordHandler(stores)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		Sessions:  sessionSvc,
		Gateway:   gateway,
		Reaper:    reaper,
		startTime: time.Now(),
	}

	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	// Health (no auth)
	r.Get("/health", healthHandler(db))

	// Metrics (no auth)
	r.Get("/metrics", app.metricsHandler())

	// Authenticated routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(config.APIKey()))

		// Sessions: scheduler opens, loop calls tools, admin inspects.
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.Open)
			r.Post("/reap", sessionHandler.Reap)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Get("/ledger", sessionHandler.Ledger)
				r.Post("/rollback", sessionHandler.Rollback)
				r.Post("/tools/{tool}", toolHandler.Call)
			})
		})

		// Records: read-only inspection surface.
		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Get("/records", recordHandler.List)
			r.Get("/records/{recordID}", recordHandler.Get)
			r.Get("/mass", recordHandler.Mass)
		})
	})

	return app
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb": float64(memStats.Alloc) / 1024 / 1024,
				"sys_mb":   float64(memStats.Sys) / 1024 / 1024,
				"num_gc":   memStats.NumGC,
			},
		}

		writeJSON(w, http.StatusOK, response)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
