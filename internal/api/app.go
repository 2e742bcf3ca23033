// Package api serves the warden ops HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentsh/warden/internal/auth"
	"github.com/agentsh/warden/internal/containment"
	"github.com/agentsh/warden/internal/engine"
	"github.com/agentsh/warden/internal/store"
	"github.com/agentsh/warden/pkg/emergency"
	"github.com/agentsh/warden/pkg/types"
)

// Engine is the subset of *engine.Engine the API drives.
type Engine interface {
	Status(ctx context.Context) engine.Status
	SubmitSecurity(ev types.SecurityEvent, source string) error
	Release(target types.ContainmentTarget, by string) error
	Containments() []containment.State
	OpenIncidents() []types.Incident
	RecentFixes(ctx context.Context, limit int) ([]store.FixRecord, error)
	MarkFalsePositive(ctx context.Context, entity, reason string) error
	RemoveFalsePositive(ctx context.Context, entity string) (bool, error)
	FalsePositives(ctx context.Context) ([]store.FalsePositive, error)
	PauseRemediation(ctx context.Context, by, reason string) (emergency.PauseState, error)
	ResumeRemediation(ctx context.Context, by string) (emergency.PauseState, error)
}

// Config selects authentication and optional endpoints.
type Config struct {
	// AuthType is none or api_key.
	AuthType string
	// Metrics is mounted at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
}

type App struct {
	cfg    Config
	engine Engine

	apiKeyAuth *auth.APIKeyAuth
}

func NewApp(cfg Config, eng Engine, apiKeyAuth *auth.APIKeyAuth) *App {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &App{cfg: cfg, engine: eng, apiKeyAuth: apiKeyAuth}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	if a.cfg.Metrics != nil {
		r.Method(http.MethodGet, a.cfg.MetricsPath, a.cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authMiddleware)

		r.Get("/status", a.status)
		r.Post("/events", a.submitEvent)

		r.Get("/incidents", a.listIncidents)
		r.Get("/containment", a.listContainment)
		r.Post("/containment/release", a.releaseContainment)

		r.Get("/fixes", a.recentFixes)
		r.Post("/remediation/pause", a.pauseRemediation)
		r.Post("/remediation/resume", a.resumeRemediation)

		r.Get("/false-positives", a.listFalsePositives)
		r.Post("/false-positives", a.markFalsePositive)
		r.Delete("/false-positives/{entity}", a.removeFalsePositive)
	})

	return r
}

// authMiddleware checks the API key; viewer keys may only read.
func (a *App) authMiddleware(next http.Handler) http.Handler {
	if a.cfg.AuthType == "" || strings.EqualFold(a.cfg.AuthType, "none") {
		return next
	}
	if strings.EqualFold(a.cfg.AuthType, "api_key") {
		if a.apiKeyAuth == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": "api key auth enabled but keys not loaded",
				})
			})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(a.apiKeyAuth.HeaderName())
			if key == "" || !a.apiKeyAuth.IsAllowed(key) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			write := r.Method != http.MethodGet && r.Method != http.MethodHead
			if !a.apiKeyAuth.Authorize(key, write) {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unsupported auth type"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
