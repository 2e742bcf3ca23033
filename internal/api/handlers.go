package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentsh/warden/internal/engine"
	"github.com/agentsh/warden/pkg/emergency"
	"github.com/agentsh/warden/pkg/types"
)

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Status(r.Context()))
}

func (a *App) submitEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.SecurityEvent
	if !decodeJSON(w, r, &ev, "invalid security event") {
		return
	}
	if err := ev.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := a.engine.SubmitSecurity(ev, "api"); err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (a *App) listIncidents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.OpenIncidents())
}

func (a *App) listContainment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Containments())
}

func (a *App) releaseContainment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetType string `json:"target_type"`
		TargetID   string `json:"target_id"`
		By         string `json:"by"`
	}
	if !decodeJSON(w, r, &req, "") {
		return
	}
	target := types.ContainmentTarget{Type: types.TargetType(req.TargetType), ID: req.TargetID}
	if err := target.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	by := strings.TrimSpace(req.By)
	if by == "" {
		by = a.actor(r)
	}
	if err := a.engine.Release(target, by); err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "target": target.String(), "by": by})
}

func (a *App) recentFixes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	fixes, err := a.engine.RecentFixes(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, fixes)
}

func (a *App) pauseRemediation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		By     string `json:"by"`
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req, "") {
		return
	}
	by := strings.TrimSpace(req.By)
	if by == "" {
		by = a.actor(r)
	}
	st, err := a.engine.PauseRemediation(r.Context(), by, req.Reason)
	if errors.Is(err, emergency.ErrAlreadyPaused) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "pause": st})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) resumeRemediation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		By string `json:"by"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req, "") {
		return
	}
	by := strings.TrimSpace(req.By)
	if by == "" {
		by = a.actor(r)
	}
	st, err := a.engine.ResumeRemediation(r.Context(), by)
	if errors.Is(err, emergency.ErrNotPaused) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) listFalsePositives(w http.ResponseWriter, r *http.Request) {
	fps, err := a.engine.FalsePositives(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, fps)
}

func (a *App) markFalsePositive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity string `json:"entity"`
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req, "") {
		return
	}
	if strings.TrimSpace(req.Entity) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "entity is required"})
		return
	}
	if err := a.engine.MarkFalsePositive(r.Context(), req.Entity, req.Reason); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entity": req.Entity})
}

func (a *App) removeFalsePositive(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	removed, err := a.engine.RemoveFalsePositive(r.Context(), entity)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// actor names the caller for audit fields when the request does not.
func (a *App) actor(r *http.Request) string {
	if a.apiKeyAuth != nil {
		if role := a.apiKeyAuth.RoleForKey(r.Header.Get(a.apiKeyAuth.HeaderName())); role != "" {
			return "api:" + role
		}
	}
	return "operator"
}

func writeSubmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrStopped) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
}
