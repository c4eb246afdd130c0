package api

import (
	"context"
	"errors"
	"net/http"

	"rulekeeper/core"
	"rulekeeper/reconcile"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// healthCheck handles GET /health
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), core.DBHealthTimeout)
		defer cancel()
		if err := a.health.HealthCheck(ctx); err != nil {
			a.logger.Warnw("Health check failed", "error", err)
			a.respondJSON(w, healthResponse{Status: "unhealthy", Error: "database unreachable"}, http.StatusServiceUnavailable)
			return
		}
	}
	a.respondJSON(w, healthResponse{Status: "healthy"}, http.StatusOK)
}

// runReconcile handles POST /api/v1/reconcile. Concurrent calls are
// rejected instead of queued.
func (a *API) runReconcile(w http.ResponseWriter, r *http.Request) {
	if err := a.gate.CheckCanAdministerRuleCatalog(r.Context()); err != nil {
		a.writeServiceError(w, err)
		return
	}
	if a.reconciler == nil {
		writeError(w, http.StatusNotImplemented, "Reconciliation is not configured", nil, a.logger)
		return
	}
	if !a.reconcileMu.TryLock() {
		writeError(w, http.StatusConflict, "Reconciliation already in progress", nil, a.logger)
		return
	}
	defer a.reconcileMu.Unlock()

	report, err := a.reconciler.Run(r.Context())
	if err != nil {
		var rootErr *reconcile.RootCharacteristicError
		if errors.As(err, &rootErr) {
			writeError(w, http.StatusUnprocessableEntity, rootErr.Error(), err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Reconciliation failed", err, a.logger)
		return
	}
	a.respondJSON(w, report, http.StatusOK)
}
