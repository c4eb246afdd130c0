package api

import (
	"net/http"
	"strconv"

	"rulekeeper/core"

	"github.com/gorilla/mux"
)

type createProfileRequest struct {
	Name     string `json:"name" validate:"max=100"`
	Language string `json:"language" validate:"max=20"`
}

type activateRuleRequest struct {
	RuleKey  string            `json:"rule_key" validate:"required,max=400"`
	Severity string            `json:"severity"`
	Params   map[string]string `json:"params" validate:"max=100"`
}

// createProfile handles POST /api/v1/profiles
func (a *API) createProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	profile, err := a.profiles.CreateProfile(r.Context(), req.Name, req.Language)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, profile, http.StatusCreated)
}

// listActiveRules handles GET /api/v1/profiles/{id}/active-rules
func (a *API) listActiveRules(w http.ResponseWriter, r *http.Request) {
	profileID, ok := a.profileIDVar(w, r)
	if !ok {
		return
	}
	active, err := a.profiles.ListActiveRules(r.Context(), profileID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if active == nil {
		active = []*core.ActiveRule{}
	}
	a.respondJSON(w, active, http.StatusOK)
}

// activateRule handles POST /api/v1/profiles/{id}/active-rules
func (a *API) activateRule(w http.ResponseWriter, r *http.Request) {
	profileID, ok := a.profileIDVar(w, r)
	if !ok {
		return
	}
	var req activateRuleRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	key, err := core.ParseRuleKey(req.RuleKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}

	active, err := a.profiles.Activate(r.Context(), profileID, key, req.Severity, req.Params)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, active, http.StatusCreated)
}

// deactivateRule handles DELETE /api/v1/profiles/{id}/active-rules/{key}
func (a *API) deactivateRule(w http.ResponseWriter, r *http.Request) {
	profileID, ok := a.profileIDVar(w, r)
	if !ok {
		return
	}
	key, ok := a.ruleKeyVar(w, r)
	if !ok {
		return
	}
	if err := a.profiles.Deactivate(r.Context(), profileID, key); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) profileIDVar(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid profile id", err, a.logger)
		return 0, false
	}
	return id, true
}
