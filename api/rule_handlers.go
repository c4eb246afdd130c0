package api

import (
	"fmt"
	"net/http"
	"strconv"

	"rulekeeper/core"
	"rulekeeper/service"
	"rulekeeper/storage"

	"github.com/gorilla/mux"
)

const (
	defaultRulesPageSize = 50
	maxRulesPageSize     = 500
)

type createCustomRuleRequest struct {
	TemplateKey         string            `json:"template_key" validate:"required,max=400"`
	RuleKey             string            `json:"rule_key" validate:"required,max=200"`
	Name                string            `json:"name" validate:"max=200"`
	HTMLDescription     string            `json:"html_description"`
	MarkdownDescription string            `json:"markdown_description"`
	Severity            string            `json:"severity"`
	Status              string            `json:"status"`
	Params              map[string]string `json:"params" validate:"max=100"`
	PreventReactivation bool              `json:"prevent_reactivation"`
}

type createManualRuleRequest struct {
	RuleKey             string `json:"rule_key" validate:"required,max=200"`
	Name                string `json:"name" validate:"max=200"`
	HTMLDescription     string `json:"html_description"`
	MarkdownDescription string `json:"markdown_description"`
	Severity            string `json:"severity"`
	PreventReactivation bool   `json:"prevent_reactivation"`
}

// updateRuleRequest is a partial update. Absent fields are left untouched.
type updateRuleRequest struct {
	Tags                  *[]string                 `json:"tags" validate:"omitempty,max=100"`
	MarkdownNote          *string                   `json:"markdown_note"`
	DebtSubCharacteristic *string                   `json:"debt_sub_characteristic" validate:"omitempty,max=200"`
	DebtRemediation       *core.RemediationFunction `json:"debt_remediation"`

	Name                *string `json:"name" validate:"omitempty,max=200"`
	HTMLDescription     *string `json:"html_description"`
	MarkdownDescription *string `json:"markdown_description"`
	Severity            *string `json:"severity"`

	Status *string            `json:"status"`
	Params *map[string]string `json:"params"`
}

type ruleCreatedResponse struct {
	Key  string     `json:"key"`
	Rule *core.Rule `json:"rule"`
}

type ruleUpdatedResponse struct {
	Changed bool       `json:"changed"`
	Rule    *core.Rule `json:"rule"`
}

// listRules handles GET /api/v1/rules
func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := ParsePaginationParams(r, defaultRulesPageSize, maxRulesPageSize)

	q := storage.RuleQuery{
		Repository: query.Get("repository"),
		Language:   query.Get("language"),
		Tag:        query.Get("tag"),
		Text:       query.Get("q"),
		Limit:      params.Limit,
		Offset:     params.CalculateOffset(),
	}
	if s := query.Get("status"); s != "" {
		status, err := core.ParseRuleStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status '%s'", s), err, a.logger)
			return
		}
		q.Status = status
	}
	if t := query.Get("is_template"); t != "" {
		isTemplate, err := strconv.ParseBool(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, "is_template must be true or false", err, a.logger)
			return
		}
		q.IsTemplate = &isTemplate
	}

	res, err := a.rules.Search(r.Context(), q)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, NewPaginationResponse(res.Rules, res.Total, params.Page, res.Limit), http.StatusOK)
}

// listTags handles GET /api/v1/rules/tags
func (a *API) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := a.rules.ListTags(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	a.respondJSON(w, tags, http.StatusOK)
}

// getRule handles GET /api/v1/rules/{key}
func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	key, ok := a.ruleKeyVar(w, r)
	if !ok {
		return
	}
	rule, err := a.rules.GetByKey(r.Context(), key)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondJSON(w, rule, http.StatusOK)
}

// listParams handles GET /api/v1/rules/{key}/params
func (a *API) listParams(w http.ResponseWriter, r *http.Request) {
	key, ok := a.ruleKeyVar(w, r)
	if !ok {
		return
	}
	params, err := a.rules.ListParams(r.Context(), key)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if params == nil {
		params = []*core.RuleParam{}
	}
	a.respondJSON(w, params, http.StatusOK)
}

// createCustomRule handles POST /api/v1/rules/custom
func (a *API) createCustomRule(w http.ResponseWriter, r *http.Request) {
	var req createCustomRuleRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	templateKey, err := core.ParseRuleKey(req.TemplateKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}

	key, err := a.rules.CreateCustomRule(r.Context(), service.NewCustomRule{
		TemplateKey:         templateKey,
		RuleKey:             req.RuleKey,
		Name:                req.Name,
		HTMLDescription:     req.HTMLDescription,
		MarkdownDescription: req.MarkdownDescription,
		Severity:            req.Severity,
		Status:              core.RuleStatus(req.Status),
		Params:              req.Params,
		PreventReactivation: req.PreventReactivation,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondCreated(w, r, key)
}

// createManualRule handles POST /api/v1/rules/manual
func (a *API) createManualRule(w http.ResponseWriter, r *http.Request) {
	var req createManualRuleRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	key, err := a.rules.CreateManualRule(r.Context(), service.NewManualRule{
		RuleKey:             req.RuleKey,
		Name:                req.Name,
		HTMLDescription:     req.HTMLDescription,
		MarkdownDescription: req.MarkdownDescription,
		Severity:            req.Severity,
		PreventReactivation: req.PreventReactivation,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.respondCreated(w, r, key)
}

func (a *API) respondCreated(w http.ResponseWriter, r *http.Request, key core.RuleKey) {
	rule, err := a.rules.GetByKey(r.Context(), key)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/rules/"+key.String())
	a.respondJSON(w, ruleCreatedResponse{Key: key.String(), Rule: rule}, http.StatusCreated)
}

// updateRule handles PUT /api/v1/rules/{key}
func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	key, ok := a.ruleKeyVar(w, r)
	if !ok {
		return
	}
	var req updateRuleRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	rule, err := a.rules.GetByKey(r.Context(), key)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	cs, err := buildChangeset(rule, &req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	changed, err := a.rules.Update(r.Context(), cs)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if changed {
		if rule, err = a.rules.GetByKey(r.Context(), key); err != nil {
			a.writeServiceError(w, err)
			return
		}
	}
	a.respondJSON(w, ruleUpdatedResponse{Changed: changed, Rule: rule}, http.StatusOK)
}

// deleteRule handles DELETE /api/v1/rules/{key}
func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	key, ok := a.ruleKeyVar(w, r)
	if !ok {
		return
	}
	if err := a.rules.Delete(r.Context(), key); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ruleKeyVar(w http.ResponseWriter, r *http.Request) (core.RuleKey, bool) {
	key, err := core.ParseRuleKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return core.RuleKey{}, false
	}
	return key, true
}

// buildChangeset picks the changeset variant matching the stored rule and
// rejects fields that variant does not accept
func buildChangeset(rule *core.Rule, req *updateRuleRequest) (service.Changeset, error) {
	verr := &core.ValidationError{}

	switch rule.Kind() {
	case core.ProviderRule:
		for _, f := range []struct {
			name string
			set  bool
		}{
			{"name", req.Name != nil},
			{"html_description", req.HTMLDescription != nil},
			{"markdown_description", req.MarkdownDescription != nil},
			{"severity", req.Severity != nil},
			{"status", req.Status != nil},
			{"params", req.Params != nil},
		} {
			if f.set {
				verr.Add("Field '%s' cannot be changed on rule %s", f.name, rule.Key)
			}
		}
		if err := verr.OrNil(); err != nil {
			return nil, err
		}
		cs := service.NewProviderRuleUpdate(rule.Key)
		applyCommonFields(cs, req)
		return cs, nil

	case core.CustomRule:
		cs := service.NewCustomRuleUpdate(rule.Key)
		applyCommonFields(cs, req)
		applyDescriptiveFields(cs, req)
		if req.Status != nil {
			cs.SetStatus(core.RuleStatus(*req.Status))
		}
		if req.Params != nil {
			cs.SetParameters(*req.Params)
		}
		return cs, nil

	default:
		if req.Status != nil {
			verr.Add("Field 'status' cannot be changed on rule %s", rule.Key)
		}
		if req.Params != nil {
			verr.Add("Field 'params' cannot be changed on rule %s", rule.Key)
		}
		if err := verr.OrNil(); err != nil {
			return nil, err
		}
		cs := service.NewManualRuleUpdate(rule.Key)
		applyCommonFields(cs, req)
		applyDescriptiveFields(cs, req)
		return cs, nil
	}
}

type commonSetter interface {
	SetTags([]string)
	SetMarkdownNote(string)
	SetDebtSubCharacteristic(string)
	SetDebtRemediationFunction(*core.RemediationFunction)
}

type descriptiveSetter interface {
	SetName(string)
	SetHTMLDescription(string)
	SetMarkdownDescription(string)
	SetSeverity(string)
}

func applyCommonFields(cs commonSetter, req *updateRuleRequest) {
	if req.Tags != nil {
		cs.SetTags(*req.Tags)
	}
	if req.MarkdownNote != nil {
		cs.SetMarkdownNote(*req.MarkdownNote)
	}
	if req.DebtSubCharacteristic != nil {
		cs.SetDebtSubCharacteristic(*req.DebtSubCharacteristic)
	}
	if req.DebtRemediation != nil {
		if req.DebtRemediation.IsZero() {
			// an empty function reverts to the declared default
			cs.SetDebtRemediationFunction(nil)
		} else {
			fn := *req.DebtRemediation
			cs.SetDebtRemediationFunction(&fn)
		}
	}
}

func applyDescriptiveFields(cs descriptiveSetter, req *updateRuleRequest) {
	if req.Name != nil {
		cs.SetName(*req.Name)
	}
	if req.HTMLDescription != nil {
		cs.SetHTMLDescription(*req.HTMLDescription)
	}
	if req.MarkdownDescription != nil {
		cs.SetMarkdownDescription(*req.MarkdownDescription)
	}
	if req.Severity != nil {
		cs.SetSeverity(*req.Severity)
	}
}
