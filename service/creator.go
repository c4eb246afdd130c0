package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rulekeeper/core"
	"rulekeeper/metrics"
	"rulekeeper/storage"

	"go.uber.org/zap"
)

// NewCustomRule is a request to instantiate a template rule
type NewCustomRule struct {
	TemplateKey         core.RuleKey      `json:"template_key"`
	RuleKey             string            `json:"rule_key"`
	Name                string            `json:"name"`
	HTMLDescription     string            `json:"html_description,omitempty"`
	MarkdownDescription string            `json:"markdown_description,omitempty"`
	Severity            string            `json:"severity"`
	Status              core.RuleStatus   `json:"status"`
	Params              map[string]string `json:"params,omitempty"`

	// PreventReactivation fails the creation instead of bringing back a
	// REMOVED rule that uses the same key
	PreventReactivation bool `json:"prevent_reactivation,omitempty"`
}

// NewManualRule is a request to create a rule in the manual repository
type NewManualRule struct {
	RuleKey             string `json:"rule_key"`
	Name                string `json:"name"`
	HTMLDescription     string `json:"html_description,omitempty"`
	MarkdownDescription string `json:"markdown_description,omitempty"`
	Severity            string `json:"severity,omitempty"`
	PreventReactivation bool   `json:"prevent_reactivation,omitempty"`
}

// creation is the outcome of a create call
type creation struct {
	rule        *core.Rule
	reactivated bool
}

// RuleCreator validates and persists user-created rules
type RuleCreator struct {
	store  *storage.RuleStore
	logger *zap.SugaredLogger
}

// NewRuleCreator creates a RuleCreator
func NewRuleCreator(store *storage.RuleStore, logger *zap.SugaredLogger) *RuleCreator {
	if store == nil {
		panic("store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &RuleCreator{store: store, logger: logger}
}

// CreateCustomRule instantiates a template rule under a new key of the
// template's repository. Every validation problem is reported at once in a
// *core.ValidationError before anything is written.
//
// When the key is already used by a REMOVED rule, that rule is reactivated
// with the requested fields unless PreventReactivation is set, in which case
// a *core.ReactivationError is returned.
func (c *RuleCreator) CreateCustomRule(ctx context.Context, req NewCustomRule) (core.RuleKey, error) {
	res, err := c.createCustomRule(ctx, req)
	if err != nil {
		return core.RuleKey{}, err
	}
	return res.rule.Key, nil
}

func (c *RuleCreator) createCustomRule(ctx context.Context, req NewCustomRule) (*creation, error) {
	var res *creation
	err := c.store.InTx(ctx, func(tx *storage.Tx) error {
		template, err := tx.SelectRuleByKey(ctx, req.TemplateKey)
		if err != nil {
			return fmt.Errorf("failed to load template: %w", err)
		}
		if !template.IsTemplate {
			return &core.ValidationError{Messages: []string{fmt.Sprintf("This rule is not a template rule: %s", template.Key)}}
		}
		templateParams, err := tx.SelectParams(ctx, template.ID)
		if err != nil {
			return err
		}

		if err := validateCustomRule(req, templateParams); err != nil {
			return err
		}

		key := core.NewRuleKey(template.Key.Repository, req.RuleKey)
		description, format := describe(req.HTMLDescription, req.MarkdownDescription)

		rule := &core.Rule{
			Key:                        key,
			Name:                       req.Name,
			Description:                description,
			DescriptionFormat:          format,
			Severity:                   req.Severity,
			Status:                     req.Status,
			Language:                   template.Language,
			ConfigKey:                  template.ConfigKey,
			TemplateID:                 core.IDPtr(template.ID),
			DefaultSubCharacteristicID: template.DefaultSubCharacteristicID,
			DefaultRemediation:         template.DefaultRemediation,
			SystemTags:                 template.SystemTags,
			Tags:                       template.Tags,
		}

		existing, err := c.existing(ctx, tx, key, req.PreventReactivation)
		if err != nil {
			return err
		}
		if existing != nil {
			rule.ID = existing.ID
			rule.CreatedAt = existing.CreatedAt
			rule.Status = core.StatusReady
			rule.SubCharacteristicID = existing.SubCharacteristicID
			rule.Remediation = existing.Remediation
			if err := tx.UpdateRule(ctx, rule); err != nil {
				return err
			}
			if err := reactivateParams(ctx, tx, rule, templateParams, req.Params); err != nil {
				return err
			}
			res = &creation{rule: rule, reactivated: true}
			return nil
		}

		if err := tx.InsertRule(ctx, rule); err != nil {
			return translateDuplicate(key, err)
		}
		for _, tp := range templateParams {
			value := tp.DefaultValue
			if v := strings.TrimSpace(req.Params[tp.Name]); v != "" {
				value = v
			}
			if err := tx.InsertParam(ctx, &core.RuleParam{
				RuleID:       rule.ID,
				Name:         tp.Name,
				Type:         tp.Type,
				Description:  tp.Description,
				DefaultValue: value,
			}); err != nil {
				return err
			}
		}
		res = &creation{rule: rule}
		return nil
	})
	c.record("create_custom", err)
	if err != nil {
		return nil, err
	}
	c.logger.Infow("Custom rule created", "rule", res.rule.Key, "template", req.TemplateKey, "reactivated", res.reactivated)
	return res, nil
}

// CreateManualRule creates a rule in the manual repository
func (c *RuleCreator) CreateManualRule(ctx context.Context, req NewManualRule) (core.RuleKey, error) {
	res, err := c.createManualRule(ctx, req)
	if err != nil {
		return core.RuleKey{}, err
	}
	return res.rule.Key, nil
}

func (c *RuleCreator) createManualRule(ctx context.Context, req NewManualRule) (*creation, error) {
	var res *creation
	err := c.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := validateManualRule(req); err != nil {
			return err
		}

		key := core.NewRuleKey(core.ManualRepository, req.RuleKey)
		description, format := describe(req.HTMLDescription, req.MarkdownDescription)
		rule := &core.Rule{
			Key:               key,
			Name:              req.Name,
			Description:       description,
			DescriptionFormat: format,
			Severity:          req.Severity,
			Status:            core.StatusReady,
		}

		existing, err := c.existing(ctx, tx, key, req.PreventReactivation)
		if err != nil {
			return err
		}
		if existing != nil {
			rule.ID = existing.ID
			rule.CreatedAt = existing.CreatedAt
			rule.Tags = existing.Tags
			if err := tx.UpdateRule(ctx, rule); err != nil {
				return err
			}
			res = &creation{rule: rule, reactivated: true}
			return nil
		}

		if err := tx.InsertRule(ctx, rule); err != nil {
			return translateDuplicate(key, err)
		}
		res = &creation{rule: rule}
		return nil
	})
	c.record("create_manual", err)
	if err != nil {
		return nil, err
	}
	c.logger.Infow("Manual rule created", "rule", res.rule.Key, "reactivated", res.reactivated)
	return res, nil
}

// existing returns the REMOVED rule to reactivate under key, or nil when the
// key is free
func (c *RuleCreator) existing(ctx context.Context, tx *storage.Tx, key core.RuleKey, preventReactivation bool) (*core.Rule, error) {
	rule, err := tx.SelectRuleByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrRuleNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !rule.IsRemoved() {
		return nil, &core.AlreadyExistsError{Key: key}
	}
	if preventReactivation {
		return nil, &core.ReactivationError{Key: key}
	}
	return rule, nil
}

func (c *RuleCreator) record(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RuleOperations.WithLabelValues(op, result).Inc()
}

// reactivateParams aligns the params of a reactivated custom rule with its
// template and the requested values
func reactivateParams(ctx context.Context, tx *storage.Tx, rule *core.Rule, templateParams []*core.RuleParam, values map[string]string) error {
	current, err := tx.SelectParams(ctx, rule.ID)
	if err != nil {
		return err
	}
	byName := make(map[string]*core.RuleParam, len(current))
	for _, p := range current {
		byName[p.Name] = p
	}

	for _, tp := range templateParams {
		value := tp.DefaultValue
		if v := strings.TrimSpace(values[tp.Name]); v != "" {
			value = v
		}
		p, ok := byName[tp.Name]
		if !ok {
			if err := tx.InsertParam(ctx, &core.RuleParam{
				RuleID:       rule.ID,
				Name:         tp.Name,
				Type:         tp.Type,
				Description:  tp.Description,
				DefaultValue: value,
			}); err != nil {
				return err
			}
			continue
		}
		delete(byName, tp.Name)
		next := *p
		next.Type = tp.Type
		next.Description = tp.Description
		next.DefaultValue = value
		if next != *p {
			if err := tx.UpdateParam(ctx, &next); err != nil {
				return err
			}
		}
	}
	for _, stale := range byName {
		if err := tx.DeleteActiveRuleParamsByRuleParam(ctx, stale.ID); err != nil {
			return err
		}
		if err := tx.DeleteParam(ctx, stale.ID); err != nil {
			return err
		}
	}
	return nil
}

func validateCustomRule(req NewCustomRule, templateParams []*core.RuleParam) error {
	verr := &core.ValidationError{}
	validateRuleKey(verr, req.RuleKey)
	validateDescriptive(verr, req.Name, req.HTMLDescription, req.MarkdownDescription)
	if req.Severity == "" {
		verr.Add("The severity is missing")
	} else if !core.IsValidSeverity(req.Severity) {
		verr.Add("Severity \"%s\" is invalid", req.Severity)
	}
	if req.Status == "" {
		verr.Add("The status is missing")
	} else if status, err := core.ParseRuleStatus(string(req.Status)); err != nil || status == core.StatusRemoved {
		verr.Add("Status \"%s\" is invalid", req.Status)
	}
	validateParamValues(verr, templateParams, req.Params)
	return verr.OrNil()
}

func validateManualRule(req NewManualRule) error {
	verr := &core.ValidationError{}
	validateRuleKey(verr, req.RuleKey)
	validateDescriptive(verr, req.Name, req.HTMLDescription, req.MarkdownDescription)
	if req.Severity != "" && !core.IsValidSeverity(req.Severity) {
		verr.Add("Severity \"%s\" is invalid", req.Severity)
	}
	return verr.OrNil()
}

func validateRuleKey(verr *core.ValidationError, key string) {
	if !core.IsValidCustomRuleKey(key) {
		verr.Add("The rule key \"%s\" is invalid, it should only contain: a-z, 0-9, \"_\"", key)
	}
}

func validateDescriptive(verr *core.ValidationError, name, html, markdown string) {
	if strings.TrimSpace(name) == "" {
		verr.Add("The name is missing")
	}
	if strings.TrimSpace(html) == "" && strings.TrimSpace(markdown) == "" {
		verr.Add("The description is missing")
	}
}

// validateParamValues type-checks every non-empty value against the declared
// param of the same name
func validateParamValues(verr *core.ValidationError, params []*core.RuleParam, values map[string]string) {
	for _, p := range params {
		value := strings.TrimSpace(values[p.Name])
		if value == "" {
			continue
		}
		pt, err := core.ParseParamType(p.Type)
		if err != nil {
			verr.Add("Parameter '%s' has an invalid type: %v", p.Name, err)
			continue
		}
		if err := pt.Validate(value); err != nil {
			verr.Add("%s", err.Error())
		}
	}
}

// describe picks the description to store. HTML wins over markdown.
func describe(html, markdown string) (string, core.DescriptionFormat) {
	if strings.TrimSpace(html) != "" {
		return html, core.FormatHTML
	}
	return markdown, core.FormatMarkdown
}

// translateDuplicate reports a key taken by a concurrent creation as an
// already-exists error
func translateDuplicate(key core.RuleKey, err error) error {
	if errors.Is(err, storage.ErrDuplicateRule) {
		return &core.AlreadyExistsError{Key: key}
	}
	return err
}
