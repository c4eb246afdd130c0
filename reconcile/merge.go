package reconcile

import (
	"context"
	"errors"

	"rulekeeper/core"
	"rulekeeper/definitions"
	"rulekeeper/metrics"
	"rulekeeper/storage"
)

// registerRule creates or updates the persisted row of one declared rule.
// The next state is computed on a copy and written only when it differs.
func (e *Engine) registerRule(ctx context.Context, tx *storage.Tx, p *pass, repo *definitions.Repository, def *definitions.RuleDefinition) error {
	key := core.NewRuleKey(repo.Key, def.Key)
	if p.declared[key] {
		e.logger.Warnf("Rule %s is declared twice, keeping the first declaration", key)
		return nil
	}
	p.declared[key] = true
	p.report.RulesDeclared++

	existing, found := p.remaining[key]
	if !found {
		rule := &core.Rule{Key: key, Tags: []string{}, SystemTags: []string{}}
		mergeScalars(rule, repo, def)
		if err := e.mergeDebt(p, rule, def); err != nil {
			return err
		}
		core.ApplySystemTags(rule, def.Tags)
		if err := tx.InsertRule(ctx, rule); err != nil {
			return err
		}
		e.rules.Put(rule)
		p.report.RulesCreated++
		return e.mergeParams(ctx, tx, p, rule, def, false)
	}

	delete(p.remaining, key)
	next := existing.Clone()
	mergeScalars(next, repo, def)
	if err := e.mergeDebt(p, next, def); err != nil {
		return err
	}
	core.ApplySystemTags(next, def.Tags)
	if !next.SameDefinition(existing) {
		if err := tx.UpdateRule(ctx, next); err != nil {
			return err
		}
		e.rules.Put(next)
		p.report.RulesUpdated++
	}
	return e.mergeParams(ctx, tx, p, next, def, true)
}

// mergeScalars copies the declared scalar fields
func mergeScalars(rule *core.Rule, repo *definitions.Repository, def *definitions.RuleDefinition) {
	rule.Name = def.Name
	rule.Description, rule.DescriptionFormat = def.Description()
	rule.ConfigKey = def.InternalKey
	rule.Severity = def.EffectiveSeverity()
	rule.IsTemplate = def.Template
	rule.Status = def.EffectiveStatus()
	rule.Language = repo.Language
}

// mergeDebt resolves the declared sub-characteristic into the debt defaults.
// A missing or unknown characteristic clears them.
func (e *Engine) mergeDebt(p *pass, rule *core.Rule, def *definitions.RuleDefinition) error {
	if def.DebtSubCharacteristic == "" {
		rule.DefaultSubCharacteristicID = nil
		rule.DefaultRemediation = core.RemediationFunction{}
		return nil
	}

	characteristic, ok := p.characteristics[def.DebtSubCharacteristic]
	if !ok {
		e.logger.Warnf("Characteristic '%s' has not been found on rule '%s'", def.DebtSubCharacteristic, rule.Key)
		metrics.DebtAttachmentsSkipped.Inc()
		p.report.DebtAttachmentsSkipped++
		rule.DefaultSubCharacteristicID = nil
		rule.DefaultRemediation = core.RemediationFunction{}
		return nil
	}
	if characteristic.IsRoot() {
		return &RootCharacteristicError{Rule: rule.Key, Characteristic: characteristic.Key}
	}

	rule.DefaultSubCharacteristicID = core.IDPtr(characteristic.ID)
	rule.DefaultRemediation = core.RemediationFunction{}
	if def.DebtRemediation != nil {
		rule.DefaultRemediation = *def.DebtRemediation
	}
	return nil
}

// mergeParams deletes the params no longer declared, updates the changed
// ones and inserts the new ones. A new param with a default value is pushed
// to every activation of the rule so its behavior does not silently change.
func (e *Engine) mergeParams(ctx context.Context, tx *storage.Tx, p *pass, rule *core.Rule, def *definitions.RuleDefinition, persisted bool) error {
	var existing []*core.RuleParam
	if persisted {
		var err error
		if existing, err = tx.SelectParams(ctx, rule.ID); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(existing))
	for _, param := range existing {
		declared := def.Param(param.Name)
		if declared == nil {
			if err := tx.DeleteActiveRuleParamsByRuleParam(ctx, param.ID); err != nil {
				return err
			}
			if err := tx.DeleteParam(ctx, param.ID); err != nil {
				return err
			}
			p.report.ParamsDeleted++
			continue
		}
		seen[param.Name] = true

		next := *param
		next.Type = normalizeParamType(declared.Type)
		next.Description = declared.Description
		next.DefaultValue = declared.DefaultValue
		if next != *param {
			if err := tx.UpdateParam(ctx, &next); err != nil {
				return err
			}
			p.report.ParamsUpdated++
		}
	}

	var activations []*core.ActiveRule
	loaded := !persisted
	for _, declared := range def.Params {
		if seen[declared.Name] {
			continue
		}
		param := &core.RuleParam{
			RuleID:       rule.ID,
			Name:         declared.Name,
			Type:         normalizeParamType(declared.Type),
			Description:  declared.Description,
			DefaultValue: declared.DefaultValue,
		}
		if err := tx.InsertParam(ctx, param); err != nil {
			return err
		}
		p.report.ParamsCreated++

		if param.DefaultValue == "" {
			continue
		}
		if !loaded {
			var err error
			if activations, err = tx.SelectActiveRules(ctx, rule.ID); err != nil {
				return err
			}
			loaded = true
		}
		for _, active := range activations {
			if err := tx.InsertActiveRuleParam(ctx, &core.ActiveRuleParam{
				ActiveRuleID: active.ID,
				RuleParamID:  param.ID,
				Key:          param.Name,
				Value:        param.DefaultValue,
			}); err != nil {
				return err
			}
			p.report.ActiveRuleParamsPropagated++
		}
	}
	return nil
}

// normalizeParamType renders the canonical text of a declared type so
// re-declaring the same type never counts as a change
func normalizeParamType(declared string) string {
	pt, err := core.ParseParamType(declared)
	if err != nil {
		return declared
	}
	return pt.String()
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrRuleNotFound)
}
