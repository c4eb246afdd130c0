package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rulekeeper/core"
	"rulekeeper/metrics"
	"rulekeeper/storage"

	"go.uber.org/zap"
)

// RuleUpdater applies changesets to persisted rules
type RuleUpdater struct {
	store  *storage.RuleStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRuleUpdater creates a RuleUpdater
func NewRuleUpdater(store *storage.RuleStore, logger *zap.SugaredLogger) *RuleUpdater {
	if store == nil {
		panic("store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &RuleUpdater{store: store, logger: logger, now: time.Now}
}

// Update applies cs in one transaction and reports whether anything was
// written. An empty changeset returns false without touching the store.
//
// ERRORS:
//   - storage.ErrRuleNotFound: no rule with the changeset key
//   - *core.RemovedRuleError: the rule is REMOVED
//   - core.ErrRuleKindMismatch: the changeset type does not match the rule
//   - *core.ValidationError: every invalid field of the changeset
func (u *RuleUpdater) Update(ctx context.Context, cs Changeset) (bool, error) {
	if cs == nil || cs.IsEmpty() {
		return false, nil
	}

	changed := false
	err := u.store.InTx(ctx, func(tx *storage.Tx) error {
		rule, err := tx.SelectRuleByKey(ctx, cs.RuleKey())
		if err != nil {
			return err
		}
		if rule.IsRemoved() {
			return &core.RemovedRuleError{Key: rule.Key}
		}
		if rule.Kind() != cs.target() {
			return fmt.Errorf("%w: %s is a %s rule, got a %s changeset", core.ErrRuleKindMismatch, rule.Key, rule.Kind(), cs.target())
		}

		next := rule.Clone()
		verr := &core.ValidationError{}
		if err := u.applyCommon(ctx, tx, cs.common(), next, actor(ctx), verr); err != nil {
			return err
		}

		var params []*core.RuleParam
		var custom *CustomRuleUpdate
		switch v := cs.(type) {
		case *CustomRuleUpdate:
			applyDescriptive(&v.descriptiveUpdate, next, true, verr)
			if v.statusSet {
				applyStatus(v.status, next, verr)
			}
			if v.paramsSet {
				custom = v
				if params, err = tx.SelectParams(ctx, rule.ID); err != nil {
					return err
				}
				validateParamValues(verr, params, v.params)
			}
		case *ManualRuleUpdate:
			applyDescriptive(&v.descriptiveUpdate, next, false, verr)
		}
		if err := verr.OrNil(); err != nil {
			return err
		}

		if !next.SameDefinition(rule) {
			if err := tx.UpdateRule(ctx, next); err != nil {
				return err
			}
			changed = true
		}
		if custom != nil {
			wrote, err := u.updateParams(ctx, tx, rule, params, custom.params)
			if err != nil {
				return err
			}
			changed = changed || wrote
		}
		return nil
	})

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RuleOperations.WithLabelValues("update", result).Inc()
	if err != nil {
		return false, err
	}
	if changed {
		u.logger.Infow("Rule updated", "rule", cs.RuleKey())
	}
	return changed, nil
}

// applyCommon applies tags, note and debt to next
func (u *RuleUpdater) applyCommon(ctx context.Context, tx *storage.Tx, c *commonUpdate, next *core.Rule, login string, verr *core.ValidationError) error {
	if c.tagsSet {
		if _, err := core.ApplyTags(next, c.tags); err != nil {
			var tagErr *core.ValidationError
			if !errors.As(err, &tagErr) {
				return err
			}
			verr.Messages = append(verr.Messages, tagErr.Messages...)
		}
	}

	if c.noteSet {
		u.applyNote(next, c.note, login)
	}

	if c.subCharacteristicSet || c.remediationSet {
		return applyDebt(ctx, tx, c, next, verr)
	}
	return nil
}

func (u *RuleUpdater) applyNote(next *core.Rule, note, login string) {
	if strings.TrimSpace(note) == "" {
		next.NoteData = ""
		next.NoteUserLogin = ""
		next.NoteCreatedAt = nil
		next.NoteUpdatedAt = nil
		return
	}
	if note == next.NoteData && login == next.NoteUserLogin {
		return
	}
	now := u.now().UTC()
	next.NoteData = note
	next.NoteUserLogin = login
	if next.NoteCreatedAt == nil {
		next.NoteCreatedAt = &now
	}
	next.NoteUpdatedAt = &now
}

// applyDebt resolves the requested (characteristic, function) pair and stores
// it whole as the override. A pair identical to the defaults clears the
// override. A missing function means the default one.
func applyDebt(ctx context.Context, tx *storage.Tx, c *commonUpdate, next *core.Rule, verr *core.ValidationError) error {
	if c.subCharacteristicSet {
		switch c.subCharacteristic {
		case "":
			next.SubCharacteristicID = nil
			if next.DefaultSubCharacteristicID != nil {
				next.SubCharacteristicID = core.IDPtr(core.DisabledCharacteristicID)
			}
			next.Remediation = core.RemediationFunction{}
			return nil
		case core.DefaultDebtCharacteristic:
			next.ClearDebtOverride()
			return nil
		}
	} else if next.SubCharacteristicID != nil && *next.SubCharacteristicID == core.DisabledCharacteristicID {
		next.Remediation = core.RemediationFunction{}
		return nil
	}

	characteristicID := next.DefaultSubCharacteristicID
	if next.SubCharacteristicID != nil {
		characteristicID = next.SubCharacteristicID
	}
	if c.subCharacteristicSet {
		id, err := resolveSubCharacteristic(ctx, tx, next.Key, c.subCharacteristic, verr)
		if err != nil {
			return err
		}
		characteristicID = id
	}

	fn := next.DefaultRemediation
	if c.remediationSet {
		if c.remediation != nil && !c.remediation.IsZero() {
			if err := c.remediation.Validate(); err != nil {
				verr.Add("Invalid remediation function: %v", err)
			} else {
				fn = *c.remediation
			}
		}
	} else if next.HasOverriddenDebt() {
		fn = next.Remediation
	}

	if len(verr.Messages) > 0 {
		return nil
	}
	if core.EqualIDs(characteristicID, next.DefaultSubCharacteristicID) && fn == next.DefaultRemediation {
		next.ClearDebtOverride()
		return nil
	}
	next.SubCharacteristicID = characteristicID
	next.Remediation = fn
	return nil
}

// resolveSubCharacteristic returns the id of an enabled non-root
// characteristic, or records why key cannot be used
func resolveSubCharacteristic(ctx context.Context, tx *storage.Tx, rule core.RuleKey, key string, verr *core.ValidationError) (*int64, error) {
	characteristics, err := tx.SelectEnabledCharacteristics(ctx)
	if err != nil {
		return nil, err
	}
	characteristic, ok := characteristics[key]
	if !ok {
		verr.Add("Characteristic '%s' has not been found", key)
		return nil, nil
	}
	if characteristic.IsRoot() {
		verr.Add("Rule '%s' cannot be linked on the root characteristic '%s'", rule, key)
		return nil, nil
	}
	return core.IDPtr(characteristic.ID), nil
}

// applyDescriptive applies name, description and severity
func applyDescriptive(d *descriptiveUpdate, next *core.Rule, severityRequired bool, verr *core.ValidationError) {
	if d.nameSet {
		if strings.TrimSpace(d.name) == "" {
			verr.Add("The name is missing")
		} else {
			next.Name = d.name
		}
	}
	if d.descriptionSet {
		if strings.TrimSpace(d.description) == "" {
			verr.Add("The description is missing")
		} else {
			next.Description = d.description
			next.DescriptionFormat = d.descriptionFormat
		}
	}
	if d.severitySet {
		switch {
		case d.severity == "" && severityRequired:
			verr.Add("The severity is missing")
		case d.severity != "" && !core.IsValidSeverity(d.severity):
			verr.Add("Severity \"%s\" is invalid", d.severity)
		default:
			next.Severity = d.severity
		}
	}
}

func applyStatus(status core.RuleStatus, next *core.Rule, verr *core.ValidationError) {
	if status == "" {
		verr.Add("The status is missing")
		return
	}
	parsed, err := core.ParseRuleStatus(string(status))
	if err != nil || parsed == core.StatusRemoved {
		verr.Add("Status \"%s\" is invalid", status)
		return
	}
	next.Status = parsed
}

// updateParams sets the new param defaults and pushes them to the
// activations of the rule. Values set explicitly in a profile are kept.
func (u *RuleUpdater) updateParams(ctx context.Context, tx *storage.Tx, rule *core.Rule, params []*core.RuleParam, values map[string]string) (bool, error) {
	activations, err := tx.SelectActiveRules(ctx, rule.ID)
	if err != nil {
		return false, err
	}

	wrote := false
	for _, param := range params {
		value := strings.TrimSpace(values[param.Name])
		if param.DefaultValue != value {
			next := *param
			next.DefaultValue = value
			if err := tx.UpdateParam(ctx, &next); err != nil {
				return false, err
			}
			wrote = true
		}

		for _, active := range activations {
			current := active.FindParam(param.Name)
			switch {
			case current != nil && current.Overridden:
				continue
			case value == "" && current != nil:
				if err := tx.DeleteActiveRuleParam(ctx, current.ID); err != nil {
					return false, err
				}
				wrote = true
			case value != "" && current == nil:
				if err := tx.InsertActiveRuleParam(ctx, &core.ActiveRuleParam{
					ActiveRuleID: active.ID,
					RuleParamID:  param.ID,
					Key:          param.Name,
					Value:        value,
				}); err != nil {
					return false, err
				}
				wrote = true
			case value != "" && current.Value != value:
				current.Value = value
				if err := tx.UpdateActiveRuleParam(ctx, current); err != nil {
					return false, err
				}
				wrote = true
			}
		}
	}
	return wrote, nil
}
