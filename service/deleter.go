package service

import (
	"context"
	"fmt"

	"rulekeeper/core"
	"rulekeeper/metrics"
	"rulekeeper/storage"

	"go.uber.org/zap"
)

// RuleDeleter soft-deletes user-created rules
type RuleDeleter struct {
	store  *storage.RuleStore
	logger *zap.SugaredLogger
}

// NewRuleDeleter creates a RuleDeleter
func NewRuleDeleter(store *storage.RuleStore, logger *zap.SugaredLogger) *RuleDeleter {
	if store == nil {
		panic("store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &RuleDeleter{store: store, logger: logger}
}

// Delete deactivates a custom or manual rule from every profile and marks it
// REMOVED. Provider rules are owned by their repository and cannot be deleted.
// Deleting a rule that is already REMOVED does nothing.
func (d *RuleDeleter) Delete(ctx context.Context, key core.RuleKey) error {
	_, err := d.delete(ctx, key)
	return err
}

// delete reports whether the rule transitioned to REMOVED
func (d *RuleDeleter) delete(ctx context.Context, key core.RuleKey) (bool, error) {
	removed := false
	var deactivated int64
	err := d.store.InTx(ctx, func(tx *storage.Tx) error {
		rule, err := tx.SelectRuleByKey(ctx, key)
		if err != nil {
			return err
		}
		if kind := rule.Kind(); kind != core.CustomRule && kind != core.ManualRule {
			return fmt.Errorf("%w: only custom and manual rules can be deleted, %s is a %s rule", core.ErrRuleKindMismatch, key, kind)
		}
		if rule.IsRemoved() {
			return nil
		}

		if deactivated, err = tx.DeleteActiveRulesByRule(ctx, rule.ID); err != nil {
			return err
		}
		next := rule.Clone()
		next.Status = core.StatusRemoved
		if err := tx.UpdateRule(ctx, next); err != nil {
			return err
		}
		removed = true
		return nil
	})

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RuleOperations.WithLabelValues("delete", result).Inc()
	if err != nil {
		return false, err
	}
	if removed {
		metrics.ActiveRulesDeactivated.Add(float64(deactivated))
		d.logger.Infow("Rule deleted", "rule", key, "deactivated", deactivated)
	}
	return removed, nil
}
