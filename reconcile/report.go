package reconcile

import (
	"errors"
	"fmt"
	"time"

	"rulekeeper/core"
)

// ErrRootCharacteristic is matched by RootCharacteristicError
var ErrRootCharacteristic = errors.New("rule linked on a root characteristic")

// RootCharacteristicError aborts a reconciliation pass: a declared rule
// attaches its debt to a root of the debt model instead of a sub-characteristic
type RootCharacteristicError struct {
	Rule           core.RuleKey
	Characteristic string
}

func (e *RootCharacteristicError) Error() string {
	return fmt.Sprintf("Rule '%s' cannot be linked on the root characteristic '%s'", e.Rule, e.Characteristic)
}

// Is makes errors.Is(err, ErrRootCharacteristic) match
func (e *RootCharacteristicError) Is(target error) bool {
	return target == ErrRootCharacteristic
}

// Report counts what a reconciliation pass wrote
type Report struct {
	Repositories    int `json:"repositories"`
	RulesDeclared   int `json:"rules_declared"`
	RulesCreated    int `json:"rules_created"`
	RulesUpdated    int `json:"rules_updated"`
	RulesRemoved    int `json:"rules_removed"`
	CustomRulesSync int `json:"custom_rules_updated"`

	ParamsCreated int `json:"params_created"`
	ParamsUpdated int `json:"params_updated"`
	ParamsDeleted int `json:"params_deleted"`

	ActiveRuleParamsPropagated int   `json:"active_rule_params_propagated"`
	ActiveRulesDeactivated     int64 `json:"active_rules_deactivated"`

	CharacteristicsSynced  int `json:"characteristics_synced"`
	DebtAttachmentsSkipped int `json:"debt_attachments_skipped"`

	Duration time.Duration `json:"duration"`
}

// Writes returns the number of rows written. Zero means the catalog already
// matched the declarations.
func (r *Report) Writes() int {
	return r.RulesCreated + r.RulesUpdated + r.RulesRemoved + r.CustomRulesSync +
		r.ParamsCreated + r.ParamsUpdated + r.ParamsDeleted +
		r.ActiveRuleParamsPropagated + int(r.ActiveRulesDeactivated) +
		r.CharacteristicsSynced
}
