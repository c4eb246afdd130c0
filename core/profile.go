package core

import "time"

// QualityProfile groups activated rules for one language
type QualityProfile struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

// ActiveRule is the activation of a rule inside a quality profile
type ActiveRule struct {
	ID        int64              `json:"id"`
	ProfileID int64              `json:"profile_id"`
	RuleID    int64              `json:"rule_id"`
	RuleKey   RuleKey            `json:"rule_key"`
	Severity  string             `json:"severity"`
	Params    []*ActiveRuleParam `json:"params,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// ActiveRuleParam is the materialized value of a rule parameter in a profile.
// Overridden values were set by the profile owner and are never replaced by
// rule default propagation.
type ActiveRuleParam struct {
	ID           int64  `json:"id"`
	ActiveRuleID int64  `json:"active_rule_id"`
	RuleParamID  int64  `json:"rule_param_id"`
	Key          string `json:"key"`
	Value        string `json:"value"`
	Overridden   bool   `json:"overridden"`
}

// FindParam returns the param with the given key, or nil
func (a *ActiveRule) FindParam(key string) *ActiveRuleParam {
	for _, p := range a.Params {
		if p.Key == key {
			return p
		}
	}
	return nil
}
