package storage

import (
	"context"
	"database/sql"
	"fmt"

	"rulekeeper/core"
)

// InsertProfile stores a quality profile and sets its id
func (t *Tx) InsertProfile(ctx context.Context, p *core.QualityProfile) error {
	p.CreatedAt = t.now()
	res, err := t.q.ExecContext(ctx,
		"INSERT INTO quality_profiles (name, language, created_at) VALUES (?, ?, ?)",
		p.Name, p.Language, formatTime(p.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s/%s: %w", p.Language, p.Name, ErrDuplicateProfile)
		}
		return fmt.Errorf("failed to insert quality profile: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// SelectProfile returns ErrProfileNotFound when id is unknown
func (t *Tx) SelectProfile(ctx context.Context, id int64) (*core.QualityProfile, error) {
	var p core.QualityProfile
	var createdAt string
	err := t.q.QueryRowContext(ctx,
		"SELECT id, name, language, created_at FROM quality_profiles WHERE id = ?", id).
		Scan(&p.ID, &p.Name, &p.Language, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %d: %w", id, ErrProfileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quality profile: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

const activeRuleColumns = `
	ar.id, ar.profile_id, ar.rule_id, r.repository, r.rule_key, ar.severity, ar.created_at`

func (t *Tx) queryActiveRules(ctx context.Context, where string, args ...interface{}) ([]*core.ActiveRule, error) {
	rows, err := t.q.QueryContext(ctx, "SELECT "+activeRuleColumns+`
		FROM active_rules ar JOIN rules r ON r.id = ar.rule_id
		WHERE `+where+" ORDER BY ar.id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active rules: %w", err)
	}

	var active []*core.ActiveRule
	for rows.Next() {
		var a core.ActiveRule
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ProfileID, &a.RuleID, &a.RuleKey.Repository, &a.RuleKey.Rule, &a.Severity, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan active rule: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		active = append(active, &a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// params are loaded after the cursor is closed, the write pool holds one connection
	for _, a := range active {
		if a.Params, err = t.SelectActiveRuleParams(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return active, nil
}

// SelectActiveRules returns every activation of a rule, params included
func (t *Tx) SelectActiveRules(ctx context.Context, ruleID int64) ([]*core.ActiveRule, error) {
	return t.queryActiveRules(ctx, "ar.rule_id = ?", ruleID)
}

// SelectActiveRulesByProfile returns the activations of a profile, params included
func (t *Tx) SelectActiveRulesByProfile(ctx context.Context, profileID int64) ([]*core.ActiveRule, error) {
	return t.queryActiveRules(ctx, "ar.profile_id = ?", profileID)
}

// SelectActiveRule returns ErrActiveRuleNotFound when the rule is not active in the profile
func (t *Tx) SelectActiveRule(ctx context.Context, profileID, ruleID int64) (*core.ActiveRule, error) {
	active, err := t.queryActiveRules(ctx, "ar.profile_id = ? AND ar.rule_id = ?", profileID, ruleID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("rule %d in profile %d: %w", ruleID, profileID, ErrActiveRuleNotFound)
	}
	return active[0], nil
}

// InsertActiveRule stores an activation and its params
func (t *Tx) InsertActiveRule(ctx context.Context, a *core.ActiveRule) error {
	a.CreatedAt = t.now()
	res, err := t.q.ExecContext(ctx,
		"INSERT INTO active_rules (profile_id, rule_id, severity, created_at) VALUES (?, ?, ?, ?)",
		a.ProfileID, a.RuleID, a.Severity, formatTime(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s in profile %d: %w", a.RuleKey, a.ProfileID, ErrDuplicateActiveRule)
		}
		return fmt.Errorf("failed to insert active rule: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for _, p := range a.Params {
		p.ActiveRuleID = a.ID
		if err := t.InsertActiveRuleParam(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// DeleteActiveRule removes one activation and its params
func (t *Tx) DeleteActiveRule(ctx context.Context, id int64) error {
	if _, err := t.q.ExecContext(ctx, "DELETE FROM active_rule_params WHERE active_rule_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete params of active rule %d: %w", id, err)
	}
	res, err := t.q.ExecContext(ctx, "DELETE FROM active_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete active rule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("active rule %d: %w", id, ErrActiveRuleNotFound)
	}
	return nil
}

// DeleteActiveRulesByRule deactivates a rule from every profile and returns
// the number of activations removed
func (t *Tx) DeleteActiveRulesByRule(ctx context.Context, ruleID int64) (int64, error) {
	if _, err := t.q.ExecContext(ctx, `
		DELETE FROM active_rule_params
		WHERE active_rule_id IN (SELECT id FROM active_rules WHERE rule_id = ?)`, ruleID); err != nil {
		return 0, fmt.Errorf("failed to delete active rule params of rule %d: %w", ruleID, err)
	}
	res, err := t.q.ExecContext(ctx, "DELETE FROM active_rules WHERE rule_id = ?", ruleID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete active rules of rule %d: %w", ruleID, err)
	}
	return res.RowsAffected()
}

// SelectActiveRuleParams returns the params of an activation, ordered by key
func (t *Tx) SelectActiveRuleParams(ctx context.Context, activeRuleID int64) ([]*core.ActiveRuleParam, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, active_rule_id, rule_param_id, param_key, value, overridden
		FROM active_rule_params WHERE active_rule_id = ? ORDER BY param_key`, activeRuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active rule params: %w", err)
	}
	defer rows.Close()

	var params []*core.ActiveRuleParam
	for rows.Next() {
		var p core.ActiveRuleParam
		var value sql.NullString
		var overridden int
		if err := rows.Scan(&p.ID, &p.ActiveRuleID, &p.RuleParamID, &p.Key, &value, &overridden); err != nil {
			return nil, fmt.Errorf("failed to scan active rule param: %w", err)
		}
		p.Value = value.String
		p.Overridden = overridden == 1
		params = append(params, &p)
	}
	return params, rows.Err()
}

// InsertActiveRuleParam stores an active rule param and sets its id
func (t *Tx) InsertActiveRuleParam(ctx context.Context, p *core.ActiveRuleParam) error {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO active_rule_params (active_rule_id, rule_param_id, param_key, value, overridden)
		VALUES (?, ?, ?, ?, ?)`,
		p.ActiveRuleID, p.RuleParamID, p.Key, nullString(p.Value), boolInt(p.Overridden))
	if err != nil {
		return fmt.Errorf("failed to insert active rule param %s: %w", p.Key, err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// UpdateActiveRuleParam writes the value and overridden flag of a param
func (t *Tx) UpdateActiveRuleParam(ctx context.Context, p *core.ActiveRuleParam) error {
	_, err := t.q.ExecContext(ctx,
		"UPDATE active_rule_params SET value = ?, overridden = ? WHERE id = ?",
		nullString(p.Value), boolInt(p.Overridden), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update active rule param %s: %w", p.Key, err)
	}
	return nil
}

// DeleteActiveRuleParam removes one active rule param
func (t *Tx) DeleteActiveRuleParam(ctx context.Context, id int64) error {
	if _, err := t.q.ExecContext(ctx, "DELETE FROM active_rule_params WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete active rule param %d: %w", id, err)
	}
	return nil
}

// DeleteActiveRuleParamsByRuleParam removes the materialized values of a rule
// param from every activation
func (t *Tx) DeleteActiveRuleParamsByRuleParam(ctx context.Context, ruleParamID int64) error {
	if _, err := t.q.ExecContext(ctx, "DELETE FROM active_rule_params WHERE rule_param_id = ?", ruleParamID); err != nil {
		return fmt.Errorf("failed to delete active rule params of param %d: %w", ruleParamID, err)
	}
	return nil
}
