package storage

import (
	"context"
	"database/sql"
	"fmt"

	"rulekeeper/core"
)

// SelectParams returns the params declared on a rule, ordered by name
func (t *Tx) SelectParams(ctx context.Context, ruleID int64) ([]*core.RuleParam, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, rule_id, name, param_type, description, default_value
		FROM rule_params WHERE rule_id = ? ORDER BY name`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule params: %w", err)
	}
	defer rows.Close()

	var params []*core.RuleParam
	for rows.Next() {
		var p core.RuleParam
		var description, defaultValue sql.NullString
		if err := rows.Scan(&p.ID, &p.RuleID, &p.Name, &p.Type, &description, &defaultValue); err != nil {
			return nil, fmt.Errorf("failed to scan rule param: %w", err)
		}
		p.Description = description.String
		p.DefaultValue = defaultValue.String
		params = append(params, &p)
	}
	return params, rows.Err()
}

// InsertParam stores a new rule param and sets its id
func (t *Tx) InsertParam(ctx context.Context, param *core.RuleParam) error {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO rule_params (rule_id, name, param_type, description, default_value)
		VALUES (?, ?, ?, ?, ?)`,
		param.RuleID, param.Name, param.Type, nullString(param.Description), nullString(param.DefaultValue))
	if err != nil {
		return fmt.Errorf("failed to insert rule param %s: %w", param.Name, err)
	}
	param.ID, err = res.LastInsertId()
	return err
}

// UpdateParam writes the type, description and default value of a param
func (t *Tx) UpdateParam(ctx context.Context, param *core.RuleParam) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE rule_params SET param_type = ?, description = ?, default_value = ? WHERE id = ?`,
		param.Type, nullString(param.Description), nullString(param.DefaultValue), param.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule param %s: %w", param.Name, err)
	}
	return nil
}

// DeleteParam removes a rule param. Callers delete the dependent active rule
// params first with DeleteActiveRuleParamsByRuleParam.
func (t *Tx) DeleteParam(ctx context.Context, paramID int64) error {
	if _, err := t.q.ExecContext(ctx, "DELETE FROM rule_params WHERE id = ?", paramID); err != nil {
		return fmt.Errorf("failed to delete rule param %d: %w", paramID, err)
	}
	return nil
}

// SelectEnabledCharacteristics indexes the enabled debt characteristics by key
func (t *Tx) SelectEnabledCharacteristics(ctx context.Context) (map[string]*core.Characteristic, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, kee, name, parent_id, enabled, characteristic_order
		FROM characteristics WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query characteristics: %w", err)
	}
	defer rows.Close()

	byKey := make(map[string]*core.Characteristic)
	for rows.Next() {
		c, err := scanCharacteristic(rows)
		if err != nil {
			return nil, err
		}
		byKey[c.Key] = c
	}
	return byKey, rows.Err()
}

// SelectCharacteristicByID returns ErrCharacteristicNotFound when id is unknown
func (t *Tx) SelectCharacteristicByID(ctx context.Context, id int64) (*core.Characteristic, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT id, kee, name, parent_id, enabled, characteristic_order
		FROM characteristics WHERE id = ?`, id)
	c, err := scanCharacteristic(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("characteristic %d: %w", id, ErrCharacteristicNotFound)
	}
	return c, err
}

func scanCharacteristic(row rowScanner) (*core.Characteristic, error) {
	var c core.Characteristic
	var parentID, order sql.NullInt64
	var enabled int
	if err := row.Scan(&c.ID, &c.Key, &c.Name, &parentID, &enabled, &order); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan characteristic: %w", err)
	}
	c.ParentID = nullableID(parentID)
	c.Enabled = enabled == 1
	c.Order = int(order.Int64)
	return &c, nil
}

// InsertCharacteristic stores a characteristic and sets its id
func (t *Tx) InsertCharacteristic(ctx context.Context, c *core.Characteristic) error {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO characteristics (kee, name, parent_id, enabled, characteristic_order)
		VALUES (?, ?, ?, ?, ?)`,
		c.Key, c.Name, nullID(c.ParentID), boolInt(c.Enabled), c.Order)
	if err != nil {
		return fmt.Errorf("failed to insert characteristic %s: %w", c.Key, err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// CharacteristicNode is one entry of a debt model. Children reference their
// parent by key.
type CharacteristicNode struct {
	Key       string
	Name      string
	ParentKey string
	Enabled   bool
	Order     int
}

// SyncCharacteristics upserts the debt model by key and returns the number of
// characteristics written. Nodes may appear in any order. Characteristics
// absent from nodes are disabled. Rows already matching their node are left
// untouched.
func (t *Tx) SyncCharacteristics(ctx context.Context, nodes []CharacteristicNode) (int, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, kee, name, parent_id, enabled, characteristic_order
		FROM characteristics`)
	if err != nil {
		return 0, fmt.Errorf("failed to query characteristics: %w", err)
	}
	existing := make(map[string]*core.Characteristic)
	for rows.Next() {
		c, err := scanCharacteristic(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		existing[c.Key] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	written := 0
	inserted := make(map[string]bool)
	for _, n := range nodes {
		if _, ok := existing[n.Key]; ok {
			continue
		}
		c := &core.Characteristic{Key: n.Key, Name: n.Name, Enabled: n.Enabled, Order: n.Order}
		if err := t.InsertCharacteristic(ctx, c); err != nil {
			return 0, err
		}
		existing[n.Key] = c
		inserted[n.Key] = true
		written++
	}

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[n.Key] = true
		var parentID *int64
		if n.ParentKey != "" {
			parent, ok := existing[n.ParentKey]
			if !ok {
				return 0, fmt.Errorf("characteristic %s references unknown parent %s", n.Key, n.ParentKey)
			}
			parentID = core.IDPtr(parent.ID)
		}

		c := existing[n.Key]
		if c.Name == n.Name && core.EqualIDs(c.ParentID, parentID) && c.Enabled == n.Enabled && c.Order == n.Order {
			continue
		}
		if _, err := t.q.ExecContext(ctx, `
			UPDATE characteristics SET name = ?, parent_id = ?, enabled = ?, characteristic_order = ?
			WHERE id = ?`, n.Name, nullID(parentID), boolInt(n.Enabled), n.Order, c.ID); err != nil {
			return 0, fmt.Errorf("failed to update characteristic %s: %w", n.Key, err)
		}
		c.Name, c.ParentID, c.Enabled, c.Order = n.Name, parentID, n.Enabled, n.Order
		if !inserted[n.Key] {
			written++
		}
	}

	for key, c := range existing {
		if seen[key] || !c.Enabled {
			continue
		}
		if _, err := t.q.ExecContext(ctx, "UPDATE characteristics SET enabled = 0 WHERE id = ?", c.ID); err != nil {
			return 0, fmt.Errorf("failed to disable characteristic %s: %w", key, err)
		}
		c.Enabled = false
		written++
	}
	return written, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
