package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rulekeeper/core"

	"go.uber.org/zap"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// RuleStore is the gateway to the persisted rule catalog
type RuleStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRuleStore creates a rule store over an opened SQLite database
func NewRuleStore(sqlite *SQLite, logger *zap.SugaredLogger) *RuleStore {
	return &RuleStore{
		sqlite: sqlite,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Tx exposes the catalog operations bound to one transaction, or to the read
// pool when obtained through RuleStore.Read
type Tx struct {
	q   querier
	now func() time.Time
}

// InTx runs fn in a single write transaction. All writes made through the
// Tx are committed together, or rolled back when fn returns an error.
func (s *RuleStore) InTx(ctx context.Context, fn func(*Tx) error) error {
	return s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(&Tx{q: tx, now: s.now})
	})
}

// Read runs fn against the read pool. Writes through the Tx fail.
func (s *RuleStore) Read(ctx context.Context, fn func(*Tx) error) error {
	return fn(&Tx{q: s.sqlite.ReadDB, now: s.now})
}

const ruleColumns = `
	id, repository, rule_key, name, description, description_format, status, severity,
	language, config_key, is_template, template_id,
	default_characteristic_id, default_remediation_type, default_remediation_coeff, default_remediation_offset,
	characteristic_id, remediation_type, remediation_coeff, remediation_offset,
	system_tags, tags, note_data, note_user_login, note_created_at, note_updated_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*core.Rule, error) {
	var rule core.Rule
	var name, description, format, severity, language, configKey sql.NullString
	var templateID, defaultCharID, charID sql.NullInt64
	var defType, defCoeff, defOffset, remType, remCoeff, remOffset sql.NullString
	var systemTagsJSON, tagsJSON string
	var noteData, noteLogin, noteCreated, noteUpdated sql.NullString
	var status, createdAt, updatedAt string
	var isTemplate int

	err := row.Scan(
		&rule.ID, &rule.Key.Repository, &rule.Key.Rule, &name, &description, &format, &status, &severity,
		&language, &configKey, &isTemplate, &templateID,
		&defaultCharID, &defType, &defCoeff, &defOffset,
		&charID, &remType, &remCoeff, &remOffset,
		&systemTagsJSON, &tagsJSON, &noteData, &noteLogin, &noteCreated, &noteUpdated,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Name = name.String
	rule.Description = description.String
	rule.DescriptionFormat = core.DescriptionFormat(format.String)
	rule.Status = core.RuleStatus(status)
	rule.Severity = severity.String
	rule.Language = language.String
	rule.ConfigKey = configKey.String
	rule.IsTemplate = isTemplate == 1
	rule.TemplateID = nullableID(templateID)
	rule.DefaultSubCharacteristicID = nullableID(defaultCharID)
	rule.DefaultRemediation = core.RemediationFunction{Type: defType.String, Coefficient: defCoeff.String, Offset: defOffset.String}
	rule.SubCharacteristicID = nullableID(charID)
	rule.Remediation = core.RemediationFunction{Type: remType.String, Coefficient: remCoeff.String, Offset: remOffset.String}
	rule.NoteData = noteData.String
	rule.NoteUserLogin = noteLogin.String
	rule.NoteCreatedAt = nullableTime(noteCreated)
	rule.NoteUpdatedAt = nullableTime(noteUpdated)
	rule.CreatedAt = parseTime(createdAt)
	rule.UpdatedAt = parseTime(updatedAt)

	if err := json.Unmarshal([]byte(systemTagsJSON), &rule.SystemTags); err != nil {
		return nil, fmt.Errorf("failed to decode system tags of %s: %w", rule.Key, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rule.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags of %s: %w", rule.Key, err)
	}
	rule.SystemTags = core.NormalizeTags(rule.SystemTags)
	rule.Tags = core.NormalizeTags(rule.Tags)

	return &rule, nil
}

func (t *Tx) queryRules(ctx context.Context, query string, args ...interface{}) ([]*core.Rule, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*core.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SelectNonManualRules loads provider and custom rules, skipping the manual repository
func (t *Tx) SelectNonManualRules(ctx context.Context) ([]*core.Rule, error) {
	return t.queryRules(ctx, "SELECT "+ruleColumns+" FROM rules WHERE repository <> ? ORDER BY id", core.ManualRepository)
}

// SelectRuleByKey returns ErrRuleNotFound when no row uses key
func (t *Tx) SelectRuleByKey(ctx context.Context, key core.RuleKey) (*core.Rule, error) {
	row := t.q.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM rules WHERE repository = ? AND rule_key = ?", key.Repository, key.Rule)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", key, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", key, err)
	}
	return rule, nil
}

// SelectRuleByID returns ErrRuleNotFound when the id is unknown
func (t *Tx) SelectRuleByID(ctx context.Context, id int64) (*core.Rule, error) {
	row := t.q.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule id %d: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return rule, nil
}

// InsertRule stores a new rule and sets its id and timestamps
func (t *Tx) InsertRule(ctx context.Context, rule *core.Rule) error {
	now := t.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}

	res, err := t.q.ExecContext(ctx, `
		INSERT INTO rules (
			repository, rule_key, name, description, description_format, status, severity,
			language, config_key, is_template, template_id,
			default_characteristic_id, default_remediation_type, default_remediation_coeff, default_remediation_offset,
			characteristic_id, remediation_type, remediation_coeff, remediation_offset,
			system_tags, tags, note_data, note_user_login, note_created_at, note_updated_at,
			updated_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]interface{}{rule.Key.Repository, rule.Key.Rule}, append(args, formatTime(rule.CreatedAt))...)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", rule.Key, ErrDuplicateRule)
		}
		return fmt.Errorf("failed to insert rule %s: %w", rule.Key, err)
	}
	rule.ID, err = res.LastInsertId()
	return err
}

// UpdateRule writes every mutable column of rule and bumps updated_at
func (t *Tx) UpdateRule(ctx context.Context, rule *core.Rule) error {
	rule.UpdatedAt = t.now()
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}

	res, err := t.q.ExecContext(ctx, `
		UPDATE rules SET
			name = ?, description = ?, description_format = ?, status = ?, severity = ?,
			language = ?, config_key = ?, is_template = ?, template_id = ?,
			default_characteristic_id = ?, default_remediation_type = ?, default_remediation_coeff = ?, default_remediation_offset = ?,
			characteristic_id = ?, remediation_type = ?, remediation_coeff = ?, remediation_offset = ?,
			system_tags = ?, tags = ?, note_data = ?, note_user_login = ?, note_created_at = ?, note_updated_at = ?,
			updated_at = ?
		WHERE id = ?`,
		append(args, rule.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", rule.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", rule.Key, ErrRuleNotFound)
	}
	return nil
}

// ruleArgs returns the mutable columns in table order, ending with updated_at
func ruleArgs(rule *core.Rule) ([]interface{}, error) {
	systemTags, err := json.Marshal(core.NormalizeTags(rule.SystemTags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode system tags: %w", err)
	}
	tags, err := json.Marshal(core.NormalizeTags(rule.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	isTemplate := 0
	if rule.IsTemplate {
		isTemplate = 1
	}
	return []interface{}{
		nullString(rule.Name), nullString(rule.Description), nullString(string(rule.DescriptionFormat)),
		string(rule.Status), nullString(rule.Severity),
		nullString(rule.Language), nullString(rule.ConfigKey), isTemplate, nullID(rule.TemplateID),
		nullID(rule.DefaultSubCharacteristicID), nullString(rule.DefaultRemediation.Type),
		nullString(rule.DefaultRemediation.Coefficient), nullString(rule.DefaultRemediation.Offset),
		nullID(rule.SubCharacteristicID), nullString(rule.Remediation.Type),
		nullString(rule.Remediation.Coefficient), nullString(rule.Remediation.Offset),
		string(systemTags), string(tags), nullString(rule.NoteData), nullString(rule.NoteUserLogin),
		nullTime(rule.NoteCreatedAt), nullTime(rule.NoteUpdatedAt),
		formatTime(rule.UpdatedAt),
	}, nil
}

// RuleQuery filters SearchRules. Zero fields do not filter.
type RuleQuery struct {
	Repository string
	Language   string
	Status     core.RuleStatus
	IsTemplate *bool
	Tag        string
	Text       string
	Limit      int
	Offset     int
}

// SearchRules returns one page of matching rules and the total match count
func (t *Tx) SearchRules(ctx context.Context, q RuleQuery) ([]*core.Rule, int64, error) {
	var where []string
	var args []interface{}
	if q.Repository != "" {
		where = append(where, "repository = ?")
		args = append(args, q.Repository)
	}
	if q.Language != "" {
		where = append(where, "language = ?")
		args = append(args, q.Language)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.IsTemplate != nil {
		where = append(where, "is_template = ?")
		if *q.IsTemplate {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if q.Tag != "" {
		where = append(where, "(EXISTS (SELECT 1 FROM json_each(rules.tags) WHERE value = ?) OR EXISTS (SELECT 1 FROM json_each(rules.system_tags) WHERE value = ?))")
		args = append(args, q.Tag, q.Tag)
	}
	if q.Text != "" {
		where = append(where, "(LOWER(name) LIKE ? OR LOWER(rule_key) LIKE ?)")
		pattern := "%" + strings.ToLower(q.Text) + "%"
		args = append(args, pattern, pattern)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := t.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM rules"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	rules, err := t.queryRules(ctx, "SELECT "+ruleColumns+" FROM rules"+clause+" ORDER BY repository, rule_key LIMIT ? OFFSET ?",
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// SelectTags returns the union of user and system tags of non-removed rules
func (t *Tx) SelectTags(ctx context.Context) ([]string, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT value FROM rules, json_each(rules.tags) WHERE status <> ?
		UNION
		SELECT value FROM rules, json_each(rules.system_tags) WHERE status <> ?`,
		string(core.StatusRemoved), string(core.StatusRemoved))
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return core.NormalizeTags(tags), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func nullableID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
