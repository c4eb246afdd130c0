package storage

import (
	"database/sql"
)

// RegisterSQLiteMigrations registers the rule catalog schema history.
// createTables always builds the latest schema, so every migration is written
// to be a no-op on a fresh database.
func RegisterSQLiteMigrations(runner *MigrationRunner) {
	runner.Register(Migration{
		Version:     "1.0.0",
		Name:        "initial_schema",
		Description: "Rules, rule params, characteristics, quality profiles and active rules",
		Up: func(tx *sql.Tx) error {
			return nil
		},
	})

	runner.Register(Migration{
		Version:     "1.1.0",
		Name:        "add_rule_note_columns",
		Description: "Markdown note attached to a rule by a user",
		Up: func(tx *sql.Tx) error {
			for _, col := range []string{"note_data", "note_user_login", "note_created_at", "note_updated_at"} {
				if err := addColumnIfNotExists(tx, "rules", col, "TEXT"); err != nil {
					return err
				}
			}
			return nil
		},
	})

	runner.Register(Migration{
		Version:     "1.2.0",
		Name:        "add_active_rule_param_overridden",
		Description: "Flag active rule param values explicitly set in a profile",
		Up: func(tx *sql.Tx) error {
			return addColumnIfNotExists(tx, "active_rule_params", "overridden", "INTEGER NOT NULL DEFAULT 0")
		},
	})

	runner.Register(Migration{
		Version:     "1.3.0",
		Name:        "add_rule_lookup_indexes",
		Description: "Indexes used by the reconciliation pass and rule search",
		Up: func(tx *sql.Tx) error {
			if err := createIndexIfNotExists(tx, "idx_rules_template_id", "rules", "template_id"); err != nil {
				return err
			}
			if err := createIndexIfNotExists(tx, "idx_rules_language", "rules", "language"); err != nil {
				return err
			}
			return createIndexIfNotExists(tx, "idx_active_rules_rule_id", "active_rules", "rule_id")
		},
	})
}
