package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Migration is a versioned schema change applied inside one transaction
type Migration struct {
	Version     string // semantic version, e.g. "1.2.0"
	Name        string
	Description string
	Up          func(*sql.Tx) error
	Checksum    string // drift detection
}

// MigrationRecord is a row of schema_migrations
type MigrationRecord struct {
	ID        int64
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
	Duration  int64 // milliseconds
}

// MigrationRunner applies registered migrations in version order
type MigrationRunner struct {
	db         *sql.DB
	logger     *zap.SugaredLogger
	migrations []Migration
}

// NewMigrationRunner creates a runner and its bookkeeping table
func NewMigrationRunner(db *sql.DB, logger *zap.SugaredLogger) (*MigrationRunner, error) {
	runner := &MigrationRunner{db: db, logger: logger}
	if err := runner.ensureMigrationsTable(); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	return runner, nil
}

func (r *MigrationRunner) ensureMigrationsTable() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

// Register adds a migration, computing its checksum when missing
func (r *MigrationRunner) Register(m Migration) {
	if m.Checksum == "" {
		hash := sha256.Sum256([]byte(m.Version + ":" + m.Name))
		m.Checksum = hex.EncodeToString(hash[:8])
	}
	r.migrations = append(r.migrations, m)
}

// AppliedMigrations lists applied migrations in version order
func (r *MigrationRunner) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, version, name, checksum, applied_at, duration_ms
		FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var appliedAt string
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Name, &rec.Checksum, &appliedAt, &rec.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		rec.AppliedAt = parseTime(appliedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return compareVersions(records[i].Version, records[j].Version) < 0
	})
	return records, nil
}

// PendingMigrations lists registered migrations not applied yet, in version order
func (r *MigrationRunner) PendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := r.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}

	var pending []Migration
	for _, m := range r.migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return compareVersions(pending[i].Version, pending[j].Version) < 0
	})
	return pending, nil
}

// RunMigrations applies all pending migrations
func (r *MigrationRunner) RunMigrations(ctx context.Context) error {
	pending, err := r.PendingMigrations(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		r.logger.Debug("No pending migrations")
		return nil
	}

	r.logger.Infof("Running %d pending migrations", len(pending))
	for _, m := range pending {
		if err := r.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// runMigration converts a panic in Up into an error
func (r *MigrationRunner) runMigration(ctx context.Context, m Migration) (err error) {
	r.logger.Infof("Running migration %s: %s", m.Version, m.Name)
	start := time.Now()

	var tx *sql.Tx
	tx, err = r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("migration panicked: %v", p)
		}
	}()

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration Up() failed: %w", err)
	}

	duration := time.Since(start).Milliseconds()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, checksum, applied_at, duration_ms)
		VALUES (?, ?, ?, ?, ?)`,
		m.Version, m.Name, m.Checksum, formatTime(time.Now()), duration); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	r.logger.Infof("Migration %s completed in %dms", m.Version, duration)
	return nil
}

// VerifyIntegrity reports applied migrations that changed or are no longer registered
func (r *MigrationRunner) VerifyIntegrity(ctx context.Context) ([]string, error) {
	applied, err := r.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	registered := make(map[string]Migration, len(r.migrations))
	for _, m := range r.migrations {
		registered[m.Version] = m
	}

	var issues []string
	for _, rec := range applied {
		m, ok := registered[rec.Version]
		switch {
		case !ok:
			issues = append(issues, fmt.Sprintf("Migration %s was applied but is not registered (orphaned migration)", rec.Version))
		case m.Checksum != rec.Checksum:
			issues = append(issues, fmt.Sprintf("Migration %s checksum mismatch: applied=%s, registered=%s", rec.Version, rec.Checksum, m.Checksum))
		}
	}
	return issues, nil
}

// MigrationStatus summarizes migration state for the CLI
type MigrationStatus struct {
	Registered int      `json:"registered"`
	Applied    int      `json:"applied"`
	Pending    []string `json:"pending"`
	Latest     string   `json:"latest_applied"`
	Issues     []string `json:"integrity_issues,omitempty"`
}

// Status returns the current migration state
func (r *MigrationRunner) Status(ctx context.Context) (*MigrationStatus, error) {
	applied, err := r.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := r.PendingMigrations(ctx)
	if err != nil {
		return nil, err
	}
	issues, err := r.VerifyIntegrity(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{
		Registered: len(r.migrations),
		Applied:    len(applied),
		Issues:     issues,
	}
	for _, m := range pending {
		status.Pending = append(status.Pending, m.Version)
	}
	if len(applied) > 0 {
		status.Latest = applied[len(applied)-1].Version
	}
	return status, nil
}

// compareVersions returns -1, 0 or 1 comparing dotted numeric versions
func compareVersions(a, b string) int {
	partsA := strings.Split(a, ".")
	partsB := strings.Split(b, ".")
	maxLen := len(partsA)
	if len(partsB) > maxLen {
		maxLen = len(partsB)
	}
	for i := 0; i < maxLen; i++ {
		var numA, numB int
		if i < len(partsA) {
			fmt.Sscanf(partsA[i], "%d", &numA)
		}
		if i < len(partsB) {
			fmt.Sscanf(partsB[i], "%d", &numB)
		}
		if numA != numB {
			if numA < numB {
				return -1
			}
			return 1
		}
	}
	return 0
}

// validateSQLIdentifier guards identifiers interpolated into DDL
func validateSQLIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("SQL identifier cannot be empty")
	}
	for i, c := range name {
		letter := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
		digit := c >= '0' && c <= '9'
		if !letter && !(digit && i > 0) {
			return fmt.Errorf("invalid SQL identifier %q", name)
		}
	}
	return nil
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	if err := validateSQLIdentifier(table); err != nil {
		return false, err
	}
	if err := validateSQLIdentifier(column); err != nil {
		return false, err
	}
	var count int
	err := tx.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?", table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func addColumnIfNotExists(tx *sql.Tx, table, column, definition string) error {
	exists, err := columnExists(tx, table, column)
	if err != nil || exists {
		return err
	}
	// identifiers validated by columnExists
	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func createIndexIfNotExists(tx *sql.Tx, indexName, table, columns string) error {
	if err := validateSQLIdentifier(indexName); err != nil {
		return err
	}
	if err := validateSQLIdentifier(table); err != nil {
		return err
	}
	for _, col := range strings.Split(columns, ",") {
		if err := validateSQLIdentifier(strings.TrimSpace(col)); err != nil {
			return err
		}
	}
	_, err := tx.Exec(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", indexName, table, columns))
	return err
}
