package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rulekeeper/metrics"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the SQLite connection pools backing the rule catalog.
// WAL mode allows one writer and many concurrent readers, so writes and
// reads use separate pools.
type SQLite struct {
	DB      *sql.DB // same as WriteDB
	WriteDB *sql.DB // MaxOpenConns=1
	ReadDB  *sql.DB // query_only
	Path    string
	Logger  *zap.SugaredLogger

	prevWriteWaitCount int64
	prevReadWaitCount  int64
}

// configureSQLiteConnection sets WAL mode, foreign keys and busy timeout on a pool
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite disables foreign keys by default; active rule params rely on cascades
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d, expected: 1)", fkEnabled)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" instead of "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Debugf("SQLite %s pool: journal mode %s", poolType, journalMode)

	return nil
}

// NewSQLite opens the database, configures both pools and creates the schema
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Both pools must see the same in-memory database
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	sqlite := &SQLite{
		DB:      writeDB,
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := sqlite.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s", dbPath)
	return sqlite, nil
}

// NewInMemorySQLite opens a private in-memory database on a single
// connection shared by both pools. Used by tests and dry runs.
func NewInMemorySQLite(logger *zap.SugaredLogger) (*SQLite, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	sqlite := &SQLite{DB: db, WriteDB: db, ReadDB: db, Path: ":memory:", Logger: logger}
	if err := sqlite.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return sqlite, nil
}

// WithTransaction runs fn in a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// createTables creates the current schema. Older databases are brought up to
// date by RunMigrations.
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository TEXT NOT NULL,
		rule_key TEXT NOT NULL,
		name TEXT,
		description TEXT,
		description_format TEXT,
		status TEXT NOT NULL,
		severity TEXT,
		language TEXT,
		config_key TEXT,
		is_template INTEGER NOT NULL DEFAULT 0,
		template_id INTEGER REFERENCES rules(id),
		default_characteristic_id INTEGER,
		default_remediation_type TEXT,
		default_remediation_coeff TEXT,
		default_remediation_offset TEXT,
		characteristic_id INTEGER,
		remediation_type TEXT,
		remediation_coeff TEXT,
		remediation_offset TEXT,
		system_tags TEXT NOT NULL DEFAULT '[]', -- JSON array
		tags TEXT NOT NULL DEFAULT '[]', -- JSON array
		note_data TEXT,
		note_user_login TEXT,
		note_created_at TEXT,
		note_updated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(repository, rule_key)
	);
	CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(status);
	CREATE INDEX IF NOT EXISTS idx_rules_language ON rules(language);
	CREATE INDEX IF NOT EXISTS idx_rules_template_id ON rules(template_id);

	CREATE TABLE IF NOT EXISTS rule_params (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		param_type TEXT NOT NULL,
		description TEXT,
		default_value TEXT,
		FOREIGN KEY (rule_id) REFERENCES rules(id) ON DELETE CASCADE,
		UNIQUE(rule_id, name)
	);

	CREATE TABLE IF NOT EXISTS characteristics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kee TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		parent_id INTEGER REFERENCES characteristics(id),
		enabled INTEGER NOT NULL DEFAULT 1,
		characteristic_order INTEGER
	);

	CREATE TABLE IF NOT EXISTS quality_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		language TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(name, language)
	);

	CREATE TABLE IF NOT EXISTS active_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id INTEGER NOT NULL,
		rule_id INTEGER NOT NULL,
		severity TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (profile_id) REFERENCES quality_profiles(id) ON DELETE CASCADE,
		FOREIGN KEY (rule_id) REFERENCES rules(id),
		UNIQUE(profile_id, rule_id)
	);
	CREATE INDEX IF NOT EXISTS idx_active_rules_rule_id ON active_rules(rule_id);

	CREATE TABLE IF NOT EXISTS active_rule_params (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		active_rule_id INTEGER NOT NULL,
		rule_param_id INTEGER NOT NULL,
		param_key TEXT NOT NULL,
		value TEXT,
		overridden INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (active_rule_id) REFERENCES active_rules(id) ON DELETE CASCADE,
		FOREIGN KEY (rule_param_id) REFERENCES rule_params(id) ON DELETE CASCADE,
		UNIQUE(active_rule_id, param_key)
	);
	`
	_, err := s.WriteDB.Exec(schema)
	return err
}

// RunMigrations applies pending schema migrations
func (s *SQLite) RunMigrations(ctx context.Context) error {
	runner, err := NewMigrationRunner(s.WriteDB, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create migration runner: %w", err)
	}
	RegisterSQLiteMigrations(runner)

	if err := runner.RunMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	issues, err := runner.VerifyIntegrity(ctx)
	if err != nil {
		s.Logger.Warnf("Failed to verify migration integrity: %v", err)
	}
	for _, issue := range issues {
		s.Logger.Warnf("Migration integrity issue: %s", issue)
	}
	return nil
}

// Close closes both pools
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil && s.ReadDB != s.WriteDB {
		readErr = s.ReadDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.WriteDB.PingContext(ctx)
}

// StartMetricsCollection periodically exports pool statistics until ctx is done
func (s *SQLite) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	s.updatePoolMetrics()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.updatePoolMetrics()
			}
		}
	}()
}

func (s *SQLite) updatePoolMetrics() {
	s.updatePoolMetricsForType("write", s.WriteDB.Stats(), &s.prevWriteWaitCount)
	s.updatePoolMetricsForType("read", s.ReadDB.Stats(), &s.prevReadWaitCount)
}

// Counters only increase, so export the delta since the previous sample
func (s *SQLite) updatePoolMetricsForType(pool string, stats sql.DBStats, prevWaitCount *int64) {
	metrics.SQLitePoolOpenConnections.WithLabelValues(pool).Set(float64(stats.OpenConnections))
	metrics.SQLitePoolInUse.WithLabelValues(pool).Set(float64(stats.InUse))
	if delta := stats.WaitCount - *prevWaitCount; delta > 0 {
		metrics.SQLitePoolWaitCount.WithLabelValues(pool).Add(float64(delta))
		*prevWaitCount = stats.WaitCount
	}
}

// validateDatabasePath rejects traversal, null bytes and absolute paths outside
// the temp directory
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	if filepath.IsAbs(dbPath) && !strings.HasPrefix(dbPath, os.TempDir()) {
		return fmt.Errorf("absolute paths not allowed: %s", dbPath)
	}
	return nil
}
