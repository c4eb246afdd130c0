package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"rulekeeper/config"

	"go.uber.org/zap"
)

// DataDirectories defines the paths that need to exist for the catalog to run.
type DataDirectories struct {
	Base        string // Base data directory (default: ./data)
	Definitions string // Rule repository documents
	SQLite      string // SQLite database path
}

// DataDirectoriesFromConfig creates DataDirectories from configuration.
func DataDirectoriesFromConfig(cfg *config.Config) DataDirectories {
	return DataDirectories{
		Base:        cfg.DataPaths.DataDir,
		Definitions: cfg.DataPaths.DefinitionsDir,
		SQLite:      cfg.DataPaths.SQLitePath,
	}
}

// EnsureDataDirectories creates the data directories. Only the base
// directory has to be writable; definitions are often mounted read-only.
func EnsureDataDirectories(dirs DataDirectories, sugar *zap.SugaredLogger) error {
	for _, dir := range []string{dirs.Base, dirs.Definitions} {
		absPath, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}

		if err := os.MkdirAll(absPath, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: Ensure the parent directory exists and is writable\n"+
				"  For Docker: Check volume mount permissions\n"+
				"  For bare metal: Run 'mkdir -p %s && chmod 755 %s'", dir, err, absPath, absPath)
		}
		sugar.Infow("Data directory ready", "path", absPath)
	}

	absBase, _ := filepath.Abs(dirs.Base)
	testFile := filepath.Join(absBase, ".rulekeeper_write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory %s is not writable: %w\n"+
			"  Remediation: Check file system permissions\n"+
			"  For Docker: Ensure volume is mounted with write access\n"+
			"  For bare metal: Run 'chmod -R u+w %s'", dirs.Base, err, absBase)
	}
	_ = os.Remove(testFile)

	sugar.Info("All data directories verified")
	return nil
}

// ClassifyRedisError provides specific error messages based on the type of connection failure.
func ClassifyRedisError(err error, addr string) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to Redis at %s timed out.\n"+
			"  Possible causes:\n"+
			"  - Redis is starting up (wait and retry)\n"+
			"  - A firewall is blocking the connection\n"+
			"  Remediation:\n"+
			"  - Verify network connectivity: nc -zv %s", addr, addr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" &&
		(errors.Is(opErr.Err, syscall.ECONNREFUSED) || strings.Contains(errStr, "connection refused")) {
		return fmt.Sprintf("Connection refused by Redis at %s.\n"+
			"  This usually means Redis is not running.\n"+
			"  Remediation:\n"+
			"  - Start Redis: docker compose up -d redis\n"+
			"  - Verify redis.addr in config.yaml\n"+
			"  - Or disable change notifications with RULEKEEPER_REDIS_ENABLED=false", addr)
	}

	if strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in Redis address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname is correct\n"+
			"  - Try using IP address (127.0.0.1) instead of hostname", addr)
	}

	if strings.Contains(errStr, "noauth") || strings.Contains(errStr, "wrongpass") || strings.Contains(errStr, "invalid password") {
		return fmt.Sprintf("Authentication failed for Redis at %s.\n"+
			"  Remediation:\n"+
			"  - Verify redis.password in config.yaml\n"+
			"  - Check the RULEKEEPER_REDIS_PASSWORD env var", addr)
	}

	return fmt.Sprintf("Failed to connect to Redis at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure Redis is running and accessible\n"+
		"  - Check config.yaml redis.addr setting", addr, err)
}

// ClassifySQLiteError provides specific error messages based on the type of SQLite failure.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := strings.ToLower(err.Error())
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "access denied"):
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s\n"+
			"  - For Docker: Ensure volume is mounted with proper user permissions",
			absPath, absPath, parentDir)

	case strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "sqlite_busy"):
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Possible causes:\n"+
			"  - Another rulekeeper instance is running\n"+
			"  - A CLI command such as 'rules reconcile' is in progress\n"+
			"  Remediation:\n"+
			"  - Check for running processes: ps aux | grep rulekeeper\n"+
			"  - Check for lock files: ls -la %s*", absPath, absPath)

	case strings.Contains(errStr, "disk full") || strings.Contains(errStr, "no space") || strings.Contains(errStr, "sqlite_full"):
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s\n"+
			"  - Free up disk space or expand the volume", absPath, parentDir)

	case strings.Contains(errStr, "corrupt") || strings.Contains(errStr, "malformed"):
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  CRITICAL: Backup any existing data before proceeding!\n"+
			"  Remediation options:\n"+
			"  1. Try recovery: sqlite3 %s \".recover\" | sqlite3 %s.recovered\n"+
			"  2. Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  3. If recovery fails, restore from backup",
			absPath, absPath, absPath, absPath)

	case strings.Contains(errStr, "read-only"):
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move the database to a writable location via RULEKEEPER_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable\n"+
		"  - Check disk space and permissions", absPath, err, parentDir)
}

// printFatalBanner writes a boxed startup failure to stderr
func printFatalBanner(title, body string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", body)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}
