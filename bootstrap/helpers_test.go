package bootstrap

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"rulekeeper/config"
	"rulekeeper/notify"
	"rulekeeper/reconcile"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyRedisError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{
			name:     "nil error returns empty string",
			err:      nil,
			contains: "",
		},
		{
			name:     "timeout",
			err:      timeoutError{},
			contains: "timed out",
		},
		{
			name:     "connection refused",
			err:      &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
			contains: "Connection refused",
		},
		{
			name:     "unknown host",
			err:      errors.New("dial tcp: lookup redis.invalid: no such host"),
			contains: "Cannot resolve hostname",
		},
		{
			name:     "wrong password",
			err:      errors.New("WRONGPASS invalid username-password pair"),
			contains: "Authentication failed",
		},
		{
			name:     "generic error",
			err:      errors.New("something odd"),
			contains: "Failed to connect to Redis",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyRedisError(tt.err, "localhost:6379")
			if tt.contains == "" && result != "" {
				t.Errorf("ClassifyRedisError() = %q, want empty string", result)
			}
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("ClassifyRedisError() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"permission denied", errors.New("open data/rulekeeper.db: permission denied"), "Permission denied"},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), "locked by another process"},
		{"disk full", errors.New("database or disk is full (13) (SQLITE_FULL)"), "Disk full"},
		{"corrupt", errors.New("database disk image is malformed"), "corrupted"},
		{"read only", errors.New("attempt to write a read-only database"), "read-only"},
		{"generic", errors.New("boom"), "Failed to initialize SQLite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifySQLiteError(tt.err, "data/rulekeeper.db")
			if tt.contains == "" && result != "" {
				t.Errorf("ClassifySQLiteError() = %q, want empty string", result)
			}
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("ClassifySQLiteError() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{StartupMode: config.StartupModeStrict}
	cfg.DataPaths.DataDir = dir
	cfg.DataPaths.SQLitePath = filepath.Join(dir, "rulekeeper.db")
	cfg.DataPaths.DefinitionsDir = filepath.Join(dir, "definitions")
	cfg.API.RateLimit.RequestsPerSecond = 100
	cfg.API.RateLimit.Burst = 100
	cfg.Reconcile.OnStartup = true
	return cfg
}

func TestEnsureDataDirectories(t *testing.T) {
	cfg := testConfig(t)

	err := EnsureDataDirectories(DataDirectoriesFromConfig(cfg), zap.NewNop().Sugar())
	require.NoError(t, err)

	info, err := os.Stat(cfg.DataPaths.DefinitionsDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(cfg.DataPaths.DataDir, ".rulekeeper_write_test"))
	assert.True(t, os.IsNotExist(err), "write probe must be removed")
}

func TestEnsureDataDirectories_BaseIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	err := EnsureDataDirectories(DataDirectories{Base: file, Definitions: filepath.Join(file, "definitions")}, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Remediation")
}

func TestInitPublisher(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig(t)
		publisher, err := InitPublisher(ctx, cfg, logger)
		require.NoError(t, err)
		assert.IsType(t, notify.NopPublisher{}, publisher)
	})

	t.Run("redis reachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = mr.Addr()

		publisher, err := InitPublisher(ctx, cfg, logger)
		require.NoError(t, err)
		defer publisher.Close()
		assert.IsType(t, &notify.BreakerPublisher{}, publisher)
	})

	unreachable := func(t *testing.T) string {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		return addr
	}

	t.Run("redis unreachable in strict mode", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = unreachable(t)

		_, err := InitPublisher(ctx, cfg, logger)
		assert.Error(t, err)
	})

	t.Run("redis unreachable in graceful mode", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.StartupMode = config.StartupModeGraceful
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = unreachable(t)

		publisher, err := InitPublisher(ctx, cfg, logger)
		require.NoError(t, err)
		assert.IsType(t, notify.NopPublisher{}, publisher)
	})
}

type stubReconciler struct {
	err   error
	calls int
}

func (s *stubReconciler) Run(context.Context) (*reconcile.Report, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &reconcile.Report{Repositories: 1}, nil
}

func TestRunStartupReconcile(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()
	failure := &reconcile.RootCharacteristicError{Characteristic: "RELIABILITY"}

	tests := []struct {
		name      string
		onStartup bool
		mode      config.StartupMode
		runErr    error
		wantCalls int
		wantErr   bool
	}{
		{"disabled", false, config.StartupModeStrict, nil, 0, false},
		{"success", true, config.StartupModeStrict, nil, 1, false},
		{"failure in strict mode", true, config.StartupModeStrict, failure, 1, true},
		{"failure in graceful mode", true, config.StartupModeGraceful, failure, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Reconcile.OnStartup = tt.onStartup
			cfg.StartupMode = tt.mode
			engine := &stubReconciler{err: tt.runErr}

			err := RunStartupReconcile(ctx, cfg, engine, logger)
			assert.Equal(t, tt.wantCalls, engine.calls)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, reconcile.ErrRootCharacteristic)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
