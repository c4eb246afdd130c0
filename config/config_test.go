package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const strongSecret = "k8Zp3QwLx9Rt2VbN7mYc4HdF6jGs1AeU"

// newTestConfig returns a valid Config for testing
func newTestConfig() Config {
	c := Config{
		StartupMode: StartupModeStrict,
		DataPaths:   DataPaths{DataDir: "./data"},
		API: APIConfig{
			Port:      8081,
			BodyLimit: 1 << 20,
		},
		Auth: AuthConfig{
			BcryptCost: bcrypt.MinCost,
			JWTSecret:  strongSecret,
			JWTExpiry:  time.Hour,
			Users: []User{
				{Username: "admin", PasswordHash: "hashed", Roles: []string{"rule_admin"}},
			},
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379", PoolSize: 10},
		Reconcile: ReconcileConfig{
			OnStartup: true,
			BatchSize: 100,
			CacheSize: 1000,
		},
	}
	c.API.RateLimit.RequestsPerSecond = 100
	c.API.RateLimit.Burst = 100
	return c
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig()
	require.NoError(t, err)
	assert.NotNil(t, config)

	assert.Equal(t, StartupModeStrict, config.StartupMode)
	assert.Equal(t, 8081, config.API.Port)
	assert.False(t, config.Auth.Enabled)
	assert.False(t, config.Redis.Enabled)
	assert.True(t, config.Reconcile.OnStartup)
	assert.Equal(t, 100, config.Reconcile.BatchSize)
	assert.Equal(t, filepath.Join("data", "rulekeeper.db"), config.DataPaths.SQLitePath)
	assert.Equal(t, filepath.Join("data", "definitions"), config.DataPaths.DefinitionsDir)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RULEKEEPER_DATA_DIR", dir)
	t.Setenv("RULEKEEPER_API_PORT", "9090")
	t.Setenv("RULEKEEPER_STARTUP_MODE", "graceful")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, config.API.Port)
	assert.True(t, config.IsGracefulMode())
	assert.Equal(t, filepath.Join(dir, "rulekeeper.db"), config.DataPaths.SQLitePath)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid startup mode", func(c *Config) { c.StartupMode = "lenient" }, true},
		{"invalid API port", func(c *Config) { c.API.Port = 0 }, true},
		{"TLS without certificate", func(c *Config) { c.API.TLS = true; c.API.CertFile = "" }, true},
		{"zero body limit", func(c *Config) { c.API.BodyLimit = 0 }, true},
		{"zero rate limit", func(c *Config) { c.API.RateLimit.RequestsPerSecond = 0 }, true},
		{"invalid proxy network", func(c *Config) { c.API.TrustedProxyNetworks = []string{"proxy.local"} }, true},
		{"proxy network", func(c *Config) { c.API.TrustedProxyNetworks = []string{"10.0.0.0/8", "192.168.1.1"} }, false},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" }, true},
		{"auth without users", func(c *Config) { c.Auth.Enabled = true; c.Auth.Users = nil }, true},
		{"auth user without password", func(c *Config) { c.Auth.Enabled = true; c.Auth.Users[0].PasswordHash = "" }, true},
		{"auth duplicate users", func(c *Config) { c.Auth.Enabled = true; c.Auth.Users = append(c.Auth.Users, c.Auth.Users[0]) }, true},
		{"auth enabled", func(c *Config) { c.Auth.Enabled = true }, false},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, true},
		{"batch size too large", func(c *Config) { c.Reconcile.BatchSize = 20000 }, true},
		{"zero cache size", func(c *Config) { c.Reconcile.CacheSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConfig()
			tt.modify(&c)
			err := validateConfig(&c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateConfig_ProductionRequiresTLSAndAuth(t *testing.T) {
	t.Setenv("RULEKEEPER_ENV", "production")

	c := newTestConfig()
	assert.Error(t, validateConfig(&c))

	c.API.TLS = true
	c.API.CertFile, c.API.KeyFile = "server.crt", "server.key"
	assert.Error(t, validateConfig(&c))

	c.Auth.Enabled = true
	assert.NoError(t, validateConfig(&c))
}

func TestValidateAndHash(t *testing.T) {
	config := newTestConfig()
	config.Auth.Enabled = true
	config.Auth.Users = []User{{Username: "alice", Password: "s3cret-pass", Roles: []string{"rule_admin"}}}

	require.NoError(t, validateAndHash(&config))
	user, ok := config.FindUser("alice")
	require.True(t, ok)
	assert.Empty(t, user.Password) // should be cleared
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("s3cret-pass")))

	_, ok = config.FindUser("bob")
	assert.False(t, ok)
}

func TestValidateAndHash_WeakSecret(t *testing.T) {
	for _, secret := range []string{"short", "this-is-my-supersecret-value-0123456789"} {
		config := newTestConfig()
		config.Auth.Enabled = true
		config.Auth.JWTSecret = secret
		assert.Error(t, validateAndHash(&config), secret)
	}
}
