package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// StartupMode defines how rulekeeper handles a failed startup reconciliation
type StartupMode string

const (
	// StartupModeStrict refuses to serve a catalog that failed to reconcile (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful serves the last committed catalog and logs the failure
	StartupModeGraceful StartupMode = "graceful"
)

// DataPaths holds all data directory and file path configuration
// These paths can be overridden via environment variables
type DataPaths struct {
	// DataDir is the base data directory (RULEKEEPER_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (RULEKEEPER_SQLITE_PATH, default: ${DataDir}/rulekeeper.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// DefinitionsDir holds the declared rule repositories (RULEKEEPER_DEFINITIONS_DIR, default: ${DataDir}/definitions)
	DefinitionsDir string `mapstructure:"definitions_dir"`
}

// User is an account allowed to log in to the API
type User struct {
	Username string `mapstructure:"username"`
	// Password is hashed into PasswordHash at load time and cleared
	Password     string   `mapstructure:"password"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
}

// APIConfig configures the REST API
type APIConfig struct {
	Port           int      `mapstructure:"port"`
	TLS            bool     `mapstructure:"tls"`
	CertFile       string   `mapstructure:"cert_file"`
	KeyFile        string   `mapstructure:"key_file"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	BodyLimit      int64    `mapstructure:"body_limit"` // bytes
	// Forwarded headers are honored only from TrustedProxyNetworks
	TrustProxy           bool     `mapstructure:"trust_proxy"`
	TrustedProxyNetworks []string `mapstructure:"trusted_proxy_networks"`
	RateLimit            struct {
		RequestsPerSecond int `mapstructure:"requests_per_second"`
		Burst             int `mapstructure:"burst"`
		Login             struct {
			Limit  int           `mapstructure:"limit"`  // Default: 5 attempts
			Window time.Duration `mapstructure:"window"` // Default: 1 minute
		} `mapstructure:"login"`
		ExemptIPs []string `mapstructure:"exempt_ips"`
	} `mapstructure:"rate_limit"`
}

// AuthConfig configures JWT authentication
type AuthConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	JWTExpiry  time.Duration `mapstructure:"jwt_expiry"`
	Users      []User        `mapstructure:"users"`
}

// RedisConfig configures the rule change stream
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// ReconcileConfig configures the reconciliation pass
type ReconcileConfig struct {
	OnStartup bool `mapstructure:"on_startup"`
	BatchSize int  `mapstructure:"batch_size"`
	CacheSize int  `mapstructure:"cache_size"`
}

// Config holds all configuration for the rulekeeper service
type Config struct {
	// StartupMode controls what a failed startup reconciliation does
	// "strict" (default): Fail fast
	// "graceful": Serve the last committed catalog, log the error
	StartupMode StartupMode `mapstructure:"startup_mode"`

	DataPaths DataPaths       `mapstructure:"data_paths"`
	API       APIConfig       `mapstructure:"api"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	// Base directory - all other paths derive from this by default
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "")     // Empty = derive from data_dir
	viper.SetDefault("data_paths.definitions_dir", "") // Empty = derive from data_dir

	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.tls", false)
	viper.SetDefault("api.cert_file", "server.crt")
	viper.SetDefault("api.key_file", "server.key")
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("api.body_limit", 1048576) // 1MB
	viper.SetDefault("api.trust_proxy", false)
	viper.SetDefault("api.trusted_proxy_networks", []string{})
	viper.SetDefault("api.rate_limit.requests_per_second", 100)
	viper.SetDefault("api.rate_limit.burst", 100)
	viper.SetDefault("api.rate_limit.login.limit", 5)
	viper.SetDefault("api.rate_limit.login.window", 1*time.Minute)
	viper.SetDefault("api.rate_limit.exempt_ips", []string{})

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)
	viper.SetDefault("auth.jwt_expiry", 24*time.Hour)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.stream", "rulekeeper:rule-changes")
	viper.SetDefault("redis.max_len", 100000)

	viper.SetDefault("reconcile.on_startup", true)
	viper.SetDefault("reconcile.batch_size", 100)
	viper.SetDefault("reconcile.cache_size", 10000)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("RULEKEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Shorter names for the settings most often overridden in deployments
	_ = viper.BindEnv("startup_mode", "RULEKEEPER_STARTUP_MODE")
	_ = viper.BindEnv("data_paths.data_dir", "RULEKEEPER_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "RULEKEEPER_SQLITE_PATH")
	_ = viper.BindEnv("data_paths.definitions_dir", "RULEKEEPER_DEFINITIONS_DIR")
	_ = viper.BindEnv("auth.jwt_secret", "RULEKEEPER_JWT_SECRET")
}

// validateAndHash hashes plain user passwords and validates the result
func validateAndHash(config *Config) error {
	if config.Auth.Enabled && config.Auth.JWTSecret != "" {
		if len(config.Auth.JWTSecret) < 32 {
			return fmt.Errorf("JWT secret must be at least 32 characters (256 bits) for security")
		}

		weakSecrets := []string{
			"secret", "password", "changeme", "default", "admin",
			"jwt_secret", "supersecret", "mysecret", "test", "example",
		}
		lowerSecret := strings.ToLower(config.Auth.JWTSecret)
		for _, weak := range weakSecrets {
			if strings.Contains(lowerSecret, weak) {
				return fmt.Errorf("JWT secret appears to contain weak/default value: please use a cryptographically secure random string")
			}
		}
	}

	for i := range config.Auth.Users {
		user := &config.Auth.Users[i]
		if user.Password == "" {
			continue
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), config.Auth.BcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash password of user %s: %w", user.Username, err)
		}
		user.PasswordHash = string(hashed)
		user.Password = "" // clear plain password
	}

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, defaults and env vars apply
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateAndHash(&config); err != nil {
		return nil, err
	}

	config.ResolveDataPaths()
	return &config, nil
}

// ResolveDataPaths resolves all data paths, deriving from DataDir if not explicitly set
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "rulekeeper.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		// relative to the current directory, not data_dir
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	if c.DataPaths.DefinitionsDir == "" {
		c.DataPaths.DefinitionsDir = filepath.Join(dataDir, "definitions")
	} else if !filepath.IsAbs(c.DataPaths.DefinitionsDir) {
		c.DataPaths.DefinitionsDir = filepath.Clean(c.DataPaths.DefinitionsDir)
	}

	c.DataPaths.DataDir = dataDir
}

// IsGracefulMode returns true if the startup mode is graceful
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// FindUser returns the configured user with username
func (c *Config) FindUser(username string) (User, bool) {
	for _, u := range c.Auth.Users {
		if u.Username == username {
			return u, true
		}
	}
	return User{}, false
}

// validateConfig validates the configuration for security and correctness
func validateConfig(config *Config) error {
	switch config.StartupMode {
	case StartupModeStrict, StartupModeGraceful:
	case "":
		config.StartupMode = StartupModeStrict
	default:
		return fmt.Errorf("invalid startup_mode %q (must be strict or graceful)", config.StartupMode)
	}

	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.TLS && (config.API.CertFile == "" || config.API.KeyFile == "") {
		return fmt.Errorf("api.cert_file and api.key_file are required when TLS is enabled")
	}
	if config.API.BodyLimit < 1 {
		return fmt.Errorf("api.body_limit must be positive, got %d", config.API.BodyLimit)
	}
	if config.API.RateLimit.RequestsPerSecond < 1 {
		return fmt.Errorf("api.rate_limit.requests_per_second must be positive, got %d", config.API.RateLimit.RequestsPerSecond)
	}
	if config.API.RateLimit.Burst < 1 {
		return fmt.Errorf("api.rate_limit.burst must be positive, got %d", config.API.RateLimit.Burst)
	}
	for _, network := range config.API.TrustedProxyNetworks {
		if !isValidIPOrCIDR(strings.TrimSpace(network)) {
			return fmt.Errorf("invalid trusted proxy network: %s (must be IP or CIDR)", network)
		}
	}

	if config.Auth.Enabled {
		if config.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if config.Auth.JWTExpiry <= 0 {
			return fmt.Errorf("auth.jwt_expiry must be positive, got %v", config.Auth.JWTExpiry)
		}
		if len(config.Auth.Users) == 0 {
			return fmt.Errorf("authentication enabled but no users configured")
		}
		seen := make(map[string]bool, len(config.Auth.Users))
		for _, u := range config.Auth.Users {
			if u.Username == "" {
				return fmt.Errorf("username cannot be empty when auth is enabled")
			}
			if seen[u.Username] {
				return fmt.Errorf("duplicate user %q", u.Username)
			}
			seen[u.Username] = true
			if u.PasswordHash == "" {
				return fmt.Errorf("user %q has no password", u.Username)
			}
		}
	}

	if config.Redis.Enabled {
		if config.Redis.Addr == "" {
			return fmt.Errorf("redis.addr cannot be empty when redis is enabled")
		}
		if config.Redis.PoolSize < 1 {
			return fmt.Errorf("redis.pool_size must be positive, got %d", config.Redis.PoolSize)
		}
	}

	if config.Reconcile.BatchSize < 1 || config.Reconcile.BatchSize > 10000 {
		return fmt.Errorf("reconcile.batch_size must be between 1 and 10000, got %d", config.Reconcile.BatchSize)
	}
	if config.Reconcile.CacheSize < 1 {
		return fmt.Errorf("reconcile.cache_size must be positive, got %d", config.Reconcile.CacheSize)
	}

	// SECURITY: Enforce HTTPS in production mode
	if os.Getenv("RULEKEEPER_ENV") == "production" {
		if !config.API.TLS {
			return fmt.Errorf("CRITICAL SECURITY ERROR: TLS must be enabled for API in production (RULEKEEPER_ENV=production, api.tls=false)")
		}
		if !config.Auth.Enabled {
			return fmt.Errorf("CRITICAL SECURITY ERROR: authentication must be enabled in production (RULEKEEPER_ENV=production, auth.enabled=false)")
		}
	}
	return nil
}

// isValidIPOrCIDR checks if a string is a valid IP address or CIDR
func isValidIPOrCIDR(ipStr string) bool {
	if ip := net.ParseIP(ipStr); ip != nil {
		return true
	}
	if _, _, err := net.ParseCIDR(ipStr); err == nil {
		return true
	}
	return false
}
