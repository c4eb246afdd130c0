package bootstrap

import (
	"fmt"
	"os"

	"rulekeeper/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output.
func InitLogger() (*zap.Logger, *zap.SugaredLogger, error) {
	return newConsoleLogger(os.Stdout, zapcore.DebugLevel)
}

// InitCLILogger logs warnings and errors to stderr so command output on
// stdout stays machine readable.
func InitCLILogger(verbose bool) (*zap.Logger, *zap.SugaredLogger, error) {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	return newConsoleLogger(os.Stderr, level)
}

func newConsoleLogger(out zapcore.WriteSyncer, level zapcore.Level) (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(out),
		level,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration.
func InitConfig(sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}

	description := "will fail fast on any initialization error"
	if cfg.IsGracefulMode() {
		description = "will continue with degraded functionality on non-critical errors"
	}
	sugar.Infow("Startup mode",
		"mode", string(cfg.StartupMode),
		"description", description)

	sugar.Infow("Data paths configuration",
		"data_dir", cfg.DataPaths.DataDir,
		"sqlite_path", cfg.DataPaths.SQLitePath,
		"definitions_dir", cfg.DataPaths.DefinitionsDir)

	sugar.Infow("Config loaded",
		"api_port", cfg.API.Port,
		"auth_enabled", cfg.Auth.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
		"reconcile_on_startup", cfg.Reconcile.OnStartup)

	return cfg, nil
}
