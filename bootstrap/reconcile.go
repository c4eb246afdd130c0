package bootstrap

import (
	"context"
	"fmt"

	"rulekeeper/cache"
	"rulekeeper/config"
	"rulekeeper/definitions"
	"rulekeeper/notify"
	"rulekeeper/reconcile"
	"rulekeeper/storage"

	"go.uber.org/zap"
)

// Reconciler is the part of the engine startup needs
type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

// InitEngine builds the reconciliation engine over the definitions directory.
func InitEngine(cfg *config.Config, store *storage.RuleStore, publisher notify.Publisher, sugar *zap.SugaredLogger) (*reconcile.Engine, error) {
	source, err := definitions.NewFileSource(cfg.DataPaths.DefinitionsDir, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule definitions: %w", err)
	}

	rules, err := cache.New(cfg.Reconcile.CacheSize)
	if err != nil {
		return nil, err
	}

	return reconcile.NewEngine(store, source, rules, sugar,
		reconcile.WithBatchSize(cfg.Reconcile.BatchSize),
		reconcile.WithPublisher(publisher),
	), nil
}

// RunStartupReconcile runs one pass before the API serves requests. In
// graceful mode a failed pass is logged and the last committed catalog is
// served.
func RunStartupReconcile(ctx context.Context, cfg *config.Config, engine Reconciler, sugar *zap.SugaredLogger) error {
	if !cfg.Reconcile.OnStartup {
		sugar.Info("Startup reconciliation disabled")
		return nil
	}

	sugar.Info("Reconciling rule catalog with definitions...")
	report, err := engine.Run(ctx)
	if err != nil {
		if cfg.IsGracefulMode() {
			sugar.Warnw("Startup reconciliation failed, serving last committed catalog", "error", err)
			return nil
		}
		printFatalBanner("Rule Reconciliation Failed", err.Error())
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	sugar.Infow("Rule catalog ready",
		"repositories", report.Repositories,
		"declared", report.RulesDeclared,
		"writes", report.Writes())
	return nil
}
