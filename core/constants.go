package core

import "time"

const (
	// DefaultReconcileBatchSize bounds the number of rows committed at once
	// during the removal sweep
	DefaultReconcileBatchSize = 100

	// DefaultRuleCacheSize is the LRU capacity used during a reconciliation pass
	DefaultRuleCacheSize = 4096

	// DefaultDebtCharacteristic is the sentinel a caller passes to revert a
	// rule's debt characteristic to its declared default
	DefaultDebtCharacteristic = "_default"

	// DBHealthTimeout bounds health check queries
	DBHealthTimeout = 3 * time.Second

	// MaxErrorMessageLength caps error messages returned to API clients
	MaxErrorMessageLength = 500
)
