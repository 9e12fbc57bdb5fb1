package migration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	migratedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "accounts",
		Subsystem: "migration",
		Name:      "migrated_total",
		Help:      "Accounts migrated into the key-value store.",
	})

	migrationSkippedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "accounts",
		Subsystem: "migration",
		Name:      "skipped_total",
		Help:      "Accounts skipped because an equal-or-newer copy was already migrated.",
	})

	migrationErrorCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "accounts",
		Subsystem: "migration",
		Name:      "error_total",
		Help:      "Account migrations that failed and were recorded for retry.",
	})

	retriedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "accounts",
		Subsystem: "migration",
		Name:      "retried_total",
		Help:      "Accounts successfully re-migrated by the retry sweep.",
	})
)
