package keyvalue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "accounts",
		Subsystem: "kv",
		Name:      "operation_duration_seconds",
		Help:      "Latency of key-value account store operations.",
	}, []string{"operation"})
)
