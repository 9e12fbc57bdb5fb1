package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "accounts_crawler_chunk_duration_seconds",
		Help: "Time spent scanning and processing one crawled chunk.",
	})
	accountsCrawled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accounts_crawler_accounts_total",
		Help: "Accounts handed to chunk processors.",
	})
)
