package config

import (
	"flag"
	"os"
	"time"

	"github.com/perchmsg/perch/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-d string     PostgreSQL DSN
//	-e string     key-value store base endpoint
//	-g string     key-value store region
//	-r string     Redis (cache) address
//	-m string     authoritative store ("relational" or "keyvalue")
//	-n int        crawl chunk size
//	-l int        crawl lease TTL, seconds
//	-i int        crawl interval, seconds
//	-w int        directory incremental updates to hold
//	-p int        migration concurrency
//	-a string     metrics bind address
//
// Duration flags are accepted as integers in seconds and then converted to
// time.Duration values. The function first filters os.Args to only the
// flags it recognizes, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-e", "-g", "-r", "-m", "-n", "-l", "-i", "-w", "-p", "-a"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.KVEndpoint, "e", config.KVEndpoint, "key-value store base endpoint")
	fs.StringVar(&config.KVRegion, "g", config.KVRegion, "key-value store region")
	fs.StringVar(&config.CacheAddr, "r", config.CacheAddr, "cache (Redis) address")
	fs.StringVar(&config.AuthoritativeStore, "m", config.AuthoritativeStore, "authoritative store: relational or keyvalue")
	fs.IntVar(&config.CrawlChunkSize, "n", config.CrawlChunkSize, "accounts per crawl chunk")

	leaseTTL := fs.Int("l", int(config.CrawlLeaseTTL.Seconds()), "crawl lease TTL (in seconds)")
	crawlInterval := fs.Int("i", int(config.CrawlInterval.Seconds()), "crawl interval (in seconds)")

	fs.Int64Var(&config.DirectoryUpdatesToHold, "w", config.DirectoryUpdatesToHold, "incremental directory updates to hold")
	fs.IntVar(&config.MigrationConcurrency, "p", config.MigrationConcurrency, "migration worker count")
	fs.StringVar(&config.MetricsAddr, "a", config.MetricsAddr, "metrics bind address")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.CrawlLeaseTTL = time.Duration(*leaseTTL) * time.Second
	config.CrawlInterval = time.Duration(*crawlInterval) * time.Second
}
