package config

import (
	"encoding/json"
	"os"

	"github.com/perchmsg/perch/internal/flagx"
	"github.com/perchmsg/perch/internal/timex"
)

// JsonConfig is an intermediate DTO used only for reading JSON configuration
// files. It uses timex.Duration for interval fields, which allows parsing
// both string values such as "8s" and integer nanoseconds. After
// unmarshalling, its fields are copied into the runtime Config.
type JsonConfig struct {
	DatabaseDSN string `json:"database_dsn"`

	KVEndpoint  string `json:"kv_endpoint"`
	KVRegion    string `json:"kv_region"`
	KVAccessKey string `json:"kv_access_key"`
	KVSecretKey string `json:"kv_secret_key"`

	AccountsTable string `json:"accounts_table"`
	LoginsTable   string `json:"logins_table"`
	MiscTable     string `json:"misc_table"`
	RetryTable    string `json:"retry_table"`
	DeletedTable  string `json:"deleted_table"`

	CacheAddr string `json:"cache_addr"`

	AuthoritativeStore string `json:"authoritative_store"`

	CrawlChunkSize           int            `json:"crawl_chunk_size"`
	CrawlPageSize            int            `json:"crawl_page_size"`
	CrawlLeaseTTL            timex.Duration `json:"crawl_lease_ttl"`
	CrawlInterval            timex.Duration `json:"crawl_interval"`
	CrawlAcceleratedInterval timex.Duration `json:"crawl_accelerated_interval"`

	DirectoryUpdatesToHold int64 `json:"directory_updates_to_hold"`

	MigrationConcurrency int `json:"migration_concurrency"`

	MetricsAddr string `json:"metrics_addr"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config command-line
// flags; when neither is set, no JSON file is loaded. If the file cannot be
// read or contains invalid JSON, the function panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	config.DatabaseDSN = c.DatabaseDSN
	config.KVEndpoint = c.KVEndpoint
	config.KVRegion = c.KVRegion
	config.KVAccessKey = c.KVAccessKey
	config.KVSecretKey = c.KVSecretKey
	config.AccountsTable = c.AccountsTable
	config.LoginsTable = c.LoginsTable
	config.MiscTable = c.MiscTable
	config.RetryTable = c.RetryTable
	config.DeletedTable = c.DeletedTable
	config.CacheAddr = c.CacheAddr
	config.AuthoritativeStore = c.AuthoritativeStore
	config.CrawlChunkSize = c.CrawlChunkSize
	config.CrawlPageSize = c.CrawlPageSize
	config.CrawlLeaseTTL = c.CrawlLeaseTTL.Duration
	config.CrawlInterval = c.CrawlInterval.Duration
	config.CrawlAcceleratedInterval = c.CrawlAcceleratedInterval.Duration
	config.DirectoryUpdatesToHold = c.DirectoryUpdatesToHold
	config.MigrationConcurrency = c.MigrationConcurrency
	config.MetricsAddr = c.MetricsAddr
}
