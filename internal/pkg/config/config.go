package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
	PostgresURL          string `env:"POSTGRES_URL,required,notEmpty"`
	PostgresMaxOpenConns int    `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"20"`
	RedisURL             string `env:"REDIS_URL"` // optional, enables the snapshot cache
	AdminServerAddr      string `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`

	Storage   StorageConfig
	Partition PartitionConfig
	Snapshot  SnapshotConfig

	MetadataRedactionFields string        `env:"METADATA_REDACTION_FIELDS" envDefault:"password,token,secret,authorization"`
	APIKeyCacheTTL          time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"5m"`
}

// StorageConfig selects which storage generations receive writes and serve reads.
type StorageConfig struct {
	// UsePartitionedTable routes writes to the partitioned table. When false
	// only the legacy table is used.
	UsePartitionedTable bool `env:"EVENTSTORE_USE_PARTITIONED_TABLE" envDefault:"false"`
	// LegacyDualWrite keeps the legacy table in sync while the partitioned
	// table is primary. Disable once the migration is complete.
	LegacyDualWrite bool `env:"EVENTSTORE_LEGACY_DUAL_WRITE" envDefault:"true"`
	// EnsurePartitionOnWrite checks partition existence inside every append.
	EnsurePartitionOnWrite bool `env:"EVENTSTORE_ENSURE_PARTITION_ON_WRITE" envDefault:"true"`
}

// PartitionConfig bounds partition creation and maintenance.
type PartitionConfig struct {
	MonthsAhead         int           `env:"PARTITION_MONTHS_AHEAD" envDefault:"2"`
	RetentionMonths     int           `env:"PARTITION_RETENTION_MONTHS" envDefault:"18"`
	DetachExpired       bool          `env:"PARTITION_DETACH_EXPIRED" envDefault:"false"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"1h"`
}

// SnapshotConfig controls automatic snapshotting.
type SnapshotConfig struct {
	Frequency int64   `env:"SNAPSHOT_FREQUENCY" envDefault:"100"`
	QueueSize int     `env:"SNAPSHOT_QUEUE_SIZE" envDefault:"256"`
	Workers   int     `env:"SNAPSHOT_WORKERS" envDefault:"2"`
	RateLimit float64 `env:"SNAPSHOT_RATE_LIMIT" envDefault:"20"` // snapshots per second
	SpillDir  string  `env:"SNAPSHOT_SPILL_DIR" envDefault:"./data/snapshot-spill"`
	// SpillSegmentSize and SpillMaxSize bound the spill journal, in bytes.
	SpillSegmentSize int64         `env:"SNAPSHOT_SPILL_SEGMENT_SIZE" envDefault:"1048576"`
	SpillMaxSize     int64         `env:"SNAPSHOT_SPILL_MAX_SIZE" envDefault:"67108864"`
	CacheTTL         time.Duration `env:"SNAPSHOT_CACHE_TTL" envDefault:"10m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RedactionFields returns the configured metadata keys to redact.
func (c *Config) RedactionFields() []string {
	var fields []string
	for _, f := range strings.Split(c.MetadataRedactionFields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}
