// Package config loads daemon settings from the environment, an optional
// .env file and an optional YAML overlay.
package config

import (
	fpmath "MiniPerps/internal/math"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Store
	StoreBackend  string `yaml:"store_backend"`
	LevelDBPath   string `yaml:"leveldb_path"`
	PostgresURL   string `yaml:"postgres_dsn"`
	MigrationsDir string `yaml:"migrations_dir"`

	// NATS; an empty URL disables the price feed and the publisher
	NATSURL       string `yaml:"nats_url"`
	PriceSubject  string `yaml:"price_subject"`
	PriceConsumer string `yaml:"price_consumer"`
	EventsSubject string `yaml:"events_subject"`

	// gRPC/HTTP/Metrics
	GRPCAddr    string `yaml:"grpc_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Identity
	JWTSecret       string `yaml:"jwt_secret"`
	Authority       string `yaml:"authority"`
	KeeperID        string `yaml:"keeper_id"`
	CollateralAsset string `yaml:"collateral_asset"`
	// Bootstrap initializes the protocol on start if the store is empty.
	Bootstrap bool `yaml:"bootstrap"`

	// CustodyOpeningBalance enables the in-process bank; every new wallet
	// starts with this many collateral units ("10000.5"). Empty disables
	// custody transfers.
	CustodyOpeningBalance string `yaml:"custody_opening_balance"`

	// Keepers; zero disables
	FundingInterval     time.Duration `yaml:"funding_interval"`
	LiquidationInterval time.Duration `yaml:"liquidation_interval"`

	// Rate limit per caller
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// Channels
	CommandQueueSize   int `yaml:"command_queue_size"`
	PersistChanSize    int `yaml:"persist_chan_size"`
	ProjectionChanSize int `yaml:"projection_chan_size"`
	PublishChanSize    int `yaml:"publish_chan_size"`

	// Persistence worker
	PersistBatchSize    int           `yaml:"persist_batch_size"`
	PersistFlushTimeout time.Duration `yaml:"persist_flush_timeout"`

	// Snapshot every N events; 0 disables
	SnapshotInterval int64 `yaml:"snapshot_interval"`

	// LRU
	IdempotencyLRUCapacity int `yaml:"idempotency_lru_capacity"`

	FundingHistoryCapacity int `yaml:"funding_history_capacity"`
}

func DefaultConfig() Config {
	return Config{
		StoreBackend:           envOrDefault("PERP_STORE_BACKEND", BackendMemory),
		LevelDBPath:            envOrDefault("PERP_LEVELDB_PATH", "data/state"),
		PostgresURL:            envOrDefault("PERP_POSTGRES_DSN", ""),
		MigrationsDir:          envOrDefault("PERP_MIGRATIONS_DIR", "migrations"),
		NATSURL:                envOrDefault("PERP_NATS_URL", ""),
		PriceSubject:           envOrDefault("PERP_PRICE_SUBJECT", "perp.oracle.price"),
		PriceConsumer:          envOrDefault("PERP_PRICE_CONSUMER", "perpd-price-feed"),
		EventsSubject:          envOrDefault("PERP_EVENTS_SUBJECT", "perp.engine.events"),
		GRPCAddr:               envOrDefault("PERP_GRPC_ADDR", ":9090"),
		HTTPAddr:               envOrDefault("PERP_HTTP_ADDR", ":8080"),
		MetricsAddr:            envOrDefault("PERP_METRICS_ADDR", ":9091"),
		JWTSecret:              envOrDefault("PERP_JWT_SECRET", ""),
		Authority:              envOrDefault("PERP_AUTHORITY", ""),
		KeeperID:               envOrDefault("PERP_KEEPER_ID", ""),
		CollateralAsset:        envOrDefault("PERP_COLLATERAL_ASSET", "USDC"),
		Bootstrap:              envBoolOrDefault("PERP_BOOTSTRAP", false),
		CustodyOpeningBalance:  envOrDefault("PERP_CUSTODY_OPENING_BALANCE", ""),
		FundingInterval:        envDurationOrDefault("PERP_FUNDING_INTERVAL", time.Minute),
		LiquidationInterval:    envDurationOrDefault("PERP_LIQUIDATION_INTERVAL", 5*time.Second),
		RateLimitRPS:           envFloatOrDefault("PERP_RATE_LIMIT_RPS", 50),
		RateLimitBurst:         envIntOrDefault("PERP_RATE_LIMIT_BURST", 100),
		CommandQueueSize:       envIntOrDefault("PERP_COMMAND_QUEUE_SIZE", 256),
		PersistChanSize:        envIntOrDefault("PERP_PERSIST_CHAN_SIZE", 1024),
		ProjectionChanSize:     envIntOrDefault("PERP_PROJECTION_CHAN_SIZE", 2048),
		PublishChanSize:        envIntOrDefault("PERP_PUBLISH_CHAN_SIZE", 2048),
		PersistBatchSize:       envIntOrDefault("PERP_PERSIST_BATCH_SIZE", 50),
		PersistFlushTimeout:    envDurationOrDefault("PERP_PERSIST_FLUSH_TIMEOUT", 10*time.Millisecond),
		SnapshotInterval:       int64(envIntOrDefault("PERP_SNAPSHOT_INTERVAL", 100_000)),
		IdempotencyLRUCapacity: envIntOrDefault("PERP_IDEMPOTENCY_LRU_CAPACITY", 1_000_000),
		FundingHistoryCapacity: envIntOrDefault("PERP_FUNDING_HISTORY_CAPACITY", 1024),
	}
}

// Load reads .env (if present), builds the environment defaults, overlays
// the YAML file at path (or $PERP_CONFIG) and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("PERP_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var problems []string

	switch c.StoreBackend {
	case BackendMemory:
	case BackendLevelDB:
		if c.LevelDBPath == "" {
			problems = append(problems, "leveldb_path is required for the leveldb backend")
		}
	case BackendPostgres:
		if c.PostgresURL == "" {
			problems = append(problems, "postgres_dsn is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("store_backend %q must be memory, leveldb or postgres", c.StoreBackend))
	}

	if c.Authority != "" {
		if id, err := uuid.Parse(c.Authority); err != nil || id == uuid.Nil {
			problems = append(problems, fmt.Sprintf("authority %q is not a uuid", c.Authority))
		}
	}
	if c.KeeperID != "" {
		if id, err := uuid.Parse(c.KeeperID); err != nil || id == uuid.Nil {
			problems = append(problems, fmt.Sprintf("keeper_id %q is not a uuid", c.KeeperID))
		}
	}
	if c.Bootstrap && c.Authority == "" {
		problems = append(problems, "bootstrap requires authority")
	}
	if c.NATSURL != "" && c.Authority == "" {
		problems = append(problems, "the price feed requires authority")
	}
	if c.CustodyOpeningBalance != "" {
		if _, ok := fpmath.QuoteConfig.Parse(c.CustodyOpeningBalance); !ok {
			problems = append(problems, fmt.Sprintf("custody_opening_balance %q is not a decimal amount", c.CustodyOpeningBalance))
		}
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		problems = append(problems, "jwt_secret must be at least 32 bytes")
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		problems = append(problems, "rate_limit_rps and rate_limit_burst must be positive")
	}
	if c.CommandQueueSize <= 0 || c.PersistChanSize <= 0 || c.ProjectionChanSize <= 0 || c.PublishChanSize <= 0 {
		problems = append(problems, "channel sizes must be positive")
	}
	if c.PersistBatchSize <= 0 || c.PersistFlushTimeout <= 0 {
		problems = append(problems, "persist_batch_size and persist_flush_timeout must be positive")
	}
	if c.FundingInterval < 0 || c.LiquidationInterval < 0 || c.SnapshotInterval < 0 {
		problems = append(problems, "intervals must not be negative")
	}
	if c.IdempotencyLRUCapacity <= 0 {
		problems = append(problems, "idempotency_lru_capacity must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// AuthorityID returns the configured authority, uuid.Nil if unset.
func (c Config) AuthorityID() uuid.UUID {
	id, _ := uuid.Parse(c.Authority)
	return id
}

// OpeningBalance returns the parsed custody opening balance and whether
// custody is enabled.
func (c Config) OpeningBalance() (uint64, bool) {
	if c.CustodyOpeningBalance == "" {
		return 0, false
	}
	return fpmath.QuoteConfig.Parse(c.CustodyOpeningBalance)
}

// KeeperUUID returns the keeper identity, falling back to the authority.
func (c Config) KeeperUUID() uuid.UUID {
	if id, err := uuid.Parse(c.KeeperID); err == nil && id != uuid.Nil {
		return id
	}
	return c.AuthorityID()
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
