// Package config loads the launcher configuration from the environment.
// Non-secret values carry defaults; addresses and credentials are required
// and fail startup when absent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

// Network describes one configured chain the launcher can target.
type Network struct {
	ChainID      int
	Name         string
	RPCURL       string
	TokenAddress string
	FactoryAddr  string
	OperatorAddr string
	OperatorKey  string
}

// Config is the full launcher configuration.
type Config struct {
	Port        int
	Environment string
	LogLevel    string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string

	StorageEndpoint  string
	StorageRegion    string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageUseSSL    bool

	FeePercentage              int
	RecordingOracleAddress     string
	ReputationOracleAddress    string
	RecordingOracleFeePercent  int
	ReputationOracleFeePercent int
	ExchangeOracleWebhookURL   string
	TrustedHandlers            []string

	ExchangeRateURL string
	RateCacheTTL    time.Duration

	SweepInterval time.Duration
	SweepChunk    int
	MaxRetries    int
	StuckTimeout  time.Duration

	Networks []Network
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        envInt("PORT", 8080),
		Environment: envStr("ENVIRONMENT", "development"),
		LogLevel:    envStr("LOG_LEVEL", "info"),

		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		StorageEndpoint:  envStr("STORAGE_ENDPOINT_URL", "storage.googleapis.com"),
		StorageRegion:    envStr("STORAGE_REGION", "us-east-1"),
		StorageAccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
		StorageSecretKey: os.Getenv("STORAGE_SECRET_KEY"),
		StorageBucket:    os.Getenv("STORAGE_BUCKET"),
		StorageUseSSL:    envBool("STORAGE_USE_SSL", true),

		FeePercentage:              envInt("JOB_LAUNCHER_FEE", 10),
		RecordingOracleAddress:     os.Getenv("RECORDING_ORACLE_ADDRESS"),
		ReputationOracleAddress:    os.Getenv("REPUTATION_ORACLE_ADDRESS"),
		RecordingOracleFeePercent:  envInt("RECORDING_ORACLE_FEE", 10),
		ReputationOracleFeePercent: envInt("REPUTATION_ORACLE_FEE", 10),
		ExchangeOracleWebhookURL:   os.Getenv("EXCHANGE_ORACLE_WEBHOOK_URL"),
		TrustedHandlers:            envList("TRUSTED_HANDLERS"),

		ExchangeRateURL: envStr("EXCHANGE_RATE_URL", "https://api.coingecko.com/api/v3/simple/price?ids=human-protocol&vs_currencies=usd"),
		RateCacheTTL:    envDuration("RATE_CACHE_TTL", 5*time.Minute),

		SweepInterval: envDuration("SWEEP_INTERVAL", time.Minute),
		SweepChunk:    envInt("SWEEP_CHUNK_SIZE", 5),
		MaxRetries:    envInt("LAUNCH_MAX_RETRIES", 5),
		StuckTimeout:  envDuration("PAID_STUCK_TIMEOUT", 30*time.Minute),
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			envStr("PG_USER", "launcher"),
			envStr("PG_PASSWORD", "launcher"),
			envStr("PG_HOST", "localhost"),
			envStr("PG_PORT", "5432"),
			envStr("PG_DB", "job_launcher"),
			envStr("PG_SSLMODE", "disable"),
		)
	}

	cfg.Networks = loadNetworks()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadNetworks reads the per-chain blocks. A network is configured when its
// RPC URL is set.
func loadNetworks() []Network {
	defs := []struct {
		prefix  string
		name    string
		chainID int
	}{
		{"POLYGON_MAINNET", "polygon-mainnet", 137},
		{"POLYGON_MUMBAI", "polygon-mumbai", 80001},
		{"LOCALHOST", "localhost", 1338},
	}

	var nets []Network
	for _, d := range defs {
		rpc := os.Getenv(d.prefix + "_RPC_API_URL")
		if rpc == "" {
			continue
		}
		nets = append(nets, Network{
			ChainID:      envInt(d.prefix+"_CHAIN_ID", d.chainID),
			Name:         d.name,
			RPCURL:       rpc,
			TokenAddress: os.Getenv(d.prefix + "_HMT_ADDRESS"),
			FactoryAddr:  os.Getenv(d.prefix + "_FACTORY_ADDRESS"),
			OperatorAddr: os.Getenv(d.prefix + "_ADDR"),
			OperatorKey:  os.Getenv(d.prefix + "_PRIVATE_KEY"),
		})
	}
	return nets
}

// Validate rejects configurations missing required secrets or addresses.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Port < 1 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.FeePercentage < 0 {
		result = multierror.Append(result, fmt.Errorf("job launcher fee must not be negative"))
	}
	if c.RecordingOracleAddress == "" {
		result = multierror.Append(result, fmt.Errorf("RECORDING_ORACLE_ADDRESS is required"))
	}
	if c.ReputationOracleAddress == "" {
		result = multierror.Append(result, fmt.Errorf("REPUTATION_ORACLE_ADDRESS is required"))
	}
	if c.StorageAccessKey == "" || c.StorageSecretKey == "" {
		result = multierror.Append(result, fmt.Errorf("storage credentials are required"))
	}
	if c.StorageBucket == "" {
		result = multierror.Append(result, fmt.Errorf("STORAGE_BUCKET is required"))
	}
	if len(c.Networks) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one network must be configured"))
	}
	for _, n := range c.Networks {
		if n.TokenAddress == "" {
			result = multierror.Append(result, fmt.Errorf("network %s: token address is required", n.Name))
		}
		if n.FactoryAddr == "" {
			result = multierror.Append(result, fmt.Errorf("network %s: factory address is required", n.Name))
		}
		if n.OperatorAddr == "" || n.OperatorKey == "" {
			result = multierror.Append(result, fmt.Errorf("network %s: operator credentials are required", n.Name))
		}
	}

	return result.ErrorOrNil()
}

// ChainIDs lists the configured chain ids in declaration order.
func (c *Config) ChainIDs() []int {
	ids := make([]int, 0, len(c.Networks))
	for _, n := range c.Networks {
		ids = append(ids, n.ChainID)
	}
	return ids
}

// NetworkByChainID returns the configured network for a chain id.
func (c *Config) NetworkByChainID(chainID int) (Network, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return Network{}, false
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
