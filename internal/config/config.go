package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relayer. It is loaded once at
// startup, validated, and passed by value into every component; nothing
// reads the environment after boot.
type Config struct {
	Database Database
	Ethereum Ethereum
	Sui      Sui
	API      API
	Relayer  Relayer
}

// Database configuration
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// DSN overrides the individual fields when set (DATABASE_URL).
	DSN string
}

// ConnString renders the lib/pq connection string.
func (d Database) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// Ethereum configuration (source chain)
type Ethereum struct {
	HTTPUrl                   string
	PrivateKey                string
	Address                   string // derived from private key when empty
	GasLimit                  uint64
	GasPriceGwei              int64 // 0 means use the network suggestion
	LimitOrderProtocolAddress string
	EscrowFactoryAddress      string
	ChainID                   int64
	BlockTime                 time.Duration
	FinalityDepth             uint64
	SafetyDepositWei          string
	RPCTimeout                time.Duration
}

// Sui configuration (destination chain)
type Sui struct {
	RPCUrl         string
	PrivateKey     string
	Address        string // derived from public key when empty
	NetworkID      uint64
	GasBudget      uint64
	PackageID      string
	CheckpointTime time.Duration
	FinalityDepth  uint64
	RPCTimeout     time.Duration
}

// API configuration
type API struct {
	Port         int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Relayer configuration
type Relayer struct {
	MaxConcurrentOrders     int
	OrderTimeout            time.Duration
	PollInterval            time.Duration
	RetryInterval           time.Duration
	MaxRetries              int
	DefaultSrcTimeoutOffset uint64 // seconds
	DefaultDstTimeoutOffset uint64 // seconds
	EventWatcherBufferSize  int
	ShutdownTimeout         time.Duration
	LogLevel                string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: Database{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "fusion_relayer"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "fusion_relayer"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			DSN:      getEnv("DATABASE_URL", ""),
		},
		Ethereum: Ethereum{
			HTTPUrl:                   getEnv("ETH_HTTP_URL", ""),
			PrivateKey:                getEnv("ETH_PRIVATE_KEY", ""),
			Address:                   getEnv("ETH_ADDRESS", ""),
			GasLimit:                  getEnvUint64("ETH_GAS_LIMIT", 500000),
			GasPriceGwei:              getEnvInt64("ETH_GAS_PRICE", 0),
			LimitOrderProtocolAddress: getEnv("ETH_LIMIT_ORDER_PROTOCOL_ADDRESS", ""),
			EscrowFactoryAddress:      getEnv("ETH_ESCROW_FACTORY_ADDRESS", ""),
			ChainID:                   getEnvInt64("ETH_CHAIN_ID", 1),
			BlockTime:                 getEnvDuration("ETH_BLOCK_TIME", 12*time.Second),
			FinalityDepth:             getEnvUint64("ETH_FINALITY_DEPTH", 6),
			SafetyDepositWei:          getEnv("ETH_SAFETY_DEPOSIT_WEI", "1000000000000000"), // 0.001 ETH
			RPCTimeout:                getEnvDuration("ETH_RPC_TIMEOUT", 30*time.Second),
		},
		Sui: Sui{
			RPCUrl:         getEnv("SUI_RPC_URL", ""),
			PrivateKey:     getEnv("SUI_PRIVATE_KEY", ""),
			Address:        getEnv("SUI_ADDRESS", ""),
			NetworkID:      getEnvUint64("SUI_NETWORK_ID", 2),
			GasBudget:      getEnvUint64("SUI_GAS_BUDGET", 1000000000),
			PackageID:      getEnv("SUI_PACKAGE_ID", ""),
			CheckpointTime: getEnvDuration("SUI_CHECKPOINT_TIME", 4*time.Second),
			FinalityDepth:  getEnvUint64("SUI_FINALITY_DEPTH", 2),
			RPCTimeout:     getEnvDuration("SUI_RPC_TIMEOUT", 30*time.Second),
		},
		API: API{
			Port:         getEnvInt("API_PORT", 8080),
			Host:         getEnv("API_HOST", "localhost"),
			ReadTimeout:  getEnvDuration("API_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("API_WRITE_TIMEOUT", 10*time.Second),
		},
		Relayer: Relayer{
			MaxConcurrentOrders:     getEnvInt("RELAYER_MAX_CONCURRENT_ORDERS", 100),
			OrderTimeout:            getEnvDuration("RELAYER_ORDER_TIMEOUT", 1*time.Hour),
			PollInterval:            getEnvDuration("RELAYER_POLL_INTERVAL", 5*time.Second),
			RetryInterval:           getEnvDuration("RELAYER_RETRY_INTERVAL", 30*time.Second),
			MaxRetries:              getEnvInt("RELAYER_MAX_RETRIES", 3),
			DefaultSrcTimeoutOffset: getEnvUint64("RELAYER_DEFAULT_SRC_TIMEOUT_OFFSET", 420),
			DefaultDstTimeoutOffset: getEnvUint64("RELAYER_DEFAULT_DST_TIMEOUT_OFFSET", 180),
			EventWatcherBufferSize:  getEnvInt("RELAYER_EVENT_WATCHER_BUFFER_SIZE", 100),
			ShutdownTimeout:         getEnvDuration("RELAYER_SHUTDOWN_TIMEOUT", 5*time.Second),
			LogLevel:                getEnv("RELAYER_LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration once, before any component boots.
// Invalid config is a fatal error, never a partial boot.
func (c *Config) Validate() error {
	if c.Database.DSN == "" && c.Database.Password == "" {
		return fmt.Errorf("config: DB_PASSWORD or DATABASE_URL is required")
	}
	if c.Ethereum.HTTPUrl == "" {
		return fmt.Errorf("config: ETH_HTTP_URL is required")
	}
	if _, err := url.Parse(c.Ethereum.HTTPUrl); err != nil {
		return fmt.Errorf("config: invalid ETH_HTTP_URL: %w", err)
	}
	if c.Ethereum.PrivateKey == "" {
		return fmt.Errorf("config: ETH_PRIVATE_KEY is required")
	}
	if c.Ethereum.LimitOrderProtocolAddress == "" {
		return fmt.Errorf("config: ETH_LIMIT_ORDER_PROTOCOL_ADDRESS is required")
	}
	if c.Ethereum.EscrowFactoryAddress == "" {
		return fmt.Errorf("config: ETH_ESCROW_FACTORY_ADDRESS is required")
	}
	if c.Sui.RPCUrl == "" {
		return fmt.Errorf("config: SUI_RPC_URL is required")
	}
	if c.Sui.PrivateKey == "" {
		return fmt.Errorf("config: SUI_PRIVATE_KEY is required")
	}
	if c.Sui.PackageID == "" {
		return fmt.Errorf("config: SUI_PACKAGE_ID is required")
	}
	if c.Relayer.MaxConcurrentOrders <= 0 {
		return fmt.Errorf("config: RELAYER_MAX_CONCURRENT_ORDERS must be positive")
	}
	if c.Relayer.MaxRetries < 0 {
		return fmt.Errorf("config: RELAYER_MAX_RETRIES must not be negative")
	}
	// The destination leg must expire before the source leg with room for
	// both chains to finalize, or atomicity is lost.
	margin := uint64((c.Ethereum.BlockTime*time.Duration(c.Ethereum.FinalityDepth) +
		c.Sui.CheckpointTime*time.Duration(c.Sui.FinalityDepth)) / time.Second)
	if c.Relayer.DefaultSrcTimeoutOffset <= c.Relayer.DefaultDstTimeoutOffset+margin {
		return fmt.Errorf("config: src timeout offset %ds must exceed dst offset %ds plus finality margin %ds",
			c.Relayer.DefaultSrcTimeoutOffset, c.Relayer.DefaultDstTimeoutOffset, margin)
	}
	return nil
}

// FinalityMargin returns the combined finality margin of both chains in
// seconds; deadline validation uses it to enforce deadline ordering.
func (c *Config) FinalityMargin() uint64 {
	return uint64((c.Ethereum.BlockTime*time.Duration(c.Ethereum.FinalityDepth) +
		c.Sui.CheckpointTime*time.Duration(c.Sui.FinalityDepth)) / time.Second)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
