// Package config loads coordinator configuration from environment
// variables, following the teacher's plain-os.Getenv style rather than a
// config-file layer (see SPEC_FULL.md §0.2).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database holds the Order Store's Postgres connection pieces.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// ChainConfig is one entry of the Chains table, keyed by chain-id (spec
// §6 "confirmationsPerChain"/"minSafetyDepositPerChain" generalize the
// teacher's hardcoded Ethereum/Sui pair into this map).
type ChainConfig struct {
	ChainID           string
	HTTPUrl           string
	PrivateKey        string
	EscrowFactory     string
	GasLimit          uint64
	GasPriceGwei      int64
	BlockTime         time.Duration
	FinalityDepth     uint64
	Confirmations     uint64
	MinSafetyDeposit  int64 // wei/base-units
}

// API is the control-plane HTTP server configuration.
type API struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Coordinator is the spec §6 "Configuration (enumerated)" list.
type Coordinator struct {
	DefaultOrderDuration     time.Duration
	FastAuctionDuration      time.Duration
	ResolverCommitmentWindow time.Duration
	SecretRevealDelay        time.Duration
	CompetitionWindow        time.Duration
	RetentionDays            int
	ReaperInterval           time.Duration
	QuoteTolerance           int64 // spec §9 Open Question (c); default 0
	MaxConcurrentSettlements int
}

// Bus configures the Message Bus (C3) transport.
type Bus struct {
	URL              string
	OrderSubject     string
	SecretSubject    string
}

// Logging configures the ambient zap logger (SPEC_FULL.md §0.3).
type Logging struct {
	Level    string
	Encoding string // "json" or "console"
}

type Config struct {
	Database    Database
	Chains      map[string]ChainConfig
	API         API
	Coordinator Coordinator
	Bus         Bus
	Logging     Logging
}

// Load loads configuration from environment variables. Chain entries are
// discovered from COORDINATOR_CHAIN_IDS (comma-separated) and each chain's
// fields read from CHAIN_<ID>_* variables, generalizing the teacher's
// fixed ETH_*/SUI_* blocks into an arbitrary-width table.
func Load() (*Config, error) {
	chainIDs := strings.Split(getEnv("COORDINATOR_CHAIN_IDS", "84532,421614"), ",")
	chains := make(map[string]ChainConfig, len(chainIDs))
	for _, id := range chainIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		prefix := "CHAIN_" + id + "_"
		chains[id] = ChainConfig{
			ChainID:          id,
			HTTPUrl:          getEnvRequired(prefix + "HTTP_URL"),
			PrivateKey:       getEnvRequired(prefix + "PRIVATE_KEY"),
			EscrowFactory:    getEnvRequired(prefix + "ESCROW_FACTORY"),
			GasLimit:         getEnvUint64(prefix+"GAS_LIMIT", 500_000),
			GasPriceGwei:     getEnvInt64(prefix+"GAS_PRICE_GWEI", 0),
			BlockTime:        getEnvDuration(prefix+"BLOCK_TIME", 2*time.Second),
			FinalityDepth:    getEnvUint64(prefix+"FINALITY_DEPTH", 1),
			Confirmations:    getEnvUint64(prefix+"CONFIRMATIONS", 1),
			MinSafetyDeposit: getEnvInt64(prefix+"MIN_SAFETY_DEPOSIT", 1_000_000_000_000_000),
		}
	}

	return &Config{
		Database: Database{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "coordinator"),
			Password: getEnvRequired("DB_PASSWORD"),
			DBName:   getEnv("DB_NAME", "coordinator"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Chains: chains,
		API: API{
			Host:            getEnv("API_HOST", "localhost"),
			Port:            getEnvInt("API_PORT", 8080),
			ReadTimeout:     getEnvDuration("API_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("API_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getEnvDuration("API_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Coordinator: Coordinator{
			DefaultOrderDuration:     getEnvDuration("COORDINATOR_DEFAULT_ORDER_DURATION", 300*time.Second),
			FastAuctionDuration:      getEnvDuration("COORDINATOR_FAST_AUCTION_DURATION", 60*time.Second),
			ResolverCommitmentWindow: getEnvDuration("COORDINATOR_COMMITMENT_WINDOW", 300*time.Second),
			SecretRevealDelay:        getEnvDuration("COORDINATOR_SECRET_REVEAL_DELAY", 10*time.Second),
			CompetitionWindow:        getEnvDuration("COORDINATOR_COMPETITION_WINDOW", 300*time.Second),
			RetentionDays:            getEnvInt("COORDINATOR_RETENTION_DAYS", 30),
			ReaperInterval:           getEnvDuration("COORDINATOR_REAPER_INTERVAL", 10*time.Second),
			QuoteTolerance:           getEnvInt64("COORDINATOR_QUOTE_TOLERANCE", 0),
			MaxConcurrentSettlements: getEnvInt("COORDINATOR_MAX_CONCURRENT_SETTLEMENTS", 100),
		},
		Bus: Bus{
			URL:           getEnv("BUS_URL", "nats://localhost:4222"),
			OrderSubject:  getEnv("BUS_ORDER_SUBJECT", "coordinator.orders"),
			SecretSubject: getEnv("BUS_SECRET_SUBJECT", "coordinator.secrets"),
		},
		Logging: Logging{
			Level:    getEnv("LOG_LEVEL", "info"),
			Encoding: getEnv("LOG_ENCODING", "json"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvRequired(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic("required environment variable " + key + " is not set")
	}
	return value
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
	}
	return defaultValue
}
