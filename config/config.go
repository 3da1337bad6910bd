package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ilyakaznacheev/cleanenv"
)

// minJWTSecretLen is the shortest HS256 session secret accepted.
const minJWTSecretLen = 32

type Config struct {
	// Server configuration
	Port        string   `env:"PORT" env-default:"8080"`
	LogLevel    string   `env:"LOG_LEVEL" env-default:"info"`
	CORSOrigins []string `env:"CORS_ORIGINS" env-default:"http://localhost:3000"`

	// Ledger configuration. RPCURLs are tried in the listed order.
	RPCURLs             []string      `env:"RPC_URLS" env-default:"https://base-sepolia-rpc.publicnode.com"`
	TicketContract      string        `env:"TICKET_CONTRACT"`
	MarketplaceContract string        `env:"MARKETPLACE_CONTRACT"`
	TicketDeployBlock   uint64        `env:"TICKET_DEPLOY_BLOCK" env-default:"0"`
	ChainID             int64         `env:"CHAIN_ID" env-default:"84532"`
	LedgerCallTimeout   time.Duration `env:"LEDGER_CALL_TIMEOUT" env-default:"5s"`
	LedgerRetries       int           `env:"LEDGER_RETRIES" env-default:"2"`

	// Discovery and scanning
	DiscoveryLogWindow   uint64 `env:"DISCOVERY_LOG_WINDOW" env-default:"50000"`
	DiscoveryConcurrency int    `env:"DISCOVERY_CONCURRENCY" env-default:"8"`
	ScanBatchSize        uint64 `env:"SCAN_BATCH_SIZE" env-default:"100"`
	ScanIDCeiling        uint64 `env:"SCAN_ID_CEILING" env-default:"10000"`

	// Resale
	ApprovalPollAttempts int           `env:"APPROVAL_POLL_ATTEMPTS" env-default:"5"`
	ApprovalPollInterval time.Duration `env:"APPROVAL_POLL_INTERVAL" env-default:"500ms"`
	SignerKey            string        `env:"SIGNER_KEY"`

	// Entry
	EntryGrace time.Duration `env:"ENTRY_GRACE" env-default:"24h"`

	// Authentication
	NonceTTL           time.Duration `env:"NONCE_TTL" env-default:"10m"`
	NonceSweepInterval time.Duration `env:"NONCE_SWEEP_INTERVAL" env-default:"1h"`
	JWTSecret          string        `env:"JWT_SECRET"`
	SessionTTL         time.Duration `env:"SESSION_TTL" env-default:"24h"`

	// Storage. Both are optional; in-process stores are used when empty.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Identity lookup
	IdentityURL string `env:"IDENTITY_URL"`
}

// Load reads the environment into a Config. Values from a .env file must
// already be in the environment (see godotenv in main).
func Load() (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	urls := c.RPCURLs[:0]
	for _, u := range c.RPCURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	c.RPCURLs = urls
}

func (c *Config) Validate() error {
	if len(c.RPCURLs) == 0 {
		return errors.New("config error: RPC_URLS must list at least one endpoint")
	}
	if !common.IsHexAddress(c.TicketContract) {
		return fmt.Errorf("config error: invalid TICKET_CONTRACT %q", c.TicketContract)
	}
	if !common.IsHexAddress(c.MarketplaceContract) {
		return fmt.Errorf("config error: invalid MARKETPLACE_CONTRACT %q", c.MarketplaceContract)
	}
	if len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("config error: JWT_SECRET must be at least %d characters", minJWTSecretLen)
	}
	if c.NonceSweepInterval <= c.NonceTTL {
		return fmt.Errorf("config error: NONCE_SWEEP_INTERVAL (%s) must exceed NONCE_TTL (%s)", c.NonceSweepInterval, c.NonceTTL)
	}
	if c.ScanBatchSize == 0 || c.ScanIDCeiling == 0 {
		return errors.New("config error: SCAN_BATCH_SIZE and SCAN_ID_CEILING must be positive")
	}
	if c.ApprovalPollAttempts <= 0 {
		return errors.New("config error: APPROVAL_POLL_ATTEMPTS must be positive")
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
