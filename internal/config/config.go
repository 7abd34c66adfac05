package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the full service configuration: the YAML file merged over
// defaults, then environment overrides. Secrets are only read from the
// environment.
type AppConfig struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	Chain    ChainConfig    `yaml:"chain"`
	Fees     FeeConfig      `yaml:"fees"`
	Pots     PotConfig      `yaml:"pots"`
	Retry    RetryConfig    `yaml:"retry"`
	Notify   NotifyConfig   `yaml:"notify"`
	Price    PriceConfig    `yaml:"price"`
	Log      LogConfig      `yaml:"log"`

	Secrets Secrets `yaml:"-"`
}

type ServiceConfig struct {
	HTTPPort          int           `yaml:"httpPort"`
	HMACClockSkew     time.Duration `yaml:"hmacClockSkew"`
	IdempotencyWindow time.Duration `yaml:"idempotencyWindow"`
	WorkerID          string        `yaml:"workerId"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	JobLease          time.Duration `yaml:"jobLease"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	// DSN empty selects the in-memory store.
	DSN string `yaml:"-"`
}

type ChainConfig struct {
	// RPCURL empty selects the in-memory fake ledger.
	RPCURL         string        `yaml:"-"`
	ChainID        int64         `yaml:"chainId"`
	BatchContract  string        `yaml:"batchContract"`
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	RPCTimeout     time.Duration `yaml:"rpcTimeout"`
	Assets         []AssetConfig `yaml:"assets"`
}

type AssetConfig struct {
	ID       string `yaml:"id"`
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
	Contract string `yaml:"contract"`
	// Slot is "native", "a" or "b".
	Slot string `yaml:"slot"`
}

// FeeConfig amounts are native base units, kept as strings so 18-decimal
// values survive YAML.
type FeeConfig struct {
	PerRecipientFee   string `yaml:"perRecipientFee"`
	ReserveBuffer     string `yaml:"reserveBuffer"`
	AccountOpenCost   string `yaml:"accountOpenCost"`
	DefaultRecipients int    `yaml:"defaultRecipients"`
}

type PotConfig struct {
	MinDuration       time.Duration `yaml:"minDuration"`
	MaxDuration       time.Duration `yaml:"maxDuration"`
	MaxParticipants   int           `yaml:"maxParticipants"`
	ShortPotThreshold time.Duration `yaml:"shortPotThreshold"`
	SweepBatch        int           `yaml:"sweepBatch"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	BackoffMultiplier int           `yaml:"backoffMultiplier"`
	// ConfirmAttempts is the extra lease budget for a submitted transfer
	// whose confirmation is still outstanding.
	ConfirmAttempts int `yaml:"confirmAttempts"`
}

type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookUrl"`
	RPS        float64       `yaml:"rps"`
	Burst      int           `yaml:"burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

type PriceConfig struct {
	FeedURL   string        `yaml:"feedUrl"`
	CacheTTL  time.Duration `yaml:"cacheTtl"`
	CacheSize int           `yaml:"cacheSize"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type Secrets struct {
	VaultMasterKey []byte
	APIHMACSecret  string
	WebhookSecret  string
}

const defaultConfigPath = "configs/potrails.yaml"

// Defaults returns the built-in configuration used under the YAML file.
func Defaults() AppConfig {
	return AppConfig{
		Service: ServiceConfig{
			HTTPPort:          3000,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: 24 * time.Hour,
			PollInterval:      time.Second,
			SweepInterval:     15 * time.Second,
			JobLease:          5 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		Chain: ChainConfig{
			ChainID:        31337,
			ConfirmTimeout: 2 * time.Minute,
			PollInterval:   2 * time.Second,
			RPCTimeout:     10 * time.Second,
			Assets: []AssetConfig{
				{ID: "eth", Symbol: "ETH", Decimals: 18, Slot: "native"},
			},
		},
		Fees: FeeConfig{
			PerRecipientFee:   "0",
			ReserveBuffer:     "0",
			AccountOpenCost:   "0",
			DefaultRecipients: 10,
		},
		Pots: PotConfig{
			MinDuration:       10 * time.Second,
			MaxDuration:       7 * 24 * time.Hour,
			MaxParticipants:   100,
			ShortPotThreshold: 5 * time.Minute,
			SweepBatch:        50,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2,
			ConfirmAttempts:   10,
		},
		Notify: NotifyConfig{RPS: 1, Burst: 5, Timeout: 5 * time.Second},
		Price:  PriceConfig{CacheTTL: time.Minute, CacheSize: 64},
		Log:    LogConfig{Format: "json", Level: "info"},
	}
}

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	cfg := Defaults()

	path := envOr("POTRAILS_CONFIG", defaultConfigPath)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		// Defaults plus environment are a complete dev configuration.
	default:
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyEnv(&cfg)
	if err := loadSecrets(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACClockSkew = envOrDuration("HMAC_CLOCK_SKEW", cfg.Service.HMACClockSkew)
	cfg.Service.WorkerID = envOr("WORKER_ID", cfg.Service.WorkerID)
	cfg.Database.DSN = envOr("DATABASE_URL", cfg.Database.DSN)
	cfg.Chain.RPCURL = envOr("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.BatchContract = envOr("CHAIN_BATCH_CONTRACT", cfg.Chain.BatchContract)
	cfg.Notify.WebhookURL = envOr("NOTIFY_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Price.FeedURL = envOr("PRICE_FEED_URL", cfg.Price.FeedURL)
	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("LOG_FORMAT", cfg.Log.Format)
}

func loadSecrets(cfg *AppConfig) error {
	if raw := envOr("VAULT_MASTER_KEY", ""); raw != "" {
		key, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return fmt.Errorf("VAULT_MASTER_KEY must be hex: %w", err)
		}
		cfg.Secrets.VaultMasterKey = key
	}
	cfg.Secrets.APIHMACSecret = envOr("API_HMAC_SECRET", "")
	cfg.Secrets.WebhookSecret = envOr("NOTIFY_WEBHOOK_SECRET", "")
	return nil
}

// Validate fails fast on configuration the service cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if len(c.Secrets.VaultMasterKey) != 32 {
		errs = append(errs, fmt.Errorf("VAULT_MASTER_KEY must be 32 bytes (64 hex chars)"))
	}
	if c.Secrets.APIHMACSecret == "" {
		errs = append(errs, fmt.Errorf("API_HMAC_SECRET is required"))
	}
	if c.Notify.WebhookURL != "" && c.Secrets.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required with a webhook url"))
	}
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.httpPort %d out of range", c.Service.HTTPPort))
	}
	for name, d := range map[string]time.Duration{
		"service.pollInterval":  c.Service.PollInterval,
		"service.sweepInterval": c.Service.SweepInterval,
		"service.jobLease":      c.Service.JobLease,
		"chain.confirmTimeout":  c.Chain.ConfirmTimeout,
		"chain.pollInterval":    c.Chain.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Pots.MinDuration <= 0 || c.Pots.MaxDuration < c.Pots.MinDuration {
		errs = append(errs, fmt.Errorf("pots.minDuration/maxDuration are inconsistent"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.maxAttempts must be positive"))
	}
	if c.Retry.ConfirmAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.confirmAttempts must be positive"))
	}
	// A token batch may wait for an approval and then for the transfer.
	if c.Service.JobLease <= 2*c.Chain.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("service.jobLease %s must exceed twice chain.confirmTimeout %s",
			c.Service.JobLease, c.Chain.ConfirmTimeout))
	}
	if c.Fees.DefaultRecipients < 1 {
		errs = append(errs, fmt.Errorf("fees.defaultRecipients must be at least 1"))
	}
	natives := 0
	for _, a := range c.Chain.Assets {
		switch strings.ToLower(a.Slot) {
		case "native":
			natives++
		case "a", "b":
			if a.Contract == "" {
				errs = append(errs, fmt.Errorf("asset %q needs a contract address", a.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("asset %q has unknown slot %q", a.ID, a.Slot))
		}
	}
	if natives != 1 {
		errs = append(errs, fmt.Errorf("chain.assets needs exactly one native asset, found %d", natives))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
