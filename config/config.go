package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Banking provider modes.
const (
	BankingModeMock   = "mock"
	BankingModeRemote = "remote"
)

// Duration wraps time.Duration so TOML files can use "30s" style values.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// APIKey is one key + secret pair accepted by the gateway.
type APIKey struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Banking selects and parameterises the banking provider implementation.
type Banking struct {
	Mode  string `toml:"mode"`
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// SMS controls the best-effort notification queue.
type SMS struct {
	Enabled       bool     `toml:"enabled"`
	QueueCapacity int      `toml:"queue_capacity"`
	MaxAttempts   int      `toml:"max_attempts"`
	Backoff       Duration `toml:"backoff"`
	DrainInterval Duration `toml:"drain_interval"`
}

// RateLimit bounds per-client request rates at the gateway.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"requests_per_minute"`
	Burst             int     `toml:"burst"`
}

// Config captures runtime configuration for the marketplace services.
type Config struct {
	Listen        string    `toml:"listen"`
	Environment   string    `toml:"environment"`
	DatabasePath  string    `toml:"database_path"`
	HoldingWallet string    `toml:"holding_wallet"`
	QRSecret      string    `toml:"qr_secret"`
	Banking       Banking   `toml:"banking"`
	SMS           SMS       `toml:"sms"`
	RateLimit     RateLimit `toml:"rate_limit"`

	// APIKeys come from the environment only; shared secrets do not belong
	// in checked-in TOML.
	APIKeys []APIKey `toml:"-"`
}

// Default returns the configuration used when no file or environment override
// is present.
func Default() Config {
	return Config{
		Listen:        ":8090",
		Environment:   "dev",
		DatabasePath:  "coopmarket.db",
		HoldingWallet: "HOLDING-MAD-001",
		Banking:       Banking{Mode: BankingModeMock},
		SMS: SMS{
			QueueCapacity: 256,
			MaxAttempts:   3,
			Backoff:       Duration{30 * time.Second},
			DrainInterval: Duration{5 * time.Second},
		},
		RateLimit: RateLimit{RequestsPerMinute: 120, Burst: 30},
	}
}

// Load reads the TOML file at path (when non-empty), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := getenv("COOPMARKET_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("COOPMARKET_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := getenv("COOPMARKET_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := getenv("COOPMARKET_HOLDING_WALLET"); v != "" {
		cfg.HoldingWallet = v
	}
	if v := getenv("COOPMARKET_QR_SECRET"); v != "" {
		cfg.QRSecret = v
	}
	if v := getenv("COOPMARKET_BANKING_MODE"); v != "" {
		cfg.Banking.Mode = v
	}
	if v := getenv("COOPMARKET_BANKING_URL"); v != "" {
		cfg.Banking.URL = v
	}
	if v := getenv("COOPMARKET_BANKING_TOKEN"); v != "" {
		cfg.Banking.Token = v
	}
	if v := getenv("COOPMARKET_API_KEYS"); v != "" {
		var entries []APIKey
		if err := json.Unmarshal([]byte(v), &entries); err == nil {
			cfg.APIKeys = entries
		}
	}
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.QRSecret) == "" {
		return errors.New("qr_secret (or COOPMARKET_QR_SECRET) is required")
	}
	if strings.TrimSpace(c.HoldingWallet) == "" {
		return errors.New("holding_wallet is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Banking.Mode)) {
	case BankingModeMock:
	case BankingModeRemote:
		if strings.TrimSpace(c.Banking.URL) == "" {
			return errors.New("banking.url is required in remote mode")
		}
	default:
		return fmt.Errorf("unsupported banking mode %q", c.Banking.Mode)
	}
	for _, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return errors.New("api key entries must include key and secret")
		}
	}
	return nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
