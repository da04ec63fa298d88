package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the bridge process.
type Config struct {
	Broker  Broker  `yaml:"broker"`
	Storage Storage `yaml:"storage"`
	Trading Trading `yaml:"trading"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
}

// Broker holds the brokerage account and endpoint settings.
type Broker struct {
	ClientID          string `yaml:"client_id"`
	AccountID         string `yaml:"account_id"`
	BaseURL           string `yaml:"base_url"`
	AuthURL           string `yaml:"auth_url"`
	RedirectURI       string `yaml:"redirect_uri"`
	FundInfoURL       string `yaml:"fund_info_url"`
	Currency          string `yaml:"currency"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DBPath    string `yaml:"db_path"`
	TokenFile string `yaml:"token_file"`
}

// Trading holds order-handling policies.
type Trading struct {
	SellPolicy        string        `yaml:"sell_policy"`
	FundLookupFailure string        `yaml:"fund_lookup_failure"`
	TestMode          bool          `yaml:"test_mode"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// Server holds the bridge HTTP listener configuration.
type Server struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Defaults returns a configuration with every field populated.
func Defaults() *Config {
	return &Config{
		Broker: Broker{
			BaseURL:           "https://api.tdameritrade.com/v1",
			AuthURL:           "https://auth.tdameritrade.com/auth",
			RedirectURI:       "http://127.0.0.1",
			Currency:          "USD",
			RequestsPerMinute: 120,
		},
		Storage: Storage{
			DBPath:    "brokerbridge.db",
			TokenFile: "token.dat",
		},
		Trading: Trading{
			SellPolicy:        "adjust",
			FundLookupFailure: "accept",
			ReconcileInterval: 5 * time.Minute,
		},
		Server: Server{
			Port: 8080,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads the YAML configuration file at the given path on top of
// Defaults, then applies environment variable overrides. A missing file
// leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BRIDGE_CLIENT_ID"); v != "" {
		cfg.Broker.ClientID = v
	}
	if v := os.Getenv("BRIDGE_ACCOUNT_ID"); v != "" {
		cfg.Broker.AccountID = v
	}
	if v := os.Getenv("BRIDGE_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("BRIDGE_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("BRIDGE_TOKEN_FILE"); v != "" {
		cfg.Storage.TokenFile = v
	}
	if v := os.Getenv("BRIDGE_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}
