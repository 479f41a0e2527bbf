package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fiatbridge/internal/core"
	"fiatbridge/internal/logging"
)

type Environment string

const (
	EnvProduction Environment = "production"
	EnvBroker     Environment = "broker"
	EnvFutures    Environment = "futures"
)

var restBaseURLs = map[Environment]string{
	EnvProduction: "https://api.kucoin.com",
	EnvBroker:     "https://api-broker.kucoin.com",
	EnvFutures:    "https://api-futures.kucoin.com",
}

type Config struct {
	Environment Environment      `yaml:"environment"`
	Credentials CredentialConfig `yaml:"credentials"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	Bridge      BridgeConfig     `yaml:"bridge"`
	Session     SessionConfig    `yaml:"session"`
	State       StateConfig      `yaml:"state"`
	Safety      SafetyConfig     `yaml:"safety"`
	Alerts      AlertConfig      `yaml:"alerts"`
	Logging     logging.Config   `yaml:"logging"`
}

type CredentialConfig struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
}

type ExchangeConfig struct {
	RestBaseURL    string `yaml:"rest_base_url"`
	WSURLOverride  string `yaml:"ws_url_override"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
	MaxRetries     int    `yaml:"max_retries"`
}

type BridgeConfig struct {
	FiatCurrency        string  `yaml:"fiat_currency"`
	BridgeAsset         string  `yaml:"bridge_asset"`
	Symbol              string  `yaml:"symbol"`
	Chain               string  `yaml:"chain"`
	DestinationAddress  string  `yaml:"destination_address"`
	MinDeposit          Decimal `yaml:"min_deposit"`
	MaxDeposit          Decimal `yaml:"max_deposit"`
	AutoConvert         bool    `yaml:"auto_convert"`
	SerializeFlows      bool    `yaml:"serialize_flows"`
	BridgeWaitSec       int64   `yaml:"bridge_wait_sec"`
	BalancePollSec      int64   `yaml:"balance_poll_sec"`
	BalancePollAttempts int     `yaml:"balance_poll_attempts"`
}

type SessionConfig struct {
	ConnectTimeoutSec    int64 `yaml:"connect_timeout_sec"`
	ReconnectDelaySec    int64 `yaml:"reconnect_delay_sec"`
	MaxReconnectAttempts int   `yaml:"max_reconnect_attempts"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type SafetyConfig struct {
	Enabled         bool `yaml:"enabled"`
	MaxFlowFailures int  `yaml:"max_flow_failures"`
}

type AlertConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

// Load reads the YAML config, applies .env / environment overrides for
// secrets, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return load(f)
}

func load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment: EnvProduction,
		Exchange: ExchangeConfig{
			HTTPTimeoutSec: 15,
			MaxRetries:     3,
		},
		Bridge: BridgeConfig{
			FiatCurrency:        "USD",
			BridgeAsset:         "USDT",
			Chain:               "TRC20",
			BridgeWaitSec:       10,
			BalancePollSec:      2,
			BalancePollAttempts: 10,
		},
		Session: SessionConfig{
			ConnectTimeoutSec:    10,
			ReconnectDelaySec:    5,
			MaxReconnectAttempts: 5,
		},
		Safety: SafetyConfig{
			Enabled:         true,
			MaxFlowFailures: 3,
		},
	}
}

// applyEnv lets environment variables override secrets so credentials
// can stay out of the YAML file. A .env alongside the process is honored.
func (c *Config) applyEnv() {
	_ = godotenv.Load()
	if v := os.Getenv("FIATBRIDGE_API_KEY"); v != "" {
		c.Credentials.APIKey = v
	}
	if v := os.Getenv("FIATBRIDGE_API_SECRET"); v != "" {
		c.Credentials.APISecret = v
	}
	if v := os.Getenv("FIATBRIDGE_PASSPHRASE"); v != "" {
		c.Credentials.Passphrase = v
	}
	if v := os.Getenv("FIATBRIDGE_TELEGRAM_BOT_TOKEN"); v != "" {
		c.Alerts.Telegram.BotToken = v
	}
}

func (c *Config) validate() error {
	switch c.Environment {
	case EnvProduction, EnvBroker, EnvFutures:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Exchange.RestBaseURL != "" {
		if _, err := url.Parse(c.Exchange.RestBaseURL); err != nil {
			return fmt.Errorf("invalid rest_base_url: %w", err)
		}
	}
	if c.Bridge.FiatCurrency == "" || c.Bridge.BridgeAsset == "" {
		return errors.New("bridge.fiat_currency and bridge.bridge_asset required")
	}
	if strings.EqualFold(c.Bridge.FiatCurrency, c.Bridge.BridgeAsset) {
		return errors.New("bridge.fiat_currency must differ from bridge.bridge_asset")
	}
	if !c.Bridge.MaxDeposit.IsZero() && c.Bridge.MaxDeposit.LessThan(c.Bridge.MinDeposit.Decimal) {
		return errors.New("bridge.max_deposit must be >= bridge.min_deposit")
	}
	if c.Bridge.AutoConvert && c.Bridge.DestinationAddress == "" {
		return errors.New("bridge.destination_address required when auto_convert is enabled")
	}
	if c.Session.MaxReconnectAttempts < 1 {
		return errors.New("session.max_reconnect_attempts must be >= 1")
	}
	if c.Alerts.Telegram.Enabled && (c.Alerts.Telegram.BotToken == "" || c.Alerts.Telegram.ChatID == "") {
		return errors.New("telegram alerts enabled but bot_token/chat_id missing")
	}
	return nil
}

// RestBaseURL resolves the REST base for the configured environment,
// honoring the explicit override.
func (c *Config) RestBaseURL() string {
	if c.Exchange.RestBaseURL != "" {
		return strings.TrimRight(c.Exchange.RestBaseURL, "/")
	}
	return restBaseURLs[c.Environment]
}

func (c *Config) Symbol() string {
	if c.Bridge.Symbol != "" {
		return c.Bridge.Symbol
	}
	return strings.ToUpper(c.Bridge.BridgeAsset) + "-" + strings.ToUpper(c.Bridge.FiatCurrency)
}

func (c *Config) CoreCredentials() core.Credentials {
	return core.Credentials{
		Key:         c.Credentials.APIKey,
		Secret:      c.Credentials.APISecret,
		Passphrase:  c.Credentials.Passphrase,
		Environment: string(c.Environment),
	}
}
