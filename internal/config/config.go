package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Log        LogConfig        `yaml:"log"`
	Wallet     WalletConfig     `yaml:"wallet"`
	Rates      RatesConfig      `yaml:"rates"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Settlement SettlementConfig `yaml:"settlement"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// WalletConfig tunes the wallet service itself.
type WalletConfig struct {
	DefaultCurrency string        `yaml:"default_currency"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	BalanceCacheTTL time.Duration `yaml:"balance_cache_ttl"`
}

// RatesConfig describes where conversion rates come from.
// Static rates are keyed "FROM:TO".
type RatesConfig struct {
	Source          string            `yaml:"source"`
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
	Static          map[string]string `yaml:"static"`
}

type NotifierConfig struct {
	Source     string `yaml:"source"`
	Buffer     int    `yaml:"buffer"`
	JournalDir string `yaml:"journal_dir"`
}

type SettlementConfig struct {
	Secret string `yaml:"secret"`
}

const (
	RateSourceStatic = "static"
	RateSourceRedis  = "redis"

	NotifierSourceLocal = "local"
	NotifierSourceKafka = "kafka"
)

// Load reads yaml file, then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	// a missing .env is fine, the process environment still applies
	_ = godotenv.Load()
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if addr := os.Getenv("WALLET_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if brokers := os.Getenv("WALLET_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if port := os.Getenv("WALLET_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if secret := os.Getenv("WALLET_SETTLEMENT_SECRET"); secret != "" {
		c.Settlement.Secret = secret
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Wallet.DefaultCurrency == "" {
		c.Wallet.DefaultCurrency = string(model.USD)
	}
	if c.Wallet.MaxAttempts == 0 {
		c.Wallet.MaxAttempts = 3
	}
	if c.Wallet.RetryInterval == 0 {
		c.Wallet.RetryInterval = 10 * time.Millisecond
	}
	if c.Wallet.BalanceCacheTTL == 0 {
		c.Wallet.BalanceCacheTTL = 5 * time.Minute
	}
	if c.Rates.Source == "" {
		c.Rates.Source = RateSourceStatic
	}
	if c.Rates.RefreshInterval == 0 {
		c.Rates.RefreshInterval = time.Minute
	}
	if c.Notifier.Source == "" {
		c.Notifier.Source = NotifierSourceLocal
	}
	if c.Notifier.Buffer == 0 {
		c.Notifier.Buffer = 256
	}
	if c.Notifier.JournalDir == "" {
		c.Notifier.JournalDir = "./wal/events"
	}
}

// Validate checks values that would otherwise fail deep inside the service.
func (c *Config) Validate() error {
	if _, err := model.ParseCurrency(c.Wallet.DefaultCurrency); err != nil {
		return errors.Wrap(err, "wallet.default_currency")
	}
	if c.Wallet.MaxAttempts < 1 {
		return errors.Errorf("wallet.max_attempts must be >= 1, got %d", c.Wallet.MaxAttempts)
	}
	if c.Notifier.Buffer < 1 {
		return errors.Errorf("notifier.buffer must be >= 1, got %d", c.Notifier.Buffer)
	}
	switch c.Rates.Source {
	case RateSourceStatic, RateSourceRedis:
	default:
		return errors.Errorf("rates.source: unknown source %q", c.Rates.Source)
	}
	switch c.Notifier.Source {
	case NotifierSourceLocal, NotifierSourceKafka:
	default:
		return errors.Errorf("notifier.source: unknown source %q", c.Notifier.Source)
	}
	if _, err := c.Rates.Quotes(); err != nil {
		return err
	}
	return nil
}

// Quotes parses the static rate table.
func (r RatesConfig) Quotes() ([]model.RateQuote, error) {
	quotes := make([]model.RateQuote, 0, len(r.Static))
	for pair, raw := range r.Static {
		from, to, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, errors.Errorf("rates.static: bad pair %q, want FROM:TO", pair)
		}
		fc, err := model.ParseCurrency(from)
		if err != nil {
			return nil, errors.Wrapf(err, "rates.static %q", pair)
		}
		tc, err := model.ParseCurrency(to)
		if err != nil {
			return nil, errors.Wrapf(err, "rates.static %q", pair)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "rates.static %q", pair)
		}
		if !rate.IsPositive() {
			return nil, errors.Errorf("rates.static %q: rate must be positive", pair)
		}
		quotes = append(quotes, model.RateQuote{From: fc, To: tc, Rate: rate})
	}
	return quotes, nil
}
