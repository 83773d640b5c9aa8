package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "USD", cfg.Wallet.DefaultCurrency)
	assert.Equal(t, 3, cfg.Wallet.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Wallet.BalanceCacheTTL)
	assert.Equal(t, RateSourceStatic, cfg.Rates.Source)

	quotes, err := cfg.Rates.Quotes()
	require.NoError(t, err)
	assert.Len(t, quotes, len(cfg.Rates.Static))
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("POSTGRES_PASSWORD", "pw")
	t.Setenv("WALLET_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WALLET_HTTP_PORT", "9090")
	t.Setenv("WALLET_SETTLEMENT_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, "postgres:\n  dsn: \"host=db\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "host=db password=pw", cfg.Postgres.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Settlement.Secret)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, NotifierSourceLocal, cfg.Notifier.Source)
	assert.Equal(t, 256, cfg.Notifier.Buffer)
	assert.Equal(t, time.Minute, cfg.Rates.RefreshInterval)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"currency":   "wallet:\n  default_currency: XYZ\n",
		"rate pair":  "rates:\n  static:\n    \"USD-EUR\": \"0.9\"\n",
		"rate value": "rates:\n  static:\n    \"USD:EUR\": \"-1\"\n",
		"rate code":  "rates:\n  static:\n    \"USD:ABC\": \"1\"\n",
		"source":     "rates:\n  source: carrier-pigeon\n",
		"notifier":   "notifier:\n  source: smoke\n",
		"attempts":   "wallet:\n  max_attempts: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestQuotes(t *testing.T) {
	r := RatesConfig{Static: map[string]string{"usd:btc": "0.0000158"}}
	quotes, err := r.Quotes()
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, model.USD, quotes[0].From)
	assert.Equal(t, model.BTC, quotes[0].To)
	assert.Equal(t, "0.0000158", quotes[0].Rate.String())
}
