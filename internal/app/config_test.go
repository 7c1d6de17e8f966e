package app

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:      "0.0.0.0:8080",
		Storage:   StorageMemory,
		Auth:      AuthConfig{JWTSecret: "secret", TokenTTL: time.Hour},
		Pricing:   PricingConfig{TaxRate: "0.08", ShippingFee: "30000", FreeShippingThreshold: "500000", Currency: "VND"},
		MoMo:      MoMoConfig{RequestType: "captureWallet", Timeout: time.Second},
		RateLimit: RateLimitConfig{Max: 10, Window: time.Minute},
	}
}

func TestConfig_Validate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(c *Config)
		err    string
	}{
		{name: "Memory", mutate: func(*Config) {}},
		{
			name:   "PostgresNeedsURL",
			mutate: func(c *Config) { c.Storage = StoragePostgres },
			err:    "database URL is required",
		},
		{
			name: "Postgres",
			mutate: func(c *Config) {
				c.Storage = StoragePostgres
				c.DatabaseURL = "postgres://localhost/kart"
			},
		},
		{name: "UnknownStorage", mutate: func(c *Config) { c.Storage = "redis" }, err: `unknown storage "redis"`},
		{name: "NoSecret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, err: "JWT secret is required"},
		{name: "BadTax", mutate: func(c *Config) { c.Pricing.TaxRate = "eight" }, err: "pricing tax rate"},
		{name: "NegativeFee", mutate: func(c *Config) { c.Pricing.ShippingFee = "-1" }, err: "must not be negative"},
		{
			name:   "MoMoIncomplete",
			mutate: func(c *Config) { c.MoMo.Enabled = true },
			err:    "is required when MoMo is enabled",
		},
		{
			name: "MoMo",
			mutate: func(c *Config) {
				c.MoMo.Enabled = true
				c.MoMo.PartnerCode = "MOMO"
				c.MoMo.AccessKey = "ak"
				c.MoMo.SecretKey = "sk"
				c.MoMo.IPNURL = "https://shop.test/api/payments/momo/ipn"
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.err == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestPricingConfig_Settings(t *testing.T) {
	cfg := validConfig()
	s, err := cfg.Pricing.Settings()
	require.NoError(t, err)
	assert.True(t, s.TaxRate.Equal(decimal.RequireFromString("0.08")))
	assert.True(t, s.ShippingFee.Equal(decimal.NewFromInt(30000)))
	assert.True(t, s.FreeShippingThreshold.Equal(decimal.NewFromInt(500000)))
	assert.EqualValues(t, 0, s.Scale)

	cfg.Pricing.Currency = "usd"
	s, err = cfg.Pricing.Settings()
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.Scale)
}

func TestConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9000")

	cfg := validConfig()
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)

	cfg = validConfig()
	cfg.DatabaseURL = "postgres://explicit/db"
	cfg.Addr = "127.0.0.1:1234"
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:1234", cfg.Addr)
}

func TestMoMoConfig_Client(t *testing.T) {
	m := MoMoConfig{Endpoint: "https://test-payment.momo.vn", PartnerCode: "MOMO", Timeout: 5 * time.Second}
	c := m.client()
	assert.Equal(t, m.Endpoint, c.Endpoint)
	assert.Equal(t, "MOMO", c.PartnerCode)
	assert.Equal(t, 5*time.Second, c.Timeout)
}
