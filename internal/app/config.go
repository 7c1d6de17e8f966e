package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/momo"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the application configuration, loadable from environment
// variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage     string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	SeedFile    string `usage:"JSON fixture loaded into the memory store on start" flag:"seed-file"`
	Auth        AuthConfig
	Pricing     PricingConfig
	MoMo        MoMoConfig
	Kafka       KafkaConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// AuthConfig configures buyer tokens and operator API keys.
type AuthConfig struct {
	JWTSecret    string        `usage:"HMAC secret of buyer bearer tokens" flag:"jwt-secret"`
	TokenTTL     time.Duration `default:"24h" usage:"Lifetime of issued tokens" flag:"token-ttl"`
	APIKeyPepper string        `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
}

// PricingConfig holds the store-wide pricing settings. Amounts are decimal
// strings in the currency's major unit.
type PricingConfig struct {
	TaxRate               string `default:"0.08" usage:"Tax rate applied to subtotal minus discount"`
	ShippingFee           string `default:"30000" usage:"Flat shipping fee"`
	FreeShippingThreshold string `default:"500000" usage:"Subtotal minus discount that waives shipping"`
	Currency              string `default:"VND" usage:"ISO currency code"`
}

// MoMoConfig configures the MoMo wallet gateway.
type MoMoConfig struct {
	Enabled     bool          `default:"false" usage:"Enable MoMo wallet payments" flag:"momo-enabled"`
	Endpoint    string        `default:"https://test-payment.momo.vn" usage:"MoMo API base URL"`
	PartnerCode string        `usage:"MoMo partner code"`
	AccessKey   string        `usage:"MoMo access key"`
	SecretKey   string        `usage:"MoMo secret key"`
	RedirectURL string        `usage:"URL the buyer returns to after paying"`
	IPNURL      string        `usage:"Public URL of the payment notification endpoint"`
	RequestType string        `default:"captureWallet" usage:"MoMo request type"`
	Timeout     time.Duration `default:"30s" usage:"Timeout of one gateway call"`
}

// KafkaConfig configures the domain event publisher. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"kart.events" usage:"Topic of domain events"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, applies platform defaults and validates the result.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate reports the first configuration problem.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT secret is required: set KART_AUTH_JWT_SECRET")
	}
	if _, err := c.Pricing.Settings(); err != nil {
		return err
	}
	if c.MoMo.Enabled {
		for name, v := range map[string]string{
			"partner code": c.MoMo.PartnerCode,
			"access key":   c.MoMo.AccessKey,
			"secret key":   c.MoMo.SecretKey,
			"IPN URL":      c.MoMo.IPNURL,
		} {
			if v == "" {
				return errors.Errorf("MoMo %s is required when MoMo is enabled", name)
			}
		}
	}
	return nil
}

// Settings parses the pricing settings.
func (p PricingConfig) Settings() (cart.Settings, error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, errors.Wrapf(err, "pricing %s", name)
		}
		if d.IsNegative() {
			return decimal.Decimal{}, errors.Errorf("pricing %s must not be negative", name)
		}
		return d, nil
	}
	var (
		s   cart.Settings
		err error
	)
	if s.TaxRate, err = parse("tax rate", p.TaxRate); err != nil {
		return s, err
	}
	if s.ShippingFee, err = parse("shipping fee", p.ShippingFee); err != nil {
		return s, err
	}
	if s.FreeShippingThreshold, err = parse("free shipping threshold", p.FreeShippingThreshold); err != nil {
		return s, err
	}
	s.Scale = currencyScale(p.Currency)
	return s, nil
}

// currencyScale returns the minor-unit digits of an ISO currency.
func currencyScale(code string) int32 {
	switch strings.ToUpper(code) {
	case "VND", "JPY", "KRW", "IDR":
		return 0
	default:
		return 2
	}
}

func (m MoMoConfig) client() momo.Config {
	return momo.Config{
		Endpoint:    m.Endpoint,
		PartnerCode: m.PartnerCode,
		AccessKey:   m.AccessKey,
		SecretKey:   m.SecretKey,
		RedirectURL: m.RedirectURL,
		IPNURL:      m.IPNURL,
		RequestType: m.RequestType,
		Timeout:     m.Timeout,
	}
}
