package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	AppPort    string
	AppEnv     string
	JWTSecret  string

	// InternalServiceKey lets trusted services bypass the public rate tiers.
	InternalServiceKey string

	PublicBaseURL string
	FrontendURL   string

	PlatformFeePercent decimal.Decimal
	DefaultCurrency    string
	PaymentTimeout     time.Duration
	SweepInterval      time.Duration

	Mpesa  MpesaConfig
	PayPal PayPalConfig

	KafkaBrokers   []string
	KafkaTopic     string
	RedisAddr      string
	RedisPassword  string
	StatusCacheTTL time.Duration
}

type MpesaConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	AuthURL        string
	STKPushURL     string
	CallbackURL    string
	CountryCode    string
}

type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	Mode         string
	BaseURL      string
	Currency     string
}

func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBPort:     os.Getenv("DB_PORT"),
		AppPort:    getEnv("APP_PORT", "8080"),
		AppEnv:     os.Getenv("APP_ENV"),
		JWTSecret:  os.Getenv("JWT_SECRET"),

		InternalServiceKey: os.Getenv("INTERNAL_SERVICE_KEY"),

		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		FrontendURL:   strings.TrimRight(os.Getenv("FRONTEND_URL"), "/"),

		PlatformFeePercent: getDecimal("PLATFORM_FEE_PERCENT", decimal.NewFromInt(5)),
		DefaultCurrency:    getEnv("DEFAULT_CURRENCY", "KES"),
		PaymentTimeout:     getDuration("PAYMENT_TIMEOUT", 30*time.Minute),
		SweepInterval:      getDuration("SWEEP_INTERVAL", time.Minute),

		Mpesa: MpesaConfig{
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("MPESA_SHORTCODE"),
			Passkey:        os.Getenv("MPESA_PASSKEY"),
			AuthURL:        getEnv("MPESA_AUTH_URL", "https://sandbox.safaricom.co.ke/oauth/v1/generate?grant_type=client_credentials"),
			STKPushURL:     getEnv("MPESA_STK_PUSH_URL", "https://sandbox.safaricom.co.ke/mpesa/stkpush/v1/processrequest"),
			CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
			CountryCode:    getEnv("MPESA_COUNTRY_CODE", "254"),
		},
		PayPal: PayPalConfig{
			ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
			Mode:         getEnv("PAYPAL_MODE", "sandbox"),
			BaseURL:      os.Getenv("PAYPAL_BASE_URL"),
			Currency:     getEnv("PAYPAL_CURRENCY", "USD"),
		},

		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "carmarket.checkout"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		StatusCacheTTL: getDuration("STATUS_CACHE_TTL", 5*time.Second),
	}

	if cfg.DBHost == "" {
		log.Fatal("Environment variables not loaded properly")
	}

	if cfg.Mpesa.CallbackURL == "" && cfg.PublicBaseURL != "" {
		cfg.Mpesa.CallbackURL = cfg.PublicBaseURL + "/payments/mobile-money/callback"
	}

	if cfg.PayPal.BaseURL == "" {
		cfg.PayPal.BaseURL = "https://api-m.sandbox.paypal.com"
		if cfg.PayPal.Mode == "live" {
			cfg.PayPal.BaseURL = "https://api-m.paypal.com"
		}
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("invalid duration for %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		log.Printf("invalid decimal for %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
