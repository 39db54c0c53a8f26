package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	APIAddr     string
	AdminAddr   string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	LendingBaseURL string
	LendingToken   string
	LendingTimeout time.Duration
	LendingTLSCA   string
	LendingTLSCert string
	LendingTLSKey  string

	CurrencyPrecision int
	RedisAddr         string
	AmountsCacheTTL   time.Duration

	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	OAuthIssuer         string
	OAuthSigningKeyFile string
	OAuthClients        string
	AccessTokenTTL      time.Duration

	RateLimitCapacity  int
	RateLimitRefillSec int
	IPAllowlist        []string
	MaxBodyBytes       int64

	AuditSink string
}

// Load reads configuration from the environment. A .env file in the working
// directory, or the files named in envFiles, seed variables that are not
// already set.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() (*Config, error) {
	var errs []error

	cfg := &Config{
		Environment: getenv("APP_ENV", "development"),
		APIAddr:     getenv("API_ADDR", ":8443"),
		AdminAddr:   getenv("ADMIN_ADDR", ":9090"),

		StoreDriver: strings.ToLower(getenv("STORE_DRIVER", DriverPostgres)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenv("SQLITE_PATH", "loan_adjustments.db"),

		LendingBaseURL: os.Getenv("LENDING_BASE_URL"),
		LendingToken:   os.Getenv("LENDING_TOKEN"),
		LendingTLSCA:   os.Getenv("LENDING_TLS_CA"),
		LendingTLSCert: os.Getenv("LENDING_TLS_CERT"),
		LendingTLSKey:  os.Getenv("LENDING_TLS_KEY"),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		TLSCertFile: os.Getenv("API_TLS_CERT"),
		TLSKeyFile:  os.Getenv("API_TLS_KEY"),
		TLSCAFile:   os.Getenv("API_TLS_CA"),

		OAuthIssuer:         getenv("OAUTH_ISSUER", "loan-adjustments"),
		OAuthSigningKeyFile: os.Getenv("OAUTH_SIGNING_KEY_FILE"),
		OAuthClients:        os.Getenv("OAUTH_CLIENTS"),

		AuditSink: os.Getenv("AUDIT_SINK"),
	}

	cfg.LendingTimeout = durationVar("LENDING_TIMEOUT", 10*time.Second, &errs)
	cfg.AmountsCacheTTL = durationVar("AMOUNTS_CACHE_TTL", 30*time.Second, &errs)
	cfg.AccessTokenTTL = durationVar("OAUTH_TOKEN_TTL", 15*time.Minute, &errs)
	cfg.CurrencyPrecision = intVar("CURRENCY_PRECISION", 2, &errs)
	cfg.RateLimitCapacity = intVar("API_RATE_LIMIT_CAPACITY", 20, &errs)
	cfg.RateLimitRefillSec = intVar("API_RATE_LIMIT_REFILL_PER_SEC", 10, &errs)
	cfg.MaxBodyBytes = int64(intVar("API_MAX_BODY_BYTES", 1<<20, &errs))

	for _, cidr := range strings.Split(os.Getenv("API_IP_ALLOWLIST"), ",") {
		if cidr = strings.TrimSpace(cidr); cidr != "" {
			cfg.IPAllowlist = append(cfg.IPAllowlist, cidr)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks that the configuration is complete for its environment.
func (c *Config) Validate() error {
	var missing []string

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}
	if c.LendingBaseURL == "" {
		missing = append(missing, "LENDING_BASE_URL")
	}
	if c.StoreDriver != DriverPostgres && c.OAuthClients == "" {
		missing = append(missing, "OAUTH_CLIENTS")
	}

	if c.IsProduction() {
		if c.TLSCertFile == "" {
			missing = append(missing, "API_TLS_CERT")
		}
		if c.TLSKeyFile == "" {
			missing = append(missing, "API_TLS_KEY")
		}
		if c.TLSCAFile == "" {
			missing = append(missing, "API_TLS_CA")
		}
		if c.OAuthSigningKeyFile == "" {
			missing = append(missing, "OAUTH_SIGNING_KEY_FILE")
		}
		if c.AuditSink == "" {
			missing = append(missing, "AUDIT_SINK")
		}
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
	}

	if (c.LendingTLSCert == "") != (c.LendingTLSKey == "") {
		return errors.New("LENDING_TLS_CERT and LENDING_TLS_KEY must be set together")
	}
	if c.CurrencyPrecision < 0 || c.CurrencyPrecision > 9 {
		return fmt.Errorf("CURRENCY_PRECISION must be between 0 and 9, got %d", c.CurrencyPrecision)
	}
	return nil
}

// IsProduction reports whether the stricter production/staging rules apply.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// TLSEnabled reports whether the API listener serves mTLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != "" && c.TLSCAFile != ""
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func intVar(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return i
}

func durationVar(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
