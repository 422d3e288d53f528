package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProxyMode selects how egress proxies are assigned to browser sessions.
type ProxyMode string

const (
	ProxyNone       ProxyMode = "none"
	ProxySinglePool ProxyMode = "single_pool"
	ProxyCustomPool ProxyMode = "custom_pool"
)

// ProxyEndpoint is one upstream proxy with its credential.
type ProxyEndpoint struct {
	Server   string
	Username string
	Password string
}

// Config holds all worker configuration, loaded once at startup and passed
// into every component constructor.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	ProxyMode     ProxyMode
	ProxyServer   string
	ProxyUsername string
	ProxyPassword string
	CustomProxies []ProxyEndpoint

	// BatchSize is how many detail fetches one browser session performs
	// before it is torn down and replaced with a fresh proxy identity.
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	NavTimeout   time.Duration
	DetailDelay  DelayRange
	PageDelay    DelayRange

	// LongPauseEvery inserts a long randomized pause after this many
	// listings within one catalog, and after each completed catalog.
	LongPauseEvery int
	LongPause      DelayRange

	CatalogCSVPath string
	IPEchoURL      string
	ChromeBin      string
}

// DelayRange bounds a randomized pacing delay.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

// Load reads the .env file and returns a populated Config struct.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "scraper"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "scraper123"),
		PostgresDB:       getEnv("POSTGRES_DB", "cars_db"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		ProxyServer:   getEnv("PROXY_SERVER", ""),
		ProxyUsername: getEnv("PROXY_USERNAME", ""),
		ProxyPassword: getEnv("PROXY_PASSWORD", ""),

		BatchSize:    getEnvInt("BATCH_SIZE", 25),
		MaxRetries:   getEnvInt("MAX_RETRIES", 3),
		RetryBackoff: getEnvDuration("RETRY_BACKOFF", 2*time.Second),
		NavTimeout:   getEnvDuration("NAV_TIMEOUT", 60*time.Second),
		DetailDelay: DelayRange{
			Min: getEnvDuration("DETAIL_DELAY_MIN", 20*time.Second),
			Max: getEnvDuration("DETAIL_DELAY_MAX", 40*time.Second),
		},
		PageDelay: DelayRange{
			Min: getEnvDuration("PAGE_DELAY_MIN", 5*time.Second),
			Max: getEnvDuration("PAGE_DELAY_MAX", 10*time.Second),
		},
		LongPauseEvery: getEnvInt("LONG_PAUSE_EVERY", 1000),
		LongPause: DelayRange{
			Min: getEnvDuration("LONG_PAUSE_MIN", 5*time.Minute),
			Max: getEnvDuration("LONG_PAUSE_MAX", 15*time.Minute),
		},

		CatalogCSVPath: getEnv("CATALOG_CSV_PATH", "./input/catalogs.csv"),
		IPEchoURL:      getEnv("IP_ECHO_URL", "https://ip.oxylabs.io/"),
		ChromeBin:      getEnv("CHROME_BIN", ""),
	}

	mode, err := parseProxyMode(getEnv("PROXY_MODE", "none"))
	if err != nil {
		return nil, err
	}
	cfg.ProxyMode = mode

	proxies, err := ParseProxyList(getEnv("CUSTOM_PROXIES", ""))
	if err != nil {
		return nil, err
	}
	cfg.CustomProxies = proxies

	if cfg.ProxyMode == ProxySinglePool && cfg.ProxyServer == "" {
		return nil, fmt.Errorf("config: PROXY_MODE=single_pool requires PROXY_SERVER")
	}

	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func parseProxyMode(raw string) (ProxyMode, error) {
	switch ProxyMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ProxyNone, "":
		return ProxyNone, nil
	case ProxySinglePool:
		return ProxySinglePool, nil
	case ProxyCustomPool:
		return ProxyCustomPool, nil
	default:
		return "", fmt.Errorf("config: unknown PROXY_MODE %q", raw)
	}
}

// ParseProxyList parses a comma-separated list of host:port:user:pass
// tuples. Malformed entries are an error at startup rather than a silent
// skip mid-run.
func ParseProxyList(raw string) ([]ProxyEndpoint, error) {
	var out []ProxyEndpoint
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("config: invalid proxy tuple %q (want host:port:user:pass)", item)
		}
		out = append(out, ProxyEndpoint{
			Server:   parts[0] + ":" + parts[1],
			Username: parts[2],
			Password: parts[3],
		})
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if n, err := strconv.Atoi(val); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
