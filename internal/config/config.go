package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Browser      BrowserConfig
	Auth         AuthConfig
	Navigation   NavigationConfig
	Completeness CompletenessConfig
	Retry        RetryConfig
	Resolver     ResolverConfig
	Fetch        FetchConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Worker       WorkerConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type BrowserConfig struct {
	Headless          bool
	ProfileDir        string
	NavigationTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
	UserAgent         string
	AcceptLanguage    string
	TimezoneID        string
	Locale            string
	ProxyServer       string
}

type AuthConfig struct {
	LoginTimeout time.Duration
	PollInterval time.Duration
}

type NavigationConfig struct {
	Settle              time.Duration
	ReadyTimeout        time.Duration
	TabTimeout          time.Duration
	MaxScrollIterations int
	ScrollStep          int
	ScrollSettle        time.Duration
}

type CompletenessConfig struct {
	MinDetailImages int
	MinParameters   int
	MinReviews      int
}

type RetryConfig struct {
	MaxAttempts int
	Backoff     string
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type ResolverConfig struct {
	Timeout         time.Duration
	CacheSize       int
	DefaultPlatform string
}

// FetchConfig paces batch fetches through the single browser session.
type FetchConfig struct {
	RateLimitMin time.Duration
	RateLimitMax time.Duration
	ResultsFile  string
	OutputDir    string
	QueueSize    int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig also names the stream fetch requests are read from. An empty
// RequestStream disables intake.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	RequestStream string
	ConsumerGroup string
	ConsumerName  string
}

type WorkerConfig struct {
	PollInterval  time.Duration
	RelayInterval time.Duration
	RelayBatch    int
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Browser: BrowserConfig{
			Headless:          getBoolOrDefault("BROWSER_HEADLESS", false),
			ProfileDir:        getEnvOrDefault("BROWSER_PROFILE_DIR", "user_data/chrome_profile"),
			NavigationTimeout: getDurationOrDefault("BROWSER_NAVIGATION_TIMEOUT", 60*time.Second),
			ViewportWidth:     getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1280),
			ViewportHeight:    getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 720),
			UserAgent:         getEnvOrDefault("BROWSER_USER_AGENT", defaultUserAgent),
			AcceptLanguage:    getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "zh-CN,zh;q=0.9,en;q=0.8"),
			TimezoneID:        getEnvOrDefault("BROWSER_TIMEZONE", "Asia/Shanghai"),
			Locale:            getEnvOrDefault("BROWSER_LOCALE", "zh-CN"),
			ProxyServer:       getEnvOrDefault("BROWSER_PROXY", ""),
		},
		Auth: AuthConfig{
			LoginTimeout: getDurationOrDefault("AUTH_LOGIN_TIMEOUT", 180*time.Second),
			PollInterval: getDurationOrDefault("AUTH_POLL_INTERVAL", 2*time.Second),
		},
		Navigation: NavigationConfig{
			Settle:              getDurationOrDefault("NAV_SETTLE", 3*time.Second),
			ReadyTimeout:        getDurationOrDefault("NAV_READY_TIMEOUT", 45*time.Second),
			TabTimeout:          getDurationOrDefault("NAV_TAB_TIMEOUT", 10*time.Second),
			MaxScrollIterations: getIntOrDefault("NAV_MAX_SCROLL_ITERATIONS", 8),
			ScrollStep:          getIntOrDefault("NAV_SCROLL_STEP", 800),
			ScrollSettle:        getDurationOrDefault("NAV_SCROLL_SETTLE", 500*time.Millisecond),
		},
		Completeness: CompletenessConfig{
			MinDetailImages: getIntOrDefault("COMPLETENESS_MIN_DETAIL_IMAGES", 5),
			MinParameters:   getIntOrDefault("COMPLETENESS_MIN_PARAMETERS", 1),
			MinReviews:      getIntOrDefault("COMPLETENESS_MIN_REVIEWS", 1),
		},
		Retry: RetryConfig{
			MaxAttempts: getIntOrDefault("RETRY_MAX_ATTEMPTS", 3),
			Backoff:     getEnvOrDefault("RETRY_BACKOFF", "exponential"),
			BackoffBase: getDurationOrDefault("RETRY_BACKOFF_BASE", 5*time.Second),
			BackoffMax:  getDurationOrDefault("RETRY_BACKOFF_MAX", 60*time.Second),
		},
		Resolver: ResolverConfig{
			Timeout:         getDurationOrDefault("RESOLVER_TIMEOUT", 8*time.Second),
			CacheSize:       getIntOrDefault("RESOLVER_CACHE_SIZE", 256),
			DefaultPlatform: getEnvOrDefault("RESOLVER_DEFAULT_PLATFORM", "taobao"),
		},
		Fetch: FetchConfig{
			RateLimitMin: getDurationOrDefault("FETCH_RATE_LIMIT_MIN", 5*time.Second),
			RateLimitMax: getDurationOrDefault("FETCH_RATE_LIMIT_MAX", 30*time.Second),
			ResultsFile:  getEnvOrDefault("FETCH_RESULTS_FILE", "data/results.json"),
			OutputDir:    getEnvOrDefault("FETCH_OUTPUT_DIR", "output"),
			QueueSize:    getIntOrDefault("FETCH_QUEUE_SIZE", 1000),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "taobao_scraper"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),

			RequestStream: getEnvOrDefault("REDIS_REQUEST_STREAM", "stream:taobao_fetch_requests"),
			ConsumerGroup: getEnvOrDefault("REDIS_CONSUMER_GROUP", "taobao-fetch-intake"),
			ConsumerName:  getEnvOrDefault("REDIS_CONSUMER_NAME", "intake-1"),
		},
		Worker: WorkerConfig{
			PollInterval:  getDurationOrDefault("WORKER_POLL_INTERVAL", 10*time.Second),
			RelayInterval: getDurationOrDefault("RELAY_INTERVAL", 5*time.Second),
			RelayBatch:    getIntOrDefault("RELAY_BATCH_SIZE", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	switch strings.ToLower(c.Retry.Backoff) {
	case "linear", "exponential":
	default:
		return fmt.Errorf("RETRY_BACKOFF must be linear or exponential, got %q", c.Retry.Backoff)
	}

	if c.Retry.BackoffMax > 0 && c.Retry.BackoffBase > c.Retry.BackoffMax {
		return fmt.Errorf("RETRY_BACKOFF_BASE cannot be greater than RETRY_BACKOFF_MAX")
	}

	if c.Fetch.RateLimitMin > c.Fetch.RateLimitMax {
		return fmt.Errorf("FETCH_RATE_LIMIT_MIN cannot be greater than FETCH_RATE_LIMIT_MAX")
	}

	if c.Completeness.MinDetailImages < 0 || c.Completeness.MinParameters < 0 || c.Completeness.MinReviews < 0 {
		return fmt.Errorf("completeness minimums cannot be negative")
	}

	if c.Navigation.MaxScrollIterations < 0 {
		return fmt.Errorf("NAV_MAX_SCROLL_ITERATIONS cannot be negative")
	}

	if c.Auth.PollInterval <= 0 || c.Auth.LoginTimeout <= 0 {
		return fmt.Errorf("AUTH_POLL_INTERVAL and AUTH_LOGIN_TIMEOUT must be positive")
	}

	if c.Browser.ProfileDir == "" {
		return fmt.Errorf("BROWSER_PROFILE_DIR is required")
	}

	switch strings.ToLower(c.Resolver.DefaultPlatform) {
	case "taobao", "tmall":
	default:
		return fmt.Errorf("RESOLVER_DEFAULT_PLATFORM must be taobao or tmall, got %q", c.Resolver.DefaultPlatform)
	}

	return nil
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
