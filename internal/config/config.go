package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "FOOTPRINT"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = "sqlite"
	defaultDatabaseDSN    = "footprint.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultCookieName     = "app_session"
	defaultIssuer         = "footprint-auth"
	defaultRateLimitRPS   = 20.0
	defaultRateLimitBurst = 40

	defaultServerURL       = "http://127.0.0.1:8080"
	defaultCachePath       = "footprint-cache.db"
	defaultCacheKey        = "map_markers_cache"
	defaultIconDir         = "footprint-icons"
	defaultMinDistanceKm   = 7.0
	defaultDebounceMillis  = 500
	defaultRequestTimeoutS = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	RateLimitRPS    float64
	RateLimitBurst  int
	DatabaseDriver  string
	DatabaseDSN     string
	SigningSecret   string
	TokenIssuer     string
	TokenCookieName string
	LogLevel        string
	LogFormat       string
}

// ClientConfig captures runtime configuration for the marker client.
type ClientConfig struct {
	ServerURL      string
	Token          string
	CachePath      string
	CacheKey       string
	IconDir        string
	MinDistanceKm  float64
	Debounce       time.Duration
	RequestTimeout time.Duration
	LogLevel       string
	LogFormat      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.rate_limit_rps", defaultRateLimitRPS)
	configViper.SetDefault("http.rate_limit_burst", defaultRateLimitBurst)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("client.server_url", defaultServerURL)
	configViper.SetDefault("client.cache_path", defaultCachePath)
	configViper.SetDefault("client.cache_key", defaultCacheKey)
	configViper.SetDefault("client.icon_dir", defaultIconDir)
	configViper.SetDefault("client.min_distance_km", defaultMinDistanceKm)
	configViper.SetDefault("client.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("client.request_timeout_s", defaultRequestTimeoutS)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  splitList(configViper.GetStringSlice("http.allowed_origins")),
		RateLimitRPS:    configViper.GetFloat64("http.rate_limit_rps"),
		RateLimitBurst:  configViper.GetInt("http.rate_limit_burst"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenCookieName: configViper.GetString("auth.cookie_name"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.TokenCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("http.rate_limit_rps and http.rate_limit_burst must be positive")
	}
	return nil
}

// LoadClient parses marker client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("client.server_url")), "/"),
		Token:          strings.TrimSpace(configViper.GetString("client.token")),
		CachePath:      configViper.GetString("client.cache_path"),
		CacheKey:       configViper.GetString("client.cache_key"),
		IconDir:        configViper.GetString("client.icon_dir"),
		MinDistanceKm:  configViper.GetFloat64("client.min_distance_km"),
		Debounce:       time.Duration(configViper.GetInt("client.debounce_ms")) * time.Millisecond,
		RequestTimeout: time.Duration(configViper.GetInt("client.request_timeout_s")) * time.Second,
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("client.server_url must be an absolute URL")
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("client.cache_path is required")
	}
	if strings.TrimSpace(c.CacheKey) == "" {
		return fmt.Errorf("client.cache_key is required")
	}
	if strings.TrimSpace(c.IconDir) == "" {
		return fmt.Errorf("client.icon_dir is required")
	}
	if c.MinDistanceKm < 0 {
		return fmt.Errorf("client.min_distance_km must not be negative")
	}
	if c.Debounce < 0 {
		return fmt.Errorf("client.debounce_ms must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout_s must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma-separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
