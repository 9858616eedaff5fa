package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "LEDGER"
	defaultHTTPAddress       = "127.0.0.1:8787"
	defaultDatabasePath      = "ledger-sync.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultBackendTimeout    = 15 * time.Second
	defaultProbeInterval     = 10 * time.Second
	defaultProbeTimeout      = 3 * time.Second
	defaultRefreshInterval   = 5 * time.Second
	defaultSyncInterval      = time.Minute
	defaultOperationTimeout  = 15 * time.Second
	defaultLeaseTTL          = 2 * time.Minute
	defaultStuckAfter        = 5
	defaultCachePrefix       = "offline-cache"
	defaultAllowedOrigin     = "http://localhost:5173"
	defaultSessionCookieName = "ledger_session"
	defaultConnectivityRole  = "service_role"
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	LogFormat      string

	BackendURL     string
	BackendAPIKey  string
	BackendTimeout time.Duration

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	// ConnectivityRole is the session role allowed to report connectivity.
	ConnectivityRole  string

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	RefreshInterval  time.Duration
	SyncInterval     time.Duration
	OperationTimeout time.Duration
	LeaseTTL         time.Duration
	StuckAfter       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration

	CachePrefix string
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
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("backend.timeout", defaultBackendTimeout)
	configViper.SetDefault("auth.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("auth.connectivity_role", defaultConnectivityRole)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("connectivity.probe_timeout", defaultProbeTimeout)
	configViper.SetDefault("sync.refresh_interval", defaultRefreshInterval)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.operation_timeout", defaultOperationTimeout)
	configViper.SetDefault("sync.lease_ttl", defaultLeaseTTL)
	configViper.SetDefault("sync.stuck_after", defaultStuckAfter)
	configViper.SetDefault("sync.backoff_base", time.Duration(0))
	configViper.SetDefault("sync.backoff_max", time.Hour)
	configViper.SetDefault("store.cache_prefix", defaultCachePrefix)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		BackendURL:        strings.TrimSpace(configViper.GetString("backend.url")),
		BackendAPIKey:     configViper.GetString("backend.api_key"),
		BackendTimeout:    configViper.GetDuration("backend.timeout"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		ConnectivityRole:  strings.TrimSpace(configViper.GetString("auth.connectivity_role")),
		ProbeInterval:     configViper.GetDuration("connectivity.probe_interval"),
		ProbeTimeout:      configViper.GetDuration("connectivity.probe_timeout"),
		RefreshInterval:   configViper.GetDuration("sync.refresh_interval"),
		SyncInterval:      configViper.GetDuration("sync.interval"),
		OperationTimeout:  configViper.GetDuration("sync.operation_timeout"),
		LeaseTTL:          configViper.GetDuration("sync.lease_ttl"),
		StuckAfter:        configViper.GetInt("sync.stuck_after"),
		BackoffBase:       configViper.GetDuration("sync.backoff_base"),
		BackoffMax:        configViper.GetDuration("sync.backoff_max"),
		CachePrefix:       strings.TrimSpace(configViper.GetString("store.cache_prefix")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireServer checks the settings only the HTTP API needs.
func (c AppConfig) RequireServer() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.ConnectivityRole == "" {
		return fmt.Errorf("auth.connectivity_role is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backend.url is required")
	}
	parsed, err := url.Parse(c.BackendURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("backend.url must be an http(s) url, got %q", c.BackendURL)
	}
	if c.CachePrefix == "" {
		return fmt.Errorf("store.cache_prefix is required")
	}
	if c.StuckAfter < 0 {
		return fmt.Errorf("sync.stuck_after must not be negative")
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return fmt.Errorf("sync.backoff_base and sync.backoff_max must not be negative")
	}
	if c.BackoffBase > 0 && c.BackoffMax > 0 && c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("sync.backoff_max must be at least sync.backoff_base")
	}
	return nil
}

// splitOrigins accepts both list values and a comma-separated env string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
