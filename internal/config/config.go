package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BuildMode is stamped at link time: -ldflags "-X .../internal/config.BuildMode=prod".
var BuildMode = ModeDev

const (
	ModeDev  = "dev"
	ModeProd = "prod"

	// DefaultAPIURL is the backend address used in dev mode and as the prod fallback.
	DefaultAPIURL = "http://localhost:8000"

	// APIURLEnv overrides the backend address in prod mode.
	APIURLEnv = "THEFTGUARD_API_URL"

	envPrefix = "THEFTGUARD"
)

// Config is the root configuration of the console process.
type Config struct {
	Mode    string        `mapstructure:"mode"`
	Log     LogConfig     `mapstructure:"log"`
	Channel ChannelConfig `mapstructure:"channel"`
	Health  HealthConfig  `mapstructure:"health"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Cameras CamerasConfig `mapstructure:"cameras"`
	Backend BackendConfig `mapstructure:"backend"`
	API     APIConfig     `mapstructure:"api"`

	// APIURL is resolved from Mode by Load; it is not read from the file.
	APIURL string `mapstructure:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ChannelConfig configures the realtime event channel.
type ChannelConfig struct {
	Path           string        `mapstructure:"path"`
	Namespace      string        `mapstructure:"namespace"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type AlertsConfig struct {
	Capacity int         `mapstructure:"capacity"`
	Dedup    DedupConfig `mapstructure:"dedup"`
	NATS     NATSConfig  `mapstructure:"nats"`
}

// DedupConfig enables id-based duplicate suppression. Off by default:
// duplicate ids from the backend are accepted as distinct alerts.
type DedupConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	MaxKeys int           `mapstructure:"max_keys"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// NATSConfig enables the alert relay when URL is set.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Subject  string `mapstructure:"subject"`
	RetryMax int    `mapstructure:"retry_max"`
}

type CamerasConfig struct {
	CatalogPath        string        `mapstructure:"catalog_path"`
	InitialSelection   int           `mapstructure:"initial_selection"`
	RefreshFromBackend bool          `mapstructure:"refresh_from_backend"`
	SwitchTimeout      time.Duration `mapstructure:"switch_timeout"`
}

type BackendConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker around stream control calls.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

type APIConfig struct {
	Enabled        bool      `mapstructure:"enabled"`
	Listen         string    `mapstructure:"listen"`
	AllowedOrigins []string  `mapstructure:"allowed_origins"`
	RateLimit      RateLimit `mapstructure:"rate_limit"`
}

type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Load reads config.yaml from path (or ./ and ./configs when path is empty),
// then applies THEFTGUARD_* environment overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	url, err := ResolveAPIURL(cfg.Mode)
	if err != nil {
		return nil, err
	}
	cfg.APIURL = url

	return &cfg, nil
}

// ResolveAPIURL selects the single backend address for a mode.
func ResolveAPIURL(mode string) (string, error) {
	switch mode {
	case ModeDev:
		return DefaultAPIURL, nil
	case ModeProd:
		if u := os.Getenv(APIURLEnv); u != "" {
			return strings.TrimRight(u, "/"), nil
		}
		return DefaultAPIURL, nil
	default:
		return "", fmt.Errorf("unknown mode %q", mode)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", BuildMode)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("channel.path", "/socket.io/")
	v.SetDefault("channel.namespace", "/")
	v.SetDefault("channel.connect_timeout", 10*time.Second)
	v.SetDefault("channel.reconnect_delay", 5*time.Second)
	v.SetDefault("channel.max_reconnects", 5)

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 10*time.Second)

	v.SetDefault("alerts.capacity", 10)
	v.SetDefault("alerts.dedup.enabled", false)
	v.SetDefault("alerts.dedup.max_keys", 1000)
	v.SetDefault("alerts.dedup.ttl", 10*time.Minute)
	v.SetDefault("alerts.nats.url", "")
	v.SetDefault("alerts.nats.subject", "theftguard.alerts")
	v.SetDefault("alerts.nats.retry_max", 3)

	v.SetDefault("cameras.catalog_path", "cameras.yaml")
	v.SetDefault("cameras.initial_selection", 1)
	v.SetDefault("cameras.refresh_from_backend", true)
	v.SetDefault("cameras.switch_timeout", 15*time.Second)

	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("backend.breaker.max_requests", 1)
	v.SetDefault("backend.breaker.interval", 60*time.Second)
	v.SetDefault("backend.breaker.timeout", 30*time.Second)
	v.SetDefault("backend.breaker.consecutive_failures", 5)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8090")
	v.SetDefault("api.allowed_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173", "http://localhost:3000"})
	v.SetDefault("api.rate_limit.rps", 5.0)
	v.SetDefault("api.rate_limit.burst", 10)
}
