package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	NodeID     string   `mapstructure:"node_id"`
	Scope      string   `mapstructure:"scope"`
	ListenAddr string   `mapstructure:"listen_address"`
	LogLevel   string   `mapstructure:"log_level"`
	MaxHops    int      `mapstructure:"max_hops"`
	ScopingOff bool     `mapstructure:"scoping_off"`
	NMIToCloud bool     `mapstructure:"nmi_to_cloud"`
	Blacklist  []string `mapstructure:"blacklist"`

	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Session   SessionConfig   `mapstructure:"session"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// HeartbeatConfig tunes the two scheduler tiers.
type HeartbeatConfig struct {
	FastInterval   time.Duration `mapstructure:"fast_interval"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	SyncFanout     bool          `mapstructure:"sync_fanout"`
}

// DedupConfig tunes the duplicate-suppression cache.
type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// SessionConfig tunes the session store.
type SessionConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// CloudConfig lists the upstream route links.
type CloudConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	RouteURLs  []string      `mapstructure:"route_urls"`
	MasterNode string        `mapstructure:"master_node"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// AuthConfig describes the admin API authentication.
type AuthConfig struct {
	// SecretEnv names the environment variable holding the JWT signing
	// secret. The secret itself never lives in the config file.
	SecretEnv string `mapstructure:"secret_env"`
	Disabled  bool   `mapstructure:"disabled"`
}

const (
	defaultListenAddr     = "0.0.0.0:8443"
	defaultLogLevel       = "info"
	defaultMaxHops        = 8
	defaultFastInterval   = 250 * time.Millisecond
	defaultHealthInterval = time.Second
	defaultDedupWindow    = 5 * time.Minute
	defaultSessionTimeout = 30 * time.Minute
	defaultRetryDelay     = 5 * time.Second
	defaultSecretEnv      = "RELAYFABRIC_JWT_SECRET"
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with RELAYFABRIC_ and
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAYFABRIC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddr)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("max_hops", defaultMaxHops)
	v.SetDefault("heartbeat.fast_interval", defaultFastInterval.String())
	v.SetDefault("heartbeat.health_interval", defaultHealthInterval.String())
	v.SetDefault("dedup.window", defaultDedupWindow.String())
	v.SetDefault("session.timeout", defaultSessionTimeout.String())
	v.SetDefault("cloud.retry_delay", defaultRetryDelay.String())
	v.SetDefault("auth.secret_env", defaultSecretEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durs := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"heartbeat.fast_interval", &cfg.Heartbeat.FastInterval, defaultFastInterval},
		{"heartbeat.health_interval", &cfg.Heartbeat.HealthInterval, defaultHealthInterval},
		{"dedup.window", &cfg.Dedup.Window, defaultDedupWindow},
		{"session.timeout", &cfg.Session.Timeout, defaultSessionTimeout},
		{"cloud.retry_delay", &cfg.Cloud.RetryDelay, defaultRetryDelay},
	}
	for _, d := range durs {
		if !v.IsSet(d.key) {
			*d.dst = d.def
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = defaultMaxHops
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = defaultSecretEnv
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Cloud.Enabled && len(c.Cloud.RouteURLs) == 0 {
		return fmt.Errorf("cloud.route_urls is required when cloud.enabled")
	}
	return nil
}

// JWTSecret fetches the admin API signing secret from the configured
// environment variable.
func (c Config) JWTSecret() (string, error) {
	env := c.Auth.SecretEnv
	if env == "" {
		env = defaultSecretEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("jwt secret env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
