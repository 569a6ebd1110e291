package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CORKBOARD"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabaseDSN         = "corkboard.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultSessionIssuer       = "tauth"
	defaultRedisAddress        = "127.0.0.1:6379"
	defaultFanoutChannel       = "corkboard:events"
	defaultKafkaTopic          = "corkboard.activity"
	defaultCausalStamp         = "single"
	defaultPresenceTTL         = 300 * time.Second
	defaultTypingTTL           = 5 * time.Second
	defaultSnapshotMaxUpdates  = 50
	defaultSnapshotInterval    = 5 * time.Minute
	defaultHistoryMaxLimit     = 100
	defaultAccessTimeout       = 2 * time.Second
	defaultShutdownGracePeriod = 10 * time.Second
)

// AppConfig captures runtime configuration for the realtime core.
type AppConfig struct {
	HTTPAddress         string
	InstanceID          string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	DatabaseDriver      string
	DatabaseDSN         string
	RedisAddress        string
	RedisPassword       string
	RedisDB             int
	FanoutChannel       string
	KafkaBrokers        []string
	KafkaTopic          string
	AccessEndpoint      string
	AccessTimeout       time.Duration
	CausalStamp         string
	PresenceTTL         time.Duration
	TypingTTL           time.Duration
	SnapshotMaxUpdates  int
	SnapshotInterval    time.Duration
	HistoryMaxLimit     int
	AllowedOrigins      []string
	ShutdownGracePeriod time.Duration
	LogLevel            string
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("http.shutdown_grace_period", defaultShutdownGracePeriod)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("fanout.channel", defaultFanoutChannel)
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("access.timeout", defaultAccessTimeout)
	configViper.SetDefault("events.causal_stamp", defaultCausalStamp)
	configViper.SetDefault("events.history_max_limit", defaultHistoryMaxLimit)
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("presence.typing_ttl", defaultTypingTTL)
	configViper.SetDefault("documents.snapshot_max_updates", defaultSnapshotMaxUpdates)
	configViper.SetDefault("documents.snapshot_interval", defaultSnapshotInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		InstanceID:          configViper.GetString("instance.id"),
		SessionSigningKey:   configViper.GetString("session.signing_secret"),
		SessionIssuer:       configViper.GetString("session.issuer"),
		SessionCookieName:   configViper.GetString("session.cookie_name"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		RedisAddress:        configViper.GetString("redis.address"),
		RedisPassword:       configViper.GetString("redis.password"),
		RedisDB:             configViper.GetInt("redis.db"),
		FanoutChannel:       configViper.GetString("fanout.channel"),
		KafkaBrokers:        splitList(configViper.GetStringSlice("kafka.brokers")),
		KafkaTopic:          configViper.GetString("kafka.topic"),
		AccessEndpoint:      strings.TrimSpace(configViper.GetString("access.endpoint")),
		AccessTimeout:       configViper.GetDuration("access.timeout"),
		CausalStamp:         strings.ToLower(strings.TrimSpace(configViper.GetString("events.causal_stamp"))),
		PresenceTTL:         configViper.GetDuration("presence.ttl"),
		TypingTTL:           configViper.GetDuration("presence.typing_ttl"),
		SnapshotMaxUpdates:  configViper.GetInt("documents.snapshot_max_updates"),
		SnapshotInterval:    configViper.GetDuration("documents.snapshot_interval"),
		HistoryMaxLimit:     configViper.GetInt("events.history_max_limit"),
		AllowedOrigins:      splitList(configViper.GetStringSlice("http.allowed_origins")),
		ShutdownGracePeriod: configViper.GetDuration("http.shutdown_grace_period"),
		LogLevel:            configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if strings.TrimSpace(c.FanoutChannel) == "" {
		return fmt.Errorf("fanout.channel is required")
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	switch c.CausalStamp {
	case "single", "vector":
	default:
		return fmt.Errorf("events.causal_stamp %q is not supported", c.CausalStamp)
	}
	if c.PresenceTTL <= 0 || c.TypingTTL <= 0 {
		return fmt.Errorf("presence ttls must be positive")
	}
	if c.SnapshotMaxUpdates <= 0 {
		return fmt.Errorf("documents.snapshot_max_updates must be positive")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("documents.snapshot_interval must be positive")
	}
	if c.HistoryMaxLimit <= 0 {
		return fmt.Errorf("events.history_max_limit must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value,
// which is how list settings arrive from environment variables.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
