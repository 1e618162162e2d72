package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                      = "HERITAGE"
	defaultHTTPAddress             = "0.0.0.0:8080"
	defaultDatabasePath            = "heritage.db"
	defaultLogLevel                = "info"
	defaultLogEncoding             = "json"
	defaultTokenIssuer             = "heritage-auth"
	defaultTokenAudience           = "heritage-api"
	defaultTokenTTLMinutes         = 30
	defaultCookieName              = "app_session"
	defaultSessionIssuer           = "tauth"
	defaultSendBuffer              = 64
	defaultPongWaitSeconds         = 60
	defaultWriteWaitSeconds        = 10
	defaultMaxMessageBytes         = 64 * 1024
	defaultClientEventsPerSecond   = 10.0
	defaultClientEventBurst        = 20
	defaultSweepIntervalMinutes    = 15
	defaultExpiredRetentionHours   = 24
	defaultCORSOrigin              = "*"
	minimumPongWaitSeconds         = 2
	maximumClientEventBurstAllowed = 1000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogEncoding  string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	SessionCookieName    string
	SessionSigningSecret string
	SessionIssuer        string

	AllowedOrigins []string

	SendBuffer            int
	PongWait              time.Duration
	WriteWait             time.Duration
	MaxMessageBytes       int64
	ClientEventsPerSecond float64
	ClientEventBurst      int

	SweepInterval    time.Duration
	ExpiredRetention time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("cors.allowed_origins", []string{defaultCORSOrigin})
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.pong_wait_seconds", defaultPongWaitSeconds)
	configViper.SetDefault("realtime.write_wait_seconds", defaultWriteWaitSeconds)
	configViper.SetDefault("realtime.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("realtime.client_events_per_second", defaultClientEventsPerSecond)
	configViper.SetDefault("realtime.client_event_burst", defaultClientEventBurst)
	configViper.SetDefault("notifications.sweep_interval_minutes", defaultSweepIntervalMinutes)
	configViper.SetDefault("notifications.expired_retention_hours", defaultExpiredRetentionHours)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogEncoding:  configViper.GetString("log.encoding"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),

		AllowedOrigins: normalizeOrigins(configViper.GetStringSlice("cors.allowed_origins")),

		SendBuffer:            configViper.GetInt("realtime.send_buffer"),
		PongWait:              time.Duration(configViper.GetInt("realtime.pong_wait_seconds")) * time.Second,
		WriteWait:             time.Duration(configViper.GetInt("realtime.write_wait_seconds")) * time.Second,
		MaxMessageBytes:       configViper.GetInt64("realtime.max_message_bytes"),
		ClientEventsPerSecond: configViper.GetFloat64("realtime.client_events_per_second"),
		ClientEventBurst:      configViper.GetInt("realtime.client_event_burst"),

		SweepInterval:    time.Duration(configViper.GetInt("notifications.sweep_interval_minutes")) * time.Minute,
		ExpiredRetention: time.Duration(configViper.GetInt("notifications.expired_retention_hours")) * time.Hour,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SessionCookiesEnabled reports whether the session cookie validator should be wired.
func (c AppConfig) SessionCookiesEnabled() bool {
	return strings.TrimSpace(c.SessionSigningSecret) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" || strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SessionCookiesEnabled() && strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.PongWait < minimumPongWaitSeconds*time.Second {
		return fmt.Errorf("realtime.pong_wait_seconds must be at least %d", minimumPongWaitSeconds)
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("realtime.write_wait_seconds must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("realtime.max_message_bytes must be positive")
	}
	if c.ClientEventsPerSecond <= 0 {
		return fmt.Errorf("realtime.client_events_per_second must be positive")
	}
	if c.ClientEventBurst <= 0 || c.ClientEventBurst > maximumClientEventBurstAllowed {
		return fmt.Errorf("realtime.client_event_burst must be between 1 and %d", maximumClientEventBurstAllowed)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("notifications.sweep_interval_minutes must be positive")
	}
	if c.ExpiredRetention < 0 {
		return fmt.Errorf("notifications.expired_retention_hours must not be negative")
	}
	return nil
}

func normalizeOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	if len(origins) == 0 {
		return []string{defaultCORSOrigin}
	}
	return origins
}
