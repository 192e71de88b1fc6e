// Package config holds the relay's configuration: a json5 file overlaid with
// environment variables. Secrets (Postgres DSN, API token) come from env
// only and are never written to the file.
package config

import (
	"time"
)

// Config is the root configuration for the relay router.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database,omitempty"`
	Router       RouterConfig       `json:"router"`
	Cache        CacheConfig        `json:"cache"`
	RateLimits   []RateLimitPolicy  `json:"rate_limits,omitempty"`
	Coordination CoordinationConfig `json:"coordination"`
	Audit        AuditConfig        `json:"audit"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-" env:"RELAY_TOKEN"` // bearer token, env only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file (secret) — env only.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	PostgresDSN string `json:"-" env:"RELAY_POSTGRES_DSN"`
	DataDir     string `json:"data_dir,omitempty"` // standalone sqlite location
}

// IsManagedMode returns true when running against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// RouterConfig tunes the event pipeline.
type RouterConfig struct {
	Workers                int     `json:"workers"`
	BatchMax               int     `json:"batch_max"`
	SessionTTLSeconds      int     `json:"session_ttl_seconds"`
	DispatchTimeoutSeconds int     `json:"dispatch_timeout_seconds"`
	OutboundRPS            float64 `json:"outbound_rps"`
	OutboundBurst          int     `json:"outbound_burst"`
}

func (r RouterConfig) SessionTTL() time.Duration {
	return time.Duration(r.SessionTTLSeconds) * time.Second
}

// CacheConfig tunes the command/permission lookup cache.
type CacheConfig struct {
	CommandTTLSeconds    int `json:"command_ttl_seconds"`
	PermissionTTLSeconds int `json:"permission_ttl_seconds"`
	RuleTTLSeconds       int `json:"rule_ttl_seconds"`
}

func (c CacheConfig) CommandTTL() time.Duration {
	return time.Duration(c.CommandTTLSeconds) * time.Second
}

func (c CacheConfig) PermissionTTL() time.Duration {
	return time.Duration(c.PermissionTTLSeconds) * time.Second
}

func (c CacheConfig) RuleTTL() time.Duration {
	return time.Duration(c.RuleTTLSeconds) * time.Second
}

// RateLimitPolicy is one rate-limit granularity. All configured policies must
// pass for a command to dispatch.
type RateLimitPolicy struct {
	Scope         string `json:"scope"` // "user", "user_command", "user_command_entity"
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
}

// CoordinationConfig holds the entity-lease timing policy.
type CoordinationConfig struct {
	CheckinSeconds int `json:"checkin_seconds"`
	TimeoutSeconds int `json:"timeout_seconds"`
	GraceSeconds   int `json:"grace_seconds"`
	MaxClaims      int `json:"max_claims"`
}

// AuditConfig controls response-audit retention.
type AuditConfig struct {
	RetentionDays int    `json:"retention_days"`
	PurgeSchedule string `json:"purge_schedule"` // cron expression
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // OTLP/HTTP collector endpoint
	ServiceName string `json:"service_name,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18420,
		},
		Database: DatabaseConfig{
			Mode:    "standalone",
			DataDir: "~/.relay/data",
		},
		Router: RouterConfig{
			Workers:                32,
			BatchMax:               100,
			SessionTTLSeconds:      30,
			DispatchTimeoutSeconds: 10,
			OutboundRPS:            20,
			OutboundBurst:          40,
		},
		Cache: CacheConfig{
			CommandTTLSeconds:    300,
			PermissionTTLSeconds: 600,
			RuleTTLSeconds:       300,
		},
		RateLimits: []RateLimitPolicy{
			{Scope: "user", Limit: 20, WindowSeconds: 60},
			{Scope: "user_command_entity", Limit: 5, WindowSeconds: 60},
		},
		Coordination: CoordinationConfig{
			CheckinSeconds: 300,
			TimeoutSeconds: 360,
			GraceSeconds:   60,
			MaxClaims:      200,
		},
		Audit: AuditConfig{
			RetentionDays: 14,
			PurgeSchedule: "0 4 * * *",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "relay",
		},
	}
}
