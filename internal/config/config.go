// Package config defines and loads the application configuration.
package config

// Config holds all application configuration, grouped by concern.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains the durable store settings. URL may be empty:
// the service then runs on the fallback in-memory store only.
type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"     validate:"gte=1"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"     validate:"gte=0"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"  validate:"gte=0"` // seconds
	ConnectTimeout  int    `mapstructure:"connect_timeout"    validate:"gte=1"` // seconds
}

// CleanupConfig contains the cleanup scheduler settings. Both values
// have hard floors enforced by the scheduler itself; validation here
// catches misconfiguration early.
type CleanupConfig struct {
	IntervalHours    int `mapstructure:"interval_hours"     validate:"gte=1"`
	AgeThresholdDays int `mapstructure:"age_threshold_days" validate:"gte=1"`
}
