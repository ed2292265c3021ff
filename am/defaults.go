package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default values shared by SetDefaults and the getters below
const (
	DefaultDatabasePath   = "broker.db"
	DefaultWorkers        = 2
	DefaultPollIntervalMS = 1000
	DefaultPageSize       = 1000
	DefaultLeaseSeconds   = 120
	DefaultReportsPath    = "reports"
	DefaultTimezone       = "America/New_York"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("validator.workers", DefaultWorkers)
	v.SetDefault("validator.poll_interval_ms", DefaultPollIntervalMS)
	v.SetDefault("validator.page_size", DefaultPageSize)
	v.SetDefault("validator.max_dispatch_per_second", 0.0)
	v.SetDefault("validator.memory_pressure_percent", 90.0)
	v.SetDefault("validator.lease_seconds", DefaultLeaseSeconds)

	v.SetDefault("rules.dir", "")
	v.SetDefault("rules.watch", false)

	v.SetDefault("reports.base_path", DefaultReportsPath)

	v.SetDefault("certification.timezone", DefaultTimezone)

	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds deployment-specific values to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "BROKER_DATABASE_PATH")
	v.BindEnv("rules.dir", "BROKER_RULES_DIR")
	v.BindEnv("reports.base_path", "BROKER_REPORTS_BASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetPageSize returns the staged row page size
func (c *Config) GetPageSize() int {
	if c.Validator.PageSize <= 0 {
		return DefaultPageSize
	}
	return c.Validator.PageSize
}

// GetLease returns how long a job claim survives without a heartbeat
func (c *Config) GetLease() time.Duration {
	if c.Validator.LeaseSeconds <= 0 {
		return DefaultLeaseSeconds * time.Second
	}
	return time.Duration(c.Validator.LeaseSeconds) * time.Second
}

// GetReportsPath returns the base path for error reports
func (c *Config) GetReportsPath() string {
	if c.Reports.BasePath == "" {
		return DefaultReportsPath
	}
	return c.Reports.BasePath
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Validator: {Workers: %d, PageSize: %d}, Rules: {Dir: %q, Watch: %t}}",
		c.GetDatabasePath(), c.Validator.Workers, c.GetPageSize(), c.Rules.Dir, c.Rules.Watch)
}
