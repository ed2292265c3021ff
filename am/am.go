package am

// Config represents the broker configuration
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database" toml:"database"`
	Validator     ValidatorConfig     `mapstructure:"validator" toml:"validator"`
	Rules         RulesConfig         `mapstructure:"rules" toml:"rules"`
	Reports       ReportsConfig       `mapstructure:"reports" toml:"reports"`
	Certification CertificationConfig `mapstructure:"certification" toml:"certification"`
	Log           LogConfig           `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ValidatorConfig configures the validation worker pool
type ValidatorConfig struct {
	// Concurrent validation workers (default: 2), 0 = synchronous runs only
	Workers int `mapstructure:"workers" toml:"workers"`

	// How often ready jobs are picked up, 0 = hand-off only
	PollIntervalMS int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`

	// Staged rows fetched per page (default: 1000)
	PageSize int `mapstructure:"page_size" toml:"page_size"`

	// 0 = unlimited
	MaxDispatchPerSecond float64 `mapstructure:"max_dispatch_per_second" toml:"max_dispatch_per_second"`

	// Warn when system memory usage is above this percentage
	MemoryPressurePercent float64 `mapstructure:"memory_pressure_percent" toml:"memory_pressure_percent"`

	// Seconds a claimed job may go without a heartbeat before it counts as
	// abandoned (default: 120)
	LeaseSeconds int `mapstructure:"lease_seconds" toml:"lease_seconds"`
}

// RulesConfig configures where rule definitions come from
type RulesConfig struct {
	Dir   string `mapstructure:"dir" toml:"dir"`     // Extra definitions, empty = embedded only
	Watch bool   `mapstructure:"watch" toml:"watch"` // Reload Dir on change
}

// ReportsConfig configures error report locations
type ReportsConfig struct {
	BasePath string `mapstructure:"base_path" toml:"base_path"`
}

// CertificationConfig configures the certification gate
type CertificationConfig struct {
	// Location used to decide which calendar day a window is active on
	Timezone string `mapstructure:"timezone" toml:"timezone"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json" toml:"json"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
