package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/databroker/errors"
)

// DefaultConfig returns the configuration SetDefaults produces
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Validator: ValidatorConfig{
			Workers:               DefaultWorkers,
			PollIntervalMS:        DefaultPollIntervalMS,
			PageSize:              DefaultPageSize,
			MemoryPressurePercent: 90,
			LeaseSeconds:          DefaultLeaseSeconds,
		},
		Reports:       ReportsConfig{BasePath: DefaultReportsPath},
		Certification: CertificationConfig{Timezone: DefaultTimezone},
	}
}

// WriteConfig writes cfg as TOML to configPath, keeping a .back1 copy of any existing file
func WriteConfig(configPath string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}

// createBackup copies an existing config to .back1
func createBackup(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(configPath+".back1", content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}
