package am

import (
	"time"

	"github.com/teranos/databroker/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Workers: 0 = synchronous runs only, negative = invalid
	if c.Validator.Workers < 0 {
		return errors.Newf("validator.workers must be >= 0, got %d", c.Validator.Workers)
	}

	// Poll interval: 0 = no polling, jobs are only handed off directly
	if c.Validator.PollIntervalMS < 0 {
		return errors.Newf("validator.poll_interval_ms must be >= 0, got %d", c.Validator.PollIntervalMS)
	}

	// Page size: 0 = default
	if c.Validator.PageSize < 0 {
		return errors.Newf("validator.page_size must be >= 0, got %d", c.Validator.PageSize)
	}

	if c.Validator.MaxDispatchPerSecond < 0 {
		return errors.Newf("validator.max_dispatch_per_second must be >= 0, got %f", c.Validator.MaxDispatchPerSecond)
	}

	if c.Validator.MemoryPressurePercent < 0 || c.Validator.MemoryPressurePercent > 100 {
		return errors.Newf("validator.memory_pressure_percent must be within 0..100, got %f", c.Validator.MemoryPressurePercent)
	}

	// Lease: 0 = default
	if c.Validator.LeaseSeconds < 0 {
		return errors.Newf("validator.lease_seconds must be >= 0, got %d", c.Validator.LeaseSeconds)
	}

	if c.Rules.Watch && c.Rules.Dir == "" {
		return errors.New("rules.watch requires rules.dir")
	}

	if c.Certification.Timezone != "" {
		if _, err := time.LoadLocation(c.Certification.Timezone); err != nil {
			return errors.Wrapf(err, "certification.timezone %q", c.Certification.Timezone)
		}
	}

	return nil
}
