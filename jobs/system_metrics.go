package jobs

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/databroker/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Number of workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Total configured workers
	JobsProcessed int     `json:"jobs_processed"`  // Jobs run since the pool started
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsWaiting   int     `json:"jobs_waiting"`
	JobsRunning   int     `json:"jobs_running"`
}

// getMemoryStats returns current memory usage in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	// Gracefully handle database errors - report 0s if the query fails
	counts, err := wp.tracker.Store().Counts(ctx)
	if err != nil {
		counts = map[Status]int{}
	}

	active, processed := wp.Stats()
	return SystemMetrics{
		WorkersActive: active,
		WorkersTotal:  wp.config.Workers,
		JobsProcessed: processed,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsWaiting:   counts[StatusWaiting],
		JobsRunning:   counts[StatusRunning],
	}
}

// checkMemoryPressure returns a warning when memory use is above the
// configured threshold, empty string if OK or unknown
func (wp *WorkerPool) checkMemoryPressure() string {
	if wp.config.MemoryPressurePercent <= 0 {
		return ""
	}
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return "" // Can't check, assume OK
	}
	return memoryWarning(total, available, wp.config.MemoryPressurePercent, wp.config.Workers)
}

func memoryWarning(total, available uint64, threshold float64, workers int) string {
	usedPercent := float64(total-available) / float64(total) * 100
	if usedPercent < threshold {
		return ""
	}
	return fmt.Sprintf(
		"Memory use %.1f%% is above %.0f%% with %d workers (%.1f/%.1fGB). "+
			"Consider reducing validator.workers or validator.page_size.",
		usedPercent, threshold, workers,
		float64(total-available)/1024/1024/1024, float64(total)/1024/1024/1024)
}
