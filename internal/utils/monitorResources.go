package utils

import (
	"context"
	"runtime"
	"time"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/metrics"
)

// MonitorResources samples goroutines and heap usage every interval until
// ctx is done, updating the runtime gauges and logging at debug level.
func MonitorResources(ctx context.Context, interval time.Duration, log logging.Logger, coll *metrics.Collector) {
	if interval <= 0 {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sample(ctx, log, coll)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sample(ctx context.Context, log logging.Logger, coll *metrics.Collector) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	goroutines := runtime.NumGoroutine()
	coll.SetRuntime(goroutines, memStats.HeapAlloc)
	log.Debug(ctx, "resource monitor",
		logging.Int("goroutines", goroutines),
		logging.Float("heap_alloc_kb", float64(memStats.HeapAlloc)/1024),
		logging.Any("heap_objects", memStats.HeapObjects),
	)
}
