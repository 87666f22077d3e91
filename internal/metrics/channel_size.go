package metrics

import (
	"context"
	"time"

	"subflow/logger"
)

// StartChannelSizeMetrics emits the occupancy of ch every interval until ctx
// is cancelled. A one second cadence is used when interval <= 0.
func StartChannelSizeMetrics[T any](ctx context.Context, name string, ch chan T, interval time.Duration) {
	if ch == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, "channel_buffers", name+"_buffer_length", len(ch), "gauge", logger.Fields{
					"buffer":   name,
					"capacity": cap(ch),
				})
			}
		}
	}()
}
