package metrics

import (
	"context"
	"time"

	"liqflow/internal/channel/liq"
	"liqflow/logger"
)

// StartChannelSizeMetrics emits buffer occupancy, raw backpressure and archive
// drop totals of the liquidation channels every interval until ctx is cancelled. A non-positive
// interval means one second.
func StartChannelSizeMetrics(ctx context.Context, channels *liq.Channels, interval time.Duration) {
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	const component = "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := channels.GetStats()
				EmitMetric(log, component, "raw_buffer_length", stats.RawBufferLen, "gauge", logger.Fields{
					"buffer":   "raw",
					"capacity": cap(channels.Raw),
				})
				EmitMetric(log, component, "raw_blocked_total", stats.RawBlocked, "gauge", logger.Fields{"buffer": "raw"})
				if channels.Archive != nil {
					EmitMetric(log, component, "archive_buffer_length", stats.ArchiveBufferLen, "gauge", logger.Fields{
						"buffer":   "archive",
						"capacity": cap(channels.Archive),
					})
					EmitMetric(log, component, "archive_dropped_total", stats.ArchiveDropped, "gauge", logger.Fields{"buffer": "archive"})
				}
			}
		}
	}()
}
