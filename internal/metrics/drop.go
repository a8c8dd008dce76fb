package metrics

import "liqflow/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricArchive records normalized events the archive writer could not take.
	DropMetricArchive DropMetric = "archive_records_dropped"
)

// EmitDropMetric counts one dropped message. exchange and stage are attached
// as metric fields when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if stage != "" {
		fields["stage"] = stage
	}

	IncChannelDrop(stage)
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
