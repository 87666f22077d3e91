package metrics

import "subflow/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricRawFrame records frames dropped before reaching the archive writer.
	DropMetricRawFrame DropMetric = "raw_frames_dropped"
	// DropMetricReplay records buffered frames lost while being replayed after a subscribe.
	DropMetricReplay DropMetric = "replayed_frames_dropped"
)

// EmitDropMetric logs and emits one dropped message. Exchange and stage are
// attached when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
