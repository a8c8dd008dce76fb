package metrics

import "liqflow/logger"

// WriterStats holds counters of the archive writer.
type WriterStats struct {
	RecordsWritten int64
	FilesWritten   int64
	BytesWritten   int64
	ErrorsCount    int64
	BufferLen      int
	BufferCap      int
}

// ReportWriter logs a writer's counters and emits each one as a metric. The
// line is a warning once any upload has failed.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}

	var avgRecordsPerFile float64
	if stats.FilesWritten > 0 {
		avgRecordsPerFile = float64(stats.RecordsWritten) / float64(stats.FilesWritten)
	}

	EmitMetric(log, component, "records_written", stats.RecordsWritten, "counter", nil)
	EmitMetric(log, component, "files_written", stats.FilesWritten, "counter", nil)
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", nil)
	EmitMetric(log, component, "upload_errors", stats.ErrorsCount, "counter", nil)
	EmitMetric(log, component, "buffer_length", stats.BufferLen, "gauge", nil)

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"records_written":      stats.RecordsWritten,
		"files_written":        stats.FilesWritten,
		"bytes_written":        stats.BytesWritten,
		"errors_count":         stats.ErrorsCount,
		"avg_records_per_file": avgRecordsPerFile,
		"buffer_len":           stats.BufferLen,
		"buffer_cap":           stats.BufferCap,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn("archive writer stats")
		return
	}
	entry.Info("archive writer stats")
}
