package writer

import "time"

// WriterConfig holds batching configuration.
type WriterConfig struct {
	// BatchSize is the number of events to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// MaxRetries bounds how many times a failed batch is kept for the next flush.
	MaxRetries int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		MaxRetries:    3,
	}
}

// WriterMetrics tracks writer statistics.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Dropped   int64
	Flushes   int64
}
