// Package chunk groups device-context records into the fixed-size batches the
// ingestion API accepts per push call.
//
// Batching is lazy and keeps input order. Only the last batch may be short.
// An empty input produces no batches at all.
//
// Example usage:
//
//	for batch := range chunk.Batches(records, chunk.DefaultBatchSize) {
//	    outcome, err := txn.Push(ctx, batch)
//	    ...
//	}
package chunk

// DefaultBatchSize is the number of records the ingestion API takes per push.
const DefaultBatchSize = 10

// Config configures batching behavior.
type Config struct {
	// BatchSize is the maximum number of records per batch (default: 10)
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// DefaultConfig returns the batch configuration the ingestion API expects.
func DefaultConfig() *Config {
	return &Config{BatchSize: DefaultBatchSize}
}

// Validate validates the configuration, filling in defaults.
func (c *Config) Validate() error {
	c.BatchSize = normalize(c.BatchSize)
	return nil
}
