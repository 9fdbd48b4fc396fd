/*
Package jobqueue configuration - tunable parameters for the River verification queue.

## Quick Configuration Reference:

### Performance Tuning:
- Increase MaxWorkers for higher verification throughput (each worker holds
  one LLM request in flight)
- Lower MaxWorkers to stay inside provider rate limits

### Reliability Tuning:
- MaxAttempts bounds how often a failed verification is retried; River
  applies its own backoff between attempts
- JobTimeout should comfortably cover one oracle round trip including
  the oracle's internal retries

## Monitoring and Debugging:
- Job status can be monitored via River's built-in job tracking
- Failed jobs retain error information in the River jobs table
- Verification outcomes land on the commitment rows themselves
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the verification queue
type QueueConfig struct {
	MaxWorkers  int           // Number of concurrent verification workers (default: 4)
	MaxAttempts int           // Maximum attempts per job including the first (default: 5)
	JobTimeout  time.Duration // Maximum time a single verification can run (default: 3 minutes)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		// Verification is LLM-bound; a handful of workers saturates most
		// provider rate limits.
		MaxWorkers: 4,

		MaxAttempts: 5,
		JobTimeout:  3 * time.Minute,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
