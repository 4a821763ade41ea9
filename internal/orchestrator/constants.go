// Package orchestrator wires capture, activity observation, the debounce
// engine and the refresh dispatcher into one daemon.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Event store configuration
	EventMaxEntries = 200
	EventBuffer     = 64

	// History batcher configuration
	HistoryBatchMaxSize    = 20
	HistoryBatchFlushDelay = 2 * time.Second
)
