// Package server provides the local HTTP and WebSocket control surface.
package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket message rate limit
	RateLimitMessages = 20
	RateLimitWindow   = time.Second

	// HTTP timeouts; WriteTimeout does not apply to hijacked WebSocket conns
	ReadTimeout     = 10 * time.Second
	WriteTimeout    = 10 * time.Second
	ShutdownTimeout = 5 * time.Second

	// Default and maximum rows for /api/history
	DefaultHistoryLimit = 50

	// Window of the history summary
	SummaryWindow = 24 * time.Hour

	// Longest wait for a single WebSocket write
	WSWriteTimeout = 2 * time.Second
)
