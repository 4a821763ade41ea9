package screen

import "time"

// Frame acquisition constants
const (
	// Longest single wait for the compositor to report an update
	AcquireTimeout = 500 * time.Millisecond

	// Bytes per pixel of the reused RGBA frame buffers
	bytesPerPixel = 4
)
