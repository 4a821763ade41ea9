// Package classify turns captured frames into a "significant change" signal.
package classify

// Classifier constants
const (
	// PixelDelta is the per-pixel luminance difference (0..1 scale) above
	// which a pixel counts as changed. Independent of the user threshold.
	PixelDelta = 0.05

	// Minimum rows per compute band; small frames run as a single band
	minBandRows = 32

	// Thumbnail size used for perceptual-hash diagnostics
	thumbWidth  = 64
	thumbHeight = 36
)
