package classify

import (
	"context"
	"image"
	"sync"

	"github.com/corona10/goimagehash"

	apperrors "github.com/GriffinCanCode/quietrefresh/internal/errors"
	"github.com/GriffinCanCode/quietrefresh/internal/screen"
	"github.com/GriffinCanCode/quietrefresh/internal/trace"
)

// ThresholdFunc returns the current significant-change percentage. It is
// read once per Classify call.
type ThresholdFunc func() float64

// Result is the outcome of one classification cycle.
type Result struct {
	Changed     int     `json:"changed"`     // pixels past PixelDelta
	Total       int     `json:"total"`       // pixels in the frame
	Percent     float64 `json:"percent"`     // Changed / Total * 100
	Threshold   float64 `json:"threshold"`   // threshold the result was judged against
	Significant bool    `json:"significant"` // Percent >= Threshold
	Compared    bool    `json:"compared"`    // false on the first cycle, no baseline yet
	Skipped     bool    `json:"skipped"`     // frame rejected, baseline untouched

	// PerceptualDistance is the dHash Hamming distance between the old and
	// new baseline, set only for significant results. Diagnostic only.
	PerceptualDistance int `json:"perceptual_distance"`
}

// Pipeline holds the two luminance planes for one desktop size. Classify
// calls are serialized; a Pipeline is discarded, never resized, when the
// display changes.
type Pipeline struct {
	width, height int
	threshold     ThresholdFunc
	bands         []band

	mu       sync.Mutex
	current  []float32
	previous []float32
	primed   bool
}

// NewPipeline allocates planes for a w×h desktop.
func NewPipeline(w, h int, threshold ThresholdFunc) (*Pipeline, error) {
	if w <= 0 || h <= 0 {
		return nil, apperrors.Newf(apperrors.PipelineInit, "invalid plane size %dx%d", w, h)
	}
	if threshold == nil {
		return nil, apperrors.New(apperrors.PipelineInit, "nil threshold source")
	}
	n := w * h
	return &Pipeline{
		width:     w,
		height:    h,
		threshold: threshold,
		bands:     defaultBands(h),
		current:   make([]float32, n),
		previous:  make([]float32, n),
	}, nil
}

// Bounds returns the plane size the pipeline was built for.
func (p *Pipeline) Bounds() image.Rectangle { return image.Rect(0, 0, p.width, p.height) }

// Classify converts frame to luminance, compares it against the previous
// baseline and makes it the new baseline. A frame of the wrong size is
// skipped with no change reported. On cancellation the baseline is kept.
func (p *Pipeline) Classify(ctx context.Context, frame *screen.Frame) (Result, error) {
	if frame.Width() != p.width || frame.Height() != p.height {
		err := apperrors.Newf(apperrors.DimensionMismatch, "frame %dx%d, pipeline %dx%d",
			frame.Width(), frame.Height(), p.width, p.height)
		trace.Logger(ctx).Debug("frame skipped", "error", err)
		return Result{Skipped: true}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := dispatch(ctx, p.bands, func(_ int, b band) {
		lumaKernel(p.current, frame.Image, b)
	}); err != nil {
		return Result{}, err
	}

	res := Result{Total: p.width * p.height, Threshold: p.threshold()}
	if p.primed {
		counts := make([]int, len(p.bands))
		if err := dispatch(ctx, p.bands, func(i int, b band) {
			counts[i] = diffKernel(p.current, p.previous, p.width, b)
		}); err != nil {
			return Result{}, err
		}
		for _, c := range counts {
			res.Changed += c
		}
		res.Compared = true
		res.Percent = float64(res.Changed) * 100 / float64(res.Total)
		res.Significant = res.Percent >= res.Threshold
		if res.Significant {
			res.PerceptualDistance = p.perceptualDistance(ctx)
		}
	}

	p.current, p.previous = p.previous, p.current
	p.primed = true
	return res, nil
}

// Baseline returns a copy of the retained luminance plane, or nil before
// the first cycle.
func (p *Pipeline) Baseline() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.primed {
		return nil
	}
	out := make([]float32, len(p.previous))
	copy(out, p.previous)
	return out
}

// Reset drops the baseline so the next cycle makes no comparison.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.primed = false
	p.mu.Unlock()
}

// perceptualDistance hashes thumbnails of both planes. Errors are logged
// and reported as -1.
func (p *Pipeline) perceptualDistance(ctx context.Context) int {
	log := trace.Logger(ctx)
	prev, err := goimagehash.DifferenceHash(p.thumbnail(p.previous))
	if err != nil {
		log.Debug("dhash failed", "error", err)
		return -1
	}
	cur, err := goimagehash.DifferenceHash(p.thumbnail(p.current))
	if err != nil {
		log.Debug("dhash failed", "error", err)
		return -1
	}
	dist, err := prev.Distance(cur)
	if err != nil {
		return -1
	}
	return dist
}

// thumbnail nearest-samples a plane into a small grayscale image.
func (p *Pipeline) thumbnail(plane []float32) *image.Gray {
	tw, th := min(thumbWidth, p.width), min(thumbHeight, p.height)
	img := image.NewGray(image.Rect(0, 0, tw, th))
	for ty := 0; ty < th; ty++ {
		y := ty * p.height / th
		for tx := 0; tx < tw; tx++ {
			x := tx * p.width / tw
			img.Pix[ty*img.Stride+tx] = uint8(plane[y*p.width+x]*255 + 0.5)
		}
	}
	return img
}
