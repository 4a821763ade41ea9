package classify

import (
	"context"
	"image"
	"image/color"
	"math"
	"testing"

	apperrors "github.com/GriffinCanCode/quietrefresh/internal/errors"
	"github.com/GriffinCanCode/quietrefresh/internal/screen"
)

func fixed(pct float64) ThresholdFunc { return func() float64 { return pct } }

func grayImage(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img
}

// withWhite returns a black w×h frame whose first n pixels are white.
func withWhite(w, h, n int) *screen.Frame {
	img := grayImage(w, h, 0)
	for i := 0; i < n; i++ {
		img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2] = 255, 255, 255
	}
	return screen.NewFrame(img, nil)
}

func frameOf(img *image.RGBA) *screen.Frame { return screen.NewFrame(img, nil) }

func colorRGBA(r, g, b uint8) color.RGBA { return color.RGBA{R: r, G: g, B: b, A: 255} }

func mustPipeline(t *testing.T, w, h int, threshold ThresholdFunc) *Pipeline {
	t.Helper()
	p, err := NewPipeline(w, h, threshold)
	if err != nil {
		t.Fatalf("NewPipeline(%d, %d) = %v", w, h, err)
	}
	return p
}

func classify(t *testing.T, p *Pipeline, f *screen.Frame) Result {
	t.Helper()
	res, err := p.Classify(context.Background(), f)
	if err != nil {
		t.Fatalf("Classify() = %v", err)
	}
	return res
}

func TestNewPipelineRejectsBadSize(t *testing.T) {
	for _, dims := range [][2]int{{0, 10}, {10, 0}, {-1, -1}} {
		_, err := NewPipeline(dims[0], dims[1], fixed(3))
		if !apperrors.IsCode(err, apperrors.PipelineInit) {
			t.Errorf("NewPipeline(%d, %d) = %v, want PipelineInit", dims[0], dims[1], err)
		}
	}
	if _, err := NewPipeline(10, 10, nil); !apperrors.IsCode(err, apperrors.PipelineInit) {
		t.Errorf("NewPipeline with nil threshold = %v, want PipelineInit", err)
	}
}

func TestFirstCycleMakesNoComparison(t *testing.T) {
	p := mustPipeline(t, 40, 25, fixed(3))

	res := classify(t, p, withWhite(40, 25, 1000))
	if res.Compared || res.Significant || res.Changed != 0 {
		t.Errorf("first cycle = %+v, want no comparison", res)
	}
	if p.Baseline() == nil {
		t.Error("first cycle must still set the baseline")
	}
}

func TestThresholdScenario(t *testing.T) {
	tests := []struct {
		name    string
		changed int
		want    bool
	}{
		{"25 of 1000 is 2.5%", 25, false},
		{"30 of 1000 is exactly 3%", 30, true},
		{"35 of 1000 is 3.5%", 35, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustPipeline(t, 40, 25, fixed(3))
			classify(t, p, withWhite(40, 25, 0))

			res := classify(t, p, withWhite(40, 25, tt.changed))
			if res.Changed != tt.changed || res.Total != 1000 {
				t.Errorf("Changed/Total = %d/%d, want %d/1000", res.Changed, res.Total, tt.changed)
			}
			if res.Significant != tt.want {
				t.Errorf("Significant = %v at %.1f%%, want %v", res.Significant, res.Percent, tt.want)
			}
		})
	}
}

func TestSubDeltaChangesNeverSignificant(t *testing.T) {
	p := mustPipeline(t, 32, 32, fixed(1))

	// 12/255 ≈ 0.047 on every channel stays under PixelDelta.
	levels := []uint8{100, 112, 124, 112, 100}
	for i, v := range levels {
		res := classify(t, p, frameOf(grayImage(32, 32, v)))
		if res.Changed != 0 || res.Significant {
			t.Errorf("step %d (level %d): %+v, want no changed pixels", i, v, res)
		}
	}
}

func TestSignificantOncePerQualifyingFrame(t *testing.T) {
	p := mustPipeline(t, 40, 25, fixed(3))
	classify(t, p, withWhite(40, 25, 0))

	changed := withWhite(40, 25, 500)
	if res := classify(t, p, changed); !res.Significant {
		t.Fatalf("qualifying frame not significant: %+v", res)
	}
	for i := 0; i < 3; i++ {
		if res := classify(t, p, changed); res.Significant || res.Changed != 0 {
			t.Errorf("repeat %d = %+v, want no change", i, res)
		}
	}
}

func TestIdempotentOnUnchangedFrame(t *testing.T) {
	p := mustPipeline(t, 50, 40, fixed(1))
	f := withWhite(50, 40, 777)

	classify(t, p, f)
	for i := 0; i < 5; i++ {
		res := classify(t, p, f)
		if res.Percent != 0 || !res.Compared {
			t.Errorf("cycle %d = %+v, want 0%% compared", i, res)
		}
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	p := mustPipeline(t, 4, 2, fixed(3))
	img := grayImage(4, 2, 0)
	img.SetRGBA(1, 0, colorRGBA(255, 0, 0))
	img.SetRGBA(2, 1, colorRGBA(30, 60, 90))

	classify(t, p, frameOf(img))

	base := p.Baseline()
	if got, want := base[1], float32(255)/765; math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("baseline[1] = %v, want unweighted %v", got, want)
	}
	if got, want := base[6], float32(180)/765; math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("baseline[6] = %v, want %v", got, want)
	}

	if res := classify(t, p, frameOf(img)); res.Changed != 0 {
		t.Errorf("identical next frame changed %d pixels", res.Changed)
	}
}

func TestDimensionMismatchIsSkipped(t *testing.T) {
	p := mustPipeline(t, 40, 25, fixed(3))
	classify(t, p, withWhite(40, 25, 0))
	before := p.Baseline()

	res, err := p.Classify(context.Background(), withWhite(41, 25, 1025))
	if err != nil {
		t.Fatalf("mismatch should not error, got %v", err)
	}
	if !res.Skipped || res.Significant {
		t.Errorf("mismatch result = %+v, want skipped", res)
	}

	after := p.Baseline()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("baseline changed at %d after skipped frame", i)
		}
	}
}

func TestCancelledCycleKeepsBaseline(t *testing.T) {
	p := mustPipeline(t, 40, 25, fixed(3))
	baseline := withWhite(40, 25, 0)
	classify(t, p, baseline)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Classify(ctx, withWhite(40, 25, 1000)); err == nil {
		t.Fatal("cancelled Classify should fail")
	}

	if res := classify(t, p, baseline); res.Changed != 0 {
		t.Errorf("baseline moved by cancelled cycle: %+v", res)
	}
}

func TestThresholdReadEachCycle(t *testing.T) {
	threshold := 20.0
	p := mustPipeline(t, 40, 25, func() float64 { return threshold })
	classify(t, p, withWhite(40, 25, 0))

	if res := classify(t, p, withWhite(40, 25, 100)); res.Significant {
		t.Errorf("10%% against 20%% threshold = significant")
	}
	threshold = 5
	if res := classify(t, p, withWhite(40, 25, 0)); !res.Significant || res.Threshold != 5 {
		t.Errorf("10%% against 5%% threshold = %+v, want significant", res)
	}
}

func TestPerceptualDistanceOnlyWhenSignificant(t *testing.T) {
	p := mustPipeline(t, 128, 72, fixed(3))
	classify(t, p, frameOf(grayImage(128, 72, 0)))

	stripes := grayImage(128, 72, 0)
	for y := 0; y < 72; y++ {
		for x := 0; x < 128; x += 16 {
			for dx := 0; dx < 8; dx++ {
				stripes.SetRGBA(x+dx, y, colorRGBA(255, 255, 255))
			}
		}
	}
	res := classify(t, p, frameOf(stripes))
	if !res.Significant {
		t.Fatalf("stripes not significant: %+v", res)
	}
	if res.PerceptualDistance < 0 {
		t.Errorf("PerceptualDistance = %d, want hash distance", res.PerceptualDistance)
	}

	if res := classify(t, p, frameOf(stripes)); res.PerceptualDistance != 0 {
		t.Errorf("insignificant cycle PerceptualDistance = %d, want 0", res.PerceptualDistance)
	}
}

func TestSplitBandsCoversAllRows(t *testing.T) {
	for _, rows := range []int{1, 31, 32, 100, 1080} {
		for _, n := range []int{1, 3, 8, 64} {
			bands := splitBands(rows, n)
			next := 0
			for _, b := range bands {
				if b.y0 != next || b.y1 <= b.y0 {
					t.Fatalf("rows=%d n=%d: bad band %+v after %d", rows, n, b, next)
				}
				next = b.y1
			}
			if next != rows {
				t.Errorf("rows=%d n=%d: bands end at %d", rows, n, next)
			}
		}
	}
}
