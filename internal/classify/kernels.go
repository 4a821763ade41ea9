package classify

import (
	"context"
	"image"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// band is a half-open row range [y0, y1).
type band struct{ y0, y1 int }

// splitBands divides rows into at most n contiguous bands.
func splitBands(rows, n int) []band {
	if n > rows/minBandRows {
		n = rows / minBandRows
	}
	if n < 1 {
		n = 1
	}
	bands := make([]band, 0, n)
	step := (rows + n - 1) / n
	for y := 0; y < rows; y += step {
		bands = append(bands, band{y, min(y+step, rows)})
	}
	return bands
}

func defaultBands(rows int) []band {
	return splitBands(rows, runtime.GOMAXPROCS(0))
}

// dispatch runs kernel once per band and waits for all of them. Bands that
// have not started when ctx is cancelled are not run.
func dispatch(ctx context.Context, bands []band, kernel func(i int, b band)) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range bands {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			kernel(i, b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// lumaKernel writes the unweighted (R+G+B)/3 luminance, normalised to 0..1,
// of rows [b.y0, b.y1) of img into dst.
func lumaKernel(dst []float32, img *image.RGBA, b band) {
	w := img.Rect.Dx()
	for y := b.y0; y < b.y1; y++ {
		src := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
		row := dst[y*w : (y+1)*w]
		for x := range row {
			p := src[x*4 : x*4+3 : x*4+3]
			row[x] = float32(int(p[0])+int(p[1])+int(p[2])) / (3 * 255)
		}
	}
}

// diffKernel counts pixels of rows [b.y0, b.y1) whose luminance moved by
// more than PixelDelta.
func diffKernel(cur, prev []float32, w int, b band) int {
	n := 0
	for i := b.y0 * w; i < b.y1*w; i++ {
		d := cur[i] - prev[i]
		if d > PixelDelta || d < -PixelDelta {
			n++
		}
	}
	return n
}
