package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/quietrefresh/internal/classify"
	"github.com/GriffinCanCode/quietrefresh/internal/config"
	"github.com/GriffinCanCode/quietrefresh/internal/screen"
)

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var (
		wait    time.Duration
		samples int
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Capture a few frames and print how much of the screen changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if samples < 2 {
				return fmt.Errorf("--samples must be at least 2, got %d", samples)
			}
			return probe(cmd.Context(), cmd.OutOrStdout(), screen.NewFactory(cfg.CaptureBackend), cfg, wait, samples)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Second, "pause between frames")
	cmd.Flags().IntVar(&samples, "samples", 2, "frames to capture")
	return cmd
}

// probe opens a capture source and classifies samples consecutive frames.
func probe(ctx context.Context, out io.Writer, factory screen.Factory, cfg *config.Config, wait time.Duration, samples int) error {
	src, err := factory()
	if err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}
	defer src.Close()

	b := src.Bounds()
	live := config.NewLive(cfg)
	pipe, err := classify.NewPipeline(b.Dx(), b.Dy(), live.Threshold)
	if err != nil {
		return err
	}
	acq := screen.NewAcquirer(src)
	fmt.Fprintf(out, "backend %s, %dx%d, threshold %g%%\n", src.Name(), b.Dx(), b.Dy(), live.Threshold())

	for i := 0; i < samples; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		frame, err := acq.Acquire(ctx)
		if err != nil {
			fmt.Fprintf(out, "frame %d: %v\n", i, err)
			continue
		}
		res, err := pipe.Classify(ctx, frame)
		frame.Release()
		if err != nil {
			return err
		}
		switch {
		case res.Skipped:
			fmt.Fprintf(out, "frame %d: skipped, size changed\n", i)
		case !res.Compared:
			fmt.Fprintf(out, "frame %d: baseline\n", i)
		default:
			fmt.Fprintf(out, "frame %d: %.2f%% changed (%d/%d px), significant=%v\n",
				i, res.Percent, res.Changed, res.Total, res.Significant)
		}
	}
	return nil
}
