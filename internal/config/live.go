package config

import (
	"math"
	"slices"
	"sync/atomic"
	"time"

	apperrors "github.com/GriffinCanCode/quietrefresh/internal/errors"
)

// DefaultThreshold is the default changed-pixel percentage.
const DefaultThreshold = 3.0

// Thresholds are the selectable changed-pixel percentages.
var Thresholds = []float64{1, 2, 3, 5, 10, 15, 20}

// Bounds for runtime-adjustable durations.
const (
	MinInterval    = 50 * time.Millisecond
	MaxInterval    = 60 * time.Second
	MinQuietPeriod = 100 * time.Millisecond
	MaxQuietPeriod = 5 * time.Minute
)

// ValidateThreshold accepts only the enumerated percentages.
func ValidateThreshold(pct float64) error {
	if !slices.Contains(Thresholds, pct) {
		return apperrors.Newf(apperrors.ConfigInvalid, "threshold %g%% not one of %v", pct, Thresholds)
	}
	return nil
}

// ValidateInterval bounds the capture interval.
func ValidateInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return apperrors.Newf(apperrors.ConfigInvalid, "capture interval %v outside [%v, %v]", d, MinInterval, MaxInterval)
	}
	return nil
}

// ValidateQuietPeriod bounds the quiet period.
func ValidateQuietPeriod(d time.Duration) error {
	if d < MinQuietPeriod || d > MaxQuietPeriod {
		return apperrors.Newf(apperrors.ConfigInvalid, "quiet period %v outside [%v, %v]", d, MinQuietPeriod, MaxQuietPeriod)
	}
	return nil
}

// Live holds settings owned by outside collaborators (HTTP, WebSocket,
// config file) and read by the capture and debounce loops every cycle.
// Each field is independently atomic.
type Live struct {
	threshold      atomic.Uint64 // float64 bits
	interval       atomic.Int64
	quiet          atomic.Int64
	captureEnabled atomic.Bool
	pointerMotion  atomic.Bool
	version        atomic.Uint64
}

// NewLive seeds live settings from the startup config.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.Apply(cfg)
	return l
}

// Apply copies the runtime-adjustable fields of cfg.
func (l *Live) Apply(cfg *Config) {
	l.threshold.Store(math.Float64bits(cfg.CaptureThreshold))
	l.interval.Store(int64(cfg.CaptureInterval))
	l.quiet.Store(int64(cfg.QuietPeriod))
	l.captureEnabled.Store(cfg.CaptureEnabled)
	l.pointerMotion.Store(cfg.PointerMotion)
	l.version.Add(1)
}

func (l *Live) Threshold() float64            { return math.Float64frombits(l.threshold.Load()) }
func (l *Live) CaptureInterval() time.Duration { return time.Duration(l.interval.Load()) }
func (l *Live) QuietPeriod() time.Duration     { return time.Duration(l.quiet.Load()) }
func (l *Live) CaptureEnabled() bool           { return l.captureEnabled.Load() }
func (l *Live) PointerMotion() bool            { return l.pointerMotion.Load() }

// Version increments on every accepted change.
func (l *Live) Version() uint64 { return l.version.Load() }

func (l *Live) SetThreshold(pct float64) error {
	if err := ValidateThreshold(pct); err != nil {
		return err
	}
	l.threshold.Store(math.Float64bits(pct))
	l.version.Add(1)
	return nil
}

func (l *Live) SetCaptureInterval(d time.Duration) error {
	if err := ValidateInterval(d); err != nil {
		return err
	}
	l.interval.Store(int64(d))
	l.version.Add(1)
	return nil
}

func (l *Live) SetQuietPeriod(d time.Duration) error {
	if err := ValidateQuietPeriod(d); err != nil {
		return err
	}
	l.quiet.Store(int64(d))
	l.version.Add(1)
	return nil
}

func (l *Live) SetCaptureEnabled(enabled bool) {
	l.captureEnabled.Store(enabled)
	l.version.Add(1)
}

func (l *Live) SetPointerMotion(enabled bool) {
	l.pointerMotion.Store(enabled)
	l.version.Add(1)
}

// Settings is a point-in-time copy of Live, also used as the wire shape
// for settings updates.
type Settings struct {
	Threshold      float64 `json:"threshold"`
	IntervalMs     int64   `json:"interval_ms"`
	QuietPeriodMs  int64   `json:"quiet_period_ms"`
	CaptureEnabled bool    `json:"capture_enabled"`
	PointerMotion  bool    `json:"pointer_motion"`
}

// Snapshot returns the current settings.
func (l *Live) Snapshot() Settings {
	return Settings{
		Threshold:      l.Threshold(),
		IntervalMs:     l.CaptureInterval().Milliseconds(),
		QuietPeriodMs:  l.QuietPeriod().Milliseconds(),
		CaptureEnabled: l.CaptureEnabled(),
		PointerMotion:  l.PointerMotion(),
	}
}

// Patch is a partial settings update; nil fields are left unchanged.
type Patch struct {
	Threshold      *float64 `json:"threshold,omitempty"`
	IntervalMs     *int64   `json:"interval_ms,omitempty"`
	QuietPeriodMs  *int64   `json:"quiet_period_ms,omitempty"`
	CaptureEnabled *bool    `json:"capture_enabled,omitempty"`
	PointerMotion  *bool    `json:"pointer_motion,omitempty"`
}

// ApplyPatch validates every field before changing any of them.
func (l *Live) ApplyPatch(p Patch) error {
	if p.Threshold != nil {
		if err := ValidateThreshold(*p.Threshold); err != nil {
			return err
		}
	}
	if p.IntervalMs != nil {
		if err := ValidateInterval(time.Duration(*p.IntervalMs) * time.Millisecond); err != nil {
			return err
		}
	}
	if p.QuietPeriodMs != nil {
		if err := ValidateQuietPeriod(time.Duration(*p.QuietPeriodMs) * time.Millisecond); err != nil {
			return err
		}
	}

	if p.Threshold != nil {
		_ = l.SetThreshold(*p.Threshold)
	}
	if p.IntervalMs != nil {
		_ = l.SetCaptureInterval(time.Duration(*p.IntervalMs) * time.Millisecond)
	}
	if p.QuietPeriodMs != nil {
		_ = l.SetQuietPeriod(time.Duration(*p.QuietPeriodMs) * time.Millisecond)
	}
	if p.CaptureEnabled != nil {
		l.SetCaptureEnabled(*p.CaptureEnabled)
	}
	if p.PointerMotion != nil {
		l.SetPointerMotion(*p.PointerMotion)
	}
	return nil
}
