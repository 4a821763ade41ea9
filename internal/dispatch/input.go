package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-vgo/robotgo"

	apperrors "github.com/GriffinCanCode/quietrefresh/internal/errors"
	"github.com/GriffinCanCode/quietrefresh/internal/trace"
)

// keyboard and mouse are the synthetic input operations the local
// dispatchers need; robotgo provides them in production.
type keyboard interface {
	KeyTap(key string, mods ...string) error
}

type mouse interface {
	Location() (int, int)
	Move(x, y int)
	Click()
}

type robot struct{}

func (robot) KeyTap(key string, mods ...string) error {
	args := make([]any, len(mods))
	for i, m := range mods {
		args[i] = m
	}
	return robotgo.KeyTap(key, args...)
}

func (robot) Location() (int, int) { return robotgo.Location() }
func (robot) Move(x, y int)        { robotgo.Move(x, y) }
func (robot) Click()               { robotgo.Click("left", false) }

// KeyDispatcher taps a key chord such as "f5" or "ctrl+r".
type KeyDispatcher struct {
	key  string
	mods []string
	kb   keyboard
}

// NewKey parses a "+"-separated chord; the last element is the key.
func NewKey(chord string) (*KeyDispatcher, error) {
	key, mods, err := parseChord(chord)
	if err != nil {
		return nil, err
	}
	return &KeyDispatcher{key: key, mods: mods, kb: robot{}}, nil
}

func parseChord(chord string) (string, []string, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(chord)), "+")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
		if parts[i] == "" {
			return "", nil, apperrors.Newf(apperrors.ConfigInvalid, "invalid key chord %q", chord)
		}
	}
	return parts[len(parts)-1], parts[:len(parts)-1], nil
}

func (d *KeyDispatcher) Fire(ctx context.Context) error {
	if err := d.kb.KeyTap(d.key, d.mods...); err != nil {
		return apperrors.Wrapf(err, apperrors.DispatchFailed, "key tap %s", d.String())
	}
	trace.Logger(ctx).Info("refresh key sent", "chord", d.String())
	return nil
}

func (d *KeyDispatcher) String() string {
	return strings.Join(append(append([]string{}, d.mods...), d.key), "+")
}

// ClickDispatcher clicks at a fixed screen position and puts the pointer
// back where it was. A negative coordinate clicks in place.
type ClickDispatcher struct {
	x, y  int
	mouse mouse
}

func NewClick(x, y int) *ClickDispatcher {
	return &ClickDispatcher{x: x, y: y, mouse: robot{}}
}

func (d *ClickDispatcher) Fire(ctx context.Context) error {
	if d.x < 0 || d.y < 0 {
		d.mouse.Click()
		trace.Logger(ctx).Info("refresh click sent in place")
		return nil
	}
	ox, oy := d.mouse.Location()
	d.mouse.Move(d.x, d.y)
	d.mouse.Click()
	d.mouse.Move(ox, oy)
	trace.Logger(ctx).Info("refresh click sent", "at", fmt.Sprintf("%d,%d", d.x, d.y))
	return nil
}
