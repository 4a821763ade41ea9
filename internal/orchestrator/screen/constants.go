package screen

// Status values reported for the capture subsystem
const (
	StatusStarting    = "starting"
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
	StatusDisabled    = "disabled"
)

// StaleCycleLimit is how many consecutive cycles may end without a frame
// before the capture context is rebuilt. A backend can stop reporting
// updates after a display switch while its connection stays open.
const StaleCycleLimit = 60
