package multicast

import "github.com/pkg/errors"

// ErrBackpressureExceeded is returned by Send when the caller's window is
// full and stable_num has not advanced enough to free a slot (spec.md §7).
var ErrBackpressureExceeded = errors.New("multicast: backpressure exceeded")

// ErrViewChanged is returned by outstanding operations once the group's
// view is superseded (spec.md §5, §7).
var ErrViewChanged = errors.New("multicast: view changed")

// ErrGroupClosed is returned by Send/Close after the group has shut down.
var ErrGroupClosed = errors.New("multicast: group closed")
