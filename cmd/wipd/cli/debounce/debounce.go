// Package debounce turns a stream of filesystem events into quiescence
// triggers: the channel fires once after the working tree has been quiet
// for the settle window.
package debounce

import (
	"time"

	"github.com/bep/debounce"
)

// Notifier coalesces bursts of Observe calls into single trigger times.
// Each Observe resets the trailing timer, so the channel only fires after
// a full settle window with no further activity. State is O(1) regardless
// of burst size.
type Notifier struct {
	fire func(func())
	c    chan time.Time
}

// New creates a Notifier with the given settle window.
func New(window time.Duration) *Notifier {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Notifier{
		fire: debounce.New(window),
		c:    make(chan time.Time, 1),
	}
}

// Observe records one unit of activity and (re)arms the trailing timer.
// Safe for concurrent use.
func (n *Notifier) Observe() {
	n.fire(n.emit)
}

// C returns the trigger channel. The channel has capacity one: a trigger
// that fires while a previous one is still unconsumed is merged into it.
func (n *Notifier) C() <-chan time.Time {
	return n.c
}

func (n *Notifier) emit() {
	select {
	case n.c <- time.Now():
	default:
	}
}
