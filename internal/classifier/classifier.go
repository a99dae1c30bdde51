// Package classifier decides who caused an observed board change using
// the gap between the on-screen change and the feed message.
//
// A human moving pieces on the page changes the board first and the feed
// catches up tens to hundreds of milliseconds later. A remote move arrives
// on the feed first and is rendered afterwards, so the visual change does
// not precede the message, or precedes it by very little.
package classifier

import (
	"time"

	"github.com/ChuLiYu/plysync/pkg/types"
)

// Window is the closed human reaction interval [Min, Max].
type Window struct {
	Min time.Duration
	Max time.Duration
}

// DefaultWindow is the empirically chosen interval.
var DefaultWindow = Window{Min: 20 * time.Millisecond, Max: 400 * time.Millisecond}

// Contains reports whether delta is inside the closed window.
func (w Window) Contains(delta time.Duration) bool {
	return delta >= w.Min && delta <= w.Max
}

// Classifier is stateless; the zero value uses DefaultWindow.
type Classifier struct {
	Window Window
}

// New returns a classifier for w.
func New(w Window) Classifier {
	return Classifier{Window: w}
}

// Classify tags a board change.
//
// selfSend wins over timing: a move this system sent and has not yet seen
// confirmed is never human interference. A zero visual timestamp means the
// page never reported a change and carries no information.
func (c Classifier) Classify(visual, feed time.Time, selfSend bool) types.Origin {
	if selfSend {
		return types.OriginSelf
	}
	if visual.IsZero() || feed.IsZero() {
		return types.OriginRemote
	}
	w := c.Window
	if w == (Window{}) {
		w = DefaultWindow
	}
	delta := feed.Sub(visual)
	if delta > 0 && w.Contains(delta) {
		return types.OriginHuman
	}
	return types.OriginRemote
}
