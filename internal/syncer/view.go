package syncer

import (
	"sync"

	"github.com/MarcoPoloResearchLab/sharednotes/internal/notes"
)

// View is one consumer's handle on a sync session. Updates holds at most one pending
// snapshot: a consumer that falls behind sees the latest merged value, not every step.
// The channel is closed when the view is closed, its session is superseded, or the
// engine is closed.
type View struct {
	id        int64
	session   *session
	updates   chan notes.Snapshot
	closeOnce sync.Once
}

// Title returns the note title the view follows.
func (v *View) Title() string {
	return v.session.title
}

// Updates streams merged snapshots, starting with the current one.
func (v *View) Updates() <-chan notes.Snapshot {
	return v.updates
}

// Current returns the latest merged snapshot. ok is false until the local value has loaded.
func (v *View) Current() (notes.Snapshot, bool) {
	return v.session.snapshot()
}

// Close detaches the view. The session keeps running for other views.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.session.detach(v.id)
	})
}
