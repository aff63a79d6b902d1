package failpoint

import "sync"

// Named test hooks the replication code checks at specific points.
var (
	// RsSyncApplyStop makes the batcher spin without emitting batches.
	RsSyncApplyStop = New("rsSyncApplyStop")
	// InitialSyncHangBeforeGettingMissingDocument blocks the
	// missing-document fetch path until cleared.
	InitialSyncHangBeforeGettingMissingDocument = New("initialSyncHangBeforeGettingMissingDocument")
)

// FailPoint is an on/off switch tests flip to force a code path.
type FailPoint struct {
	name string
	mu   sync.Mutex
	on   bool
}

// New creates a named, disabled fail point.
func New(name string) *FailPoint {
	return &FailPoint{name: name}
}

// Name returns the fail point's name.
func (fp *FailPoint) Name() string {
	return fp.name
}

// Enable turns the fail point on.
func (fp *FailPoint) Enable() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.on = true
}

// Disable turns the fail point off.
func (fp *FailPoint) Disable() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.on = false
}

// Enabled reports whether the fail point is on.
func (fp *FailPoint) Enabled() bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.on
}
