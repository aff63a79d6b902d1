package repl

import (
	"sync"
	"time"

	"github.com/nvanbenschoten/oplogtoy/oplog"
)

// Coordinator is the surface of the replication coordinator the tail
// applier consumes. Cluster membership and elections live behind it.
type Coordinator interface {
	// SetMyLastAppliedOpTimeForward advances the last-applied optime.
	// It never regresses; calls with an older optime are no-ops.
	SetMyLastAppliedOpTimeForward(ot oplog.OpTime)
	// SetMyLastDurableOpTimeForward advances the last-durable optime.
	// It never regresses.
	SetMyLastDurableOpTimeForward(ot oplog.OpTime)
	// MyLastAppliedOpTime returns the last-applied optime.
	MyLastAppliedOpTime() oplog.OpTime
	// MyLastDurableOpTime returns the last-durable optime.
	MyLastDurableOpTime() oplog.OpTime

	// MemberState returns the node's current role.
	MemberState() MemberState
	// IsInPrimaryOrSecondaryState is true when the node serves reads.
	IsInPrimaryOrSecondaryState() bool
	// MaintenanceMode reports whether maintenance mode is active, which
	// blocks the transition to secondary.
	MaintenanceMode() bool
	// SetFollowerMode transitions the node's role. It returns false if
	// the transition is not allowed from the current state.
	SetFollowerMode(s MemberState) bool

	// IsWaitingForApplierToDrain is true between primary step-down and
	// drain completion.
	IsWaitingForApplierToDrain() bool
	// SignalDrainComplete tells the coordinator in-flight apply has
	// finished.
	SignalDrainComplete()
	// IsCatchingUp is true while a freshly elected primary catches up.
	IsCatchingUp() bool

	// SlaveDelaySecs returns the configured follower delay, or zero.
	SlaveDelaySecs() time.Duration
}

// LocalCoordinator is an in-process Coordinator used by the standalone
// binary and by tests.
type LocalCoordinator struct {
	mu            sync.Mutex
	state         MemberState
	lastApplied   oplog.OpTime
	lastDurable   oplog.OpTime
	maintenance   bool
	waitingDrain  bool
	drainComplete bool
	catchingUp    bool
	slaveDelay    time.Duration
}

// NewLocalCoordinator creates a coordinator in the given state.
func NewLocalCoordinator(s MemberState) *LocalCoordinator {
	return &LocalCoordinator{state: s}
}

// SetMyLastAppliedOpTimeForward implements Coordinator.
func (c *LocalCoordinator) SetMyLastAppliedOpTimeForward(ot oplog.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ot.After(c.lastApplied) {
		c.lastApplied = ot
	}
}

// SetMyLastDurableOpTimeForward implements Coordinator.
func (c *LocalCoordinator) SetMyLastDurableOpTimeForward(ot oplog.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ot.After(c.lastDurable) {
		c.lastDurable = ot
	}
}

// MyLastAppliedOpTime implements Coordinator.
func (c *LocalCoordinator) MyLastAppliedOpTime() oplog.OpTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastApplied
}

// MyLastDurableOpTime implements Coordinator.
func (c *LocalCoordinator) MyLastDurableOpTime() oplog.OpTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDurable
}

// MemberState implements Coordinator.
func (c *LocalCoordinator) MemberState() MemberState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsInPrimaryOrSecondaryState implements Coordinator.
func (c *LocalCoordinator) IsInPrimaryOrSecondaryState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StatePrimary || c.state == StateSecondary
}

// MaintenanceMode implements Coordinator.
func (c *LocalCoordinator) MaintenanceMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maintenance
}

// SetMaintenanceMode toggles maintenance mode.
func (c *LocalCoordinator) SetMaintenanceMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maintenance = on
}

// SetFollowerMode implements Coordinator. A primary cannot be demoted
// through this path.
func (c *LocalCoordinator) SetFollowerMode(s MemberState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePrimary {
		return false
	}
	c.state = s
	return true
}

// SetState forces the member state, for tests and startup wiring.
func (c *LocalCoordinator) SetState(s MemberState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// IsWaitingForApplierToDrain implements Coordinator.
func (c *LocalCoordinator) IsWaitingForApplierToDrain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingDrain
}

// SetWaitingForApplierToDrain marks the coordinator as draining.
func (c *LocalCoordinator) SetWaitingForApplierToDrain(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitingDrain = on
}

// SignalDrainComplete implements Coordinator.
func (c *LocalCoordinator) SignalDrainComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitingDrain = false
	c.drainComplete = true
}

// DrainComplete reports whether SignalDrainComplete has been called.
func (c *LocalCoordinator) DrainComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drainComplete
}

// IsCatchingUp implements Coordinator.
func (c *LocalCoordinator) IsCatchingUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catchingUp
}

// SetCatchingUp toggles the catch-up flag.
func (c *LocalCoordinator) SetCatchingUp(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchingUp = on
}

// SlaveDelaySecs implements Coordinator.
func (c *LocalCoordinator) SlaveDelaySecs() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slaveDelay
}

// SetSlaveDelaySecs configures the follower delay.
func (c *LocalCoordinator) SetSlaveDelaySecs(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slaveDelay = d
}
