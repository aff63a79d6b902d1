package producer

import (
	"context"
	"sync"
	"time"

	"github.com/nvanbenschoten/oplogtoy/oplog"
)

const waitForMoreTimeout = time.Second

// Mem is an in-memory Producer. The workload generator and tests push
// entries into it; the batcher drains it.
type Mem struct {
	mu       sync.Mutex
	arrived  *sync.Cond
	entries  []oplog.Entry
	shutdown bool
}

// NewMem creates an empty in-memory producer.
func NewMem() *Mem {
	m := new(Mem)
	m.arrived = sync.NewCond(&m.mu)
	return m
}

// Push appends entries to the tail of the queue.
func (m *Mem) Push(entries ...oplog.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	m.arrived.Broadcast()
}

// PushSentinel appends a drain sentinel, an entry with an empty raw
// document. The applier answers it by signaling drain completion.
func (m *Mem) PushSentinel() {
	m.Push(oplog.Entry{})
}

// Shutdown marks the producer as shutting down. Entries already queued
// are still served.
func (m *Mem) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	m.arrived.Broadcast()
}

// Peek implements Producer.
func (m *Mem) Peek() (oplog.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return oplog.Entry{}, false
	}
	return m.entries[0], true
}

// Consume implements Producer.
func (m *Mem) Consume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 {
		m.entries = m.entries[1:]
	}
}

// WaitForMore implements Producer. It returns early when an entry
// arrives, the producer shuts down, or ctx is done.
func (m *Mem) WaitForMore(ctx context.Context) {
	deadline := time.Now().Add(waitForMoreTimeout)

	// Wake the waiter when the timeout or ctx expires. sync.Cond has no
	// deadline-aware wait, so a timer broadcasts instead.
	timer := time.AfterFunc(waitForMoreTimeout, m.arrived.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, m.arrived.Broadcast)
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.entries) == 0 && !m.shutdown &&
		ctx.Err() == nil && time.Now().Before(deadline) {
		m.arrived.Wait()
	}
}

// InShutdown implements Producer.
func (m *Mem) InShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Len returns the number of queued entries.
func (m *Mem) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
