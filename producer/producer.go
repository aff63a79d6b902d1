package producer

import (
	"context"

	"github.com/nvanbenschoten/oplogtoy/oplog"
)

// Producer is the inbound queue of oplog entries that the batcher
// drains. The network fetcher that fills it lives elsewhere; the
// batcher only depends on this surface.
//
// Peek and Consume form a two-step pop: Peek returns the head without
// removing it, and Consume removes the most recently peeked entry.
// There is a single consumer.
type Producer interface {
	// Peek returns the head entry without consuming it. The second
	// return is false when the queue is empty.
	Peek() (oplog.Entry, bool)
	// Consume removes the entry most recently returned by Peek.
	Consume()
	// WaitForMore blocks for up to about a second for new entries to
	// arrive, or until ctx is done.
	WaitForMore(ctx context.Context)
	// InShutdown reports whether the producer has been told to stop.
	// Once true, the batcher drains what remains and exits.
	InShutdown() bool
}
