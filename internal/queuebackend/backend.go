// Package queuebackend defines the pluggable persistent-queue interface
// described in spec.md §4.F: four slots (add, flush, done, replay) a
// concrete driver implements so that jobs submitted before a restart can
// be replayed into the in-memory index.
package queuebackend

import (
	"context"

	"github.com/smukkama/jobqueued/internal/protocol"
)

// Backend is implemented by a concrete persistent-queue driver
// (internal/queuebackend/sqlqueue, internal/queuebackend/kafkaqueue).
// Implementations must be safe for concurrent use: spec.md §5 names the
// queue backend as the one piece of shared state besides the acceptor
// hand-off queue that isn't owned by a single goroutine, since the
// optional process goroutine and the core goroutine may both call it.
type Backend interface {
	// Add persists a job before a foreground submission is acknowledged.
	Add(ctx context.Context, unique, function string, data []byte, priority protocol.Priority) error

	// Flush is the durability barrier called after every foreground Add.
	Flush(ctx context.Context) error

	// Done marks a previously persisted job complete (WORK_COMPLETE or
	// WORK_FAIL). Failures here are logged, never surfaced to a client.
	Done(ctx context.Context, unique, function string) error

	// Replay invokes add once per persisted job, in original
	// priority/insertion order, for startup recovery.
	Replay(ctx context.Context, add func(unique, function string, data []byte, priority protocol.Priority) error) error
}
