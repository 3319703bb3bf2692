// Package jobindex holds the per-function priority FIFOs, the by-handle and
// by-unique job hash tables, and the per-connection role-state (registered
// functions, sleeping flag, subscriptions) described in spec.md §3-§4.D.
//
// Index is NOT safe for concurrent use. By design (spec.md §5) it is owned
// exclusively by one goroutine — the ioserver core loop — so every method
// here runs to completion without a lock, which is what makes the "no
// callback or dispatch runs inside a lock" invariant trivially true.
package jobindex

import (
	"time"

	"github.com/smukkama/jobqueued/internal/protocol"
)

// ConnectionID is the opaque identifier ioserver assigns a connection at
// accept time. jobindex never looks inside it; it is a map key and a
// token to hand back to the caller for packet delivery.
type ConnectionID uint64

// Job is a single unit of work, per spec.md §3.
type Job struct {
	Handle     string
	UniqueKey  string // "" if the client supplied no unique key
	Function   string
	Priority   protocol.Priority
	Data       []byte
	Background bool

	Persisted bool // true once the job is stored in (or, if background, handed off to) the queue backend
	Ignore    bool // true once the last foreground subscriber has gone away pre-take

	assignedWorker *ConnectionID
	subscribers    []ConnectionID // foreground clients listening for WORK_*

	ProgressNum   int
	ProgressDenom int

	dedupKey string // internal match key for by_unique; see jobindex.dedupKeyFor

	handleBucket uint32
	uniqueBucket uint32
	queuePos     int // index within its function's priority FIFO, -1 if not queued
}

// Assigned reports whether the job is currently running on a worker.
func (j *Job) Assigned() bool { return j.assignedWorker != nil }

// Worker returns the worker connection running this job, if any.
func (j *Job) Worker() (ConnectionID, bool) {
	if j.assignedWorker == nil {
		return 0, false
	}
	return *j.assignedWorker, true
}

// Subscribers returns the foreground clients subscribed to this job's
// WORK_* updates. The returned slice must not be mutated by the caller.
func (j *Job) Subscribers() []ConnectionID { return j.subscribers }

// FunctionBinding is one worker's registration for a function, in the
// order CAN_DO/CAN_DO_TIMEOUT was received (registration order governs
// both wakeup order and peek's first-bound-first-served scan).
type FunctionBinding struct {
	Conn    ConnectionID
	Timeout *time.Duration // advisory only, per spec.md §5
}

// Function is a named worker capability with one priority-ordered FIFO per
// priority level and the set of workers that registered it.
type Function struct {
	Name         string
	MaxQueueSize int // 0 == unbounded
	Draining     bool // ALL_YOURS: stop accepting new foreground submissions

	queues  [protocol.NumPriorities][]*Job
	Running int

	workers []FunctionBinding
}

// Total is the invariant from spec.md §8: total == running + sum(queued).
func (f *Function) Total() int {
	n := f.Running
	for _, q := range f.queues {
		n += len(q)
	}
	return n
}

// Workers returns the worker connections registered for this function, in
// binding order.
func (f *Function) Workers() []FunctionBinding {
	out := make([]FunctionBinding, len(f.workers))
	copy(out, f.workers)
	return out
}

// QueueDepth returns the number of queued (not running) jobs across all
// priorities, used for admin reporting. The queue-full check uses Total,
// which also counts running jobs.
func (f *Function) QueueDepth() int {
	n := 0
	for _, q := range f.queues {
		n += len(q)
	}
	return n
}

// ConnRole is the full server-side role-state for one connection, per
// spec.md §3.
type ConnRole struct {
	ID       ConnectionID
	Label    string // client-assigned id via SET_CLIENT_ID
	PeerAddr string

	registered         map[string]*time.Duration // function name -> advisory timeout
	registeredOrder    []string                   // CAN_DO registration order, for peek's scan
	Sleeping           bool
	NoopQueued         bool
	ReceivesExceptions bool

	subscriptions []string // job handles this connection subscribes to as a foreground client
}

func newConnRole(id ConnectionID, peerAddr string) *ConnRole {
	return &ConnRole{
		ID:         id,
		PeerAddr:   peerAddr,
		registered: make(map[string]*time.Duration),
	}
}

// RegisteredFunctions returns the function names this connection is bound
// to as a worker, in registration order.
func (c *ConnRole) RegisteredFunctions() []string {
	out := make([]string, len(c.registeredOrder))
	copy(out, c.registeredOrder)
	return out
}
