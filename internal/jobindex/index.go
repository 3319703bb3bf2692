package jobindex

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/smukkama/jobqueued/internal/protocol"
)

// Index is the server's job and function table: the by-handle and
// by-unique hash tables from spec.md §4.D plus the per-connection role
// state each operation needs to consult (registered functions, sleeping
// flag, subscriptions).
//
// See the package doc comment: Index is single-goroutine-owned and holds
// no internal lock.
type Index struct {
	handlePrefix string
	handleSeq    uint64

	functions map[string]*Function

	byHandle map[uint32][]*Job
	byUnique map[uint32][]*Job

	conns map[ConnectionID]*ConnRole

	delayed *delayedHeap
}

// NewIndex creates an empty Index. handlePrefix is embedded in every job
// handle this Index mints (ioserver passes the machine's hostname).
func NewIndex(handlePrefix string) *Index {
	return &Index{
		handlePrefix: handlePrefix,
		functions:    make(map[string]*Function),
		byHandle:     make(map[uint32][]*Job),
		byUnique:     make(map[uint32][]*Job),
		conns:        make(map[ConnectionID]*ConnRole),
		delayed:      newDelayedHeap(),
	}
}

// GetOrCreateFunction returns the named function, creating an empty one
// (no workers, no queued jobs) if it doesn't exist yet. A SUBMIT_JOB for a
// function nobody has registered still needs somewhere to queue, per
// spec.md §9's find-or-create rule.
func (idx *Index) GetOrCreateFunction(name string) *Function {
	if fn, ok := idx.functions[name]; ok {
		return fn
	}
	fn := &Function{Name: name}
	for i := range fn.queues {
		fn.queues[i] = nil
	}
	idx.functions[name] = fn
	return fn
}

// FindFunction looks up a function without creating it, for GRAB_JOB and
// admin reporting where a nonexistent function must not appear.
func (idx *Index) FindFunction(name string) (*Function, bool) {
	fn, ok := idx.functions[name]
	return fn, ok
}

// Functions returns every function currently known, for the admin
// "status" and "workers" text commands.
func (idx *Index) Functions() map[string]*Function {
	return idx.functions
}

// RegisterConn creates role-state for a newly accepted connection.
func (idx *Index) RegisterConn(id ConnectionID, peerAddr string) *ConnRole {
	role := newConnRole(id, peerAddr)
	idx.conns[id] = role
	return role
}

// Conn returns the role-state for a connection, if it is still registered.
func (idx *Index) Conn(id ConnectionID) (*ConnRole, bool) {
	role, ok := idx.conns[id]
	return role, ok
}

// AllConns returns the role-state of every registered connection, for
// admin reporting ("workers").
func (idx *Index) AllConns() []*ConnRole {
	out := make([]*ConnRole, 0, len(idx.conns))
	for _, role := range idx.conns {
		out = append(out, role)
	}
	return out
}

// Bind registers a connection as a worker for a function (CAN_DO /
// CAN_DO_TIMEOUT).
func (idx *Index) Bind(id ConnectionID, funcName string, timeout *time.Duration) error {
	role, ok := idx.conns[id]
	if !ok {
		return protocol.ErrNotConnected
	}
	fn := idx.GetOrCreateFunction(funcName)
	if _, already := role.registered[funcName]; !already {
		role.registeredOrder = append(role.registeredOrder, funcName)
		fn.workers = append(fn.workers, FunctionBinding{Conn: id, Timeout: timeout})
	}
	role.registered[funcName] = timeout
	return nil
}

// Unbind removes a single function registration (CANT_DO).
func (idx *Index) Unbind(id ConnectionID, funcName string) {
	role, ok := idx.conns[id]
	if !ok {
		return
	}
	delete(role.registered, funcName)
	role.registeredOrder = removeString(role.registeredOrder, funcName)
	if fn, ok := idx.functions[funcName]; ok {
		fn.workers = removeBinding(fn.workers, id)
	}
}

// ResetAbilities clears every function registration for a connection
// (RESET_ABILITIES).
func (idx *Index) ResetAbilities(id ConnectionID) {
	role, ok := idx.conns[id]
	if !ok {
		return
	}
	for _, name := range role.registeredOrder {
		if fn, ok := idx.functions[name]; ok {
			fn.workers = removeBinding(fn.workers, id)
		}
	}
	role.registered = make(map[string]*time.Duration)
	role.registeredOrder = nil
}

// Disconnect tears down all server-side state for a closed connection:
// function bindings, foreground subscriptions (marking their jobs
// Ignore if they become orphaned), and any job it had taken (which is
// left running — spec.md does not require requeue-on-worker-death, only
// that GET_STATUS on an orphaned job still report its last known state).
func (idx *Index) Disconnect(id ConnectionID) {
	role, ok := idx.conns[id]
	if !ok {
		return
	}
	for _, name := range role.registeredOrder {
		if fn, ok := idx.functions[name]; ok {
			fn.workers = removeBinding(fn.workers, id)
		}
	}
	for _, handle := range role.subscriptions {
		if job, ok := idx.ByHandle(handle); ok {
			job.subscribers = removeConn(job.subscribers, id)
			if len(job.subscribers) == 0 && job.Background == false && !job.Assigned() {
				job.Ignore = true
			}
		}
	}
	delete(idx.conns, id)
}

// nextHandle mints a new, process-unique job handle: "H:<prefix>:<n>".
func (idx *Index) nextHandle() string {
	n := atomic.AddUint64(&idx.handleSeq, 1)
	return fmt.Sprintf("H:%s:%d", idx.handlePrefix, n)
}

// Add creates (or, for a duplicate unique key, finds) a job and queues it
// immediately, per spec.md §4.D's duplicate-unique and queue-full rules.
// It is for callers that need nothing between creation and queueing, such
// as ioserver replaying a queue backend at startup. The dispatcher's
// SUBMIT_JOB* path uses Reserve/Confirm/Abandon instead, so that a
// foreground job is durably persisted before it becomes visible to workers
// (spec.md's component table assigns that persistence call to the
// dispatcher, component C, not to Index); scheduled jobs go through
// AddScheduled and, once due, Queue.
//
// subscriber is the client connection to attach as a foreground listener,
// or nil for SUBMIT_JOB_BG and friends. replay is true when this Add is
// being driven by a queue backend's Replay on startup: replayed jobs are
// already durable, so Add must not call back into the backend.
func (idx *Index) Add(funcName, unique string, data []byte, priority protocol.Priority, background bool, subscriber *ConnectionID, replay bool) (job *Job, existed bool, err error) {
	job, existed, err = idx.Reserve(funcName, unique, data, priority, background, subscriber, replay)
	if err != nil || existed {
		return job, existed, err
	}
	job.Persisted = replay
	idx.Queue(job)
	return job, false, nil
}

// Reserve performs steps 1-4 of spec.md §4.D's add algorithm: dedup
// lookup, queue-full check, and (for a genuinely new job) handle
// allocation and hash-table insertion — but stops short of appending to
// the function's FIFO. The caller must follow up with either Confirm
// (queue it, optionally after marking it Persisted) or Abandon (undo the
// hash-table insertion, e.g. because a persistence call failed).
// existed==true means no follow-up call is needed or allowed: dup is
// already live and queued (or running).
func (idx *Index) Reserve(funcName, unique string, data []byte, priority protocol.Priority, background bool, subscriber *ConnectionID, replay bool) (job *Job, existed bool, err error) {
	if funcName == "" {
		return nil, false, protocol.ErrInvalidFunctionName
	}

	dedupKey := dedupKeyFor(funcName, unique, data)
	if dedupKey != "" {
		if dup, ok := idx.findByDedupKey(dedupKey); ok {
			if subscriber != nil && !background {
				dup.subscribers = append(dup.subscribers, *subscriber)
				if role, ok := idx.conns[*subscriber]; ok {
					role.subscriptions = append(role.subscriptions, dup.Handle)
				}
			}
			return dup, true, nil
		}
	}

	fn := idx.GetOrCreateFunction(funcName)
	if fn.Draining && !replay && !background {
		return nil, false, protocol.ErrJobQueueFull
	}
	if fn.MaxQueueSize > 0 && fn.Total() >= fn.MaxQueueSize && !replay {
		return nil, false, protocol.ErrJobQueueFull
	}

	job = &Job{
		Handle:     idx.nextHandle(),
		UniqueKey:  unique,
		dedupKey:   dedupKey,
		Function:   funcName,
		Priority:   priority,
		Data:       data,
		Background: background,
		queuePos:   -1,
	}
	if subscriber != nil && !background {
		job.subscribers = append(job.subscribers, *subscriber)
		if role, ok := idx.conns[*subscriber]; ok {
			role.subscriptions = append(role.subscriptions, job.Handle)
		}
	}

	job.handleBucket = bucketOf([]byte(job.Handle))
	idx.byHandle[job.handleBucket] = append(idx.byHandle[job.handleBucket], job)
	if dedupKey != "" {
		job.uniqueBucket = bucketOf([]byte(dedupKey))
		idx.byUnique[job.uniqueBucket] = append(idx.byUnique[job.uniqueBucket], job)
	}

	return job, false, nil
}

// Confirm queues a job reserved by Reserve, optionally marking it
// Persisted first, and returns the sleeping-worker wakeups that result.
func (idx *Index) Confirm(job *Job, persisted bool) []ConnectionID {
	job.Persisted = persisted
	return idx.Queue(job)
}

// Abandon undoes Reserve for a job that never got Confirmed, e.g. because
// its durable persistence call failed (spec.md: "on failure free and
// return the error").
func (idx *Index) Abandon(job *Job) {
	idx.free(job)
}

// Queue appends an already-created job to its function's priority FIFO
// and returns the sleeping workers registered for that function that need
// a NOOP wakeup (spec.md §4.D's noop_queued storm guard: a worker is
// returned at most once until it wakes and GRAB_JOBs again).
func (idx *Index) Queue(job *Job) []ConnectionID {
	fn := idx.GetOrCreateFunction(job.Function)
	fn.queues[job.Priority] = append(fn.queues[job.Priority], job)
	job.queuePos = len(fn.queues[job.Priority]) - 1

	var wake []ConnectionID
	for _, binding := range fn.workers {
		role, ok := idx.conns[binding.Conn]
		if !ok || !role.Sleeping || role.NoopQueued {
			continue
		}
		role.NoopQueued = true
		wake = append(wake, binding.Conn)
	}
	return wake
}

// Peek returns the highest-priority, oldest-queued job available to a
// worker connection without detaching it, scanning the connection's
// registered functions in registration order as spec.md §4.D requires.
// Jobs marked Ignore are dropped from the queue as they're encountered.
func (idx *Index) Peek(id ConnectionID) (*Job, bool) {
	role, ok := idx.conns[id]
	if !ok {
		return nil, false
	}
	for _, name := range role.registeredOrder {
		fn, ok := idx.functions[name]
		if !ok {
			continue
		}
		for p := protocol.Priority(0); int(p) < protocol.NumPriorities; p++ {
			for len(fn.queues[p]) > 0 {
				job := fn.queues[p][0]
				if job.Ignore {
					fn.queues[p] = fn.queues[p][1:]
					idx.free(job)
					continue
				}
				return job, true
			}
		}
	}
	return nil, false
}

// Take peeks, then detaches and assigns the job to the calling worker
// (GRAB_JOB / GRAB_JOB_UNIQ).
func (idx *Index) Take(id ConnectionID) (*Job, bool) {
	job, ok := idx.Peek(id)
	if !ok {
		return nil, false
	}
	fn := idx.functions[job.Function]
	fn.queues[job.Priority] = fn.queues[job.Priority][1:]
	job.queuePos = -1
	worker := id
	job.assignedWorker = &worker
	fn.Running++
	return job, true
}

// Complete detaches a finished job from the running count and frees it
// from both hash tables. Callers are expected to have already notified
// subscribers (WORK_COMPLETE/WORK_FAIL) before calling this.
func (idx *Index) Complete(job *Job) {
	if fn, ok := idx.functions[job.Function]; ok && job.Assigned() {
		fn.Running--
	}
	idx.free(job)
}

func (idx *Index) free(job *Job) {
	idx.byHandle[job.handleBucket] = removeJob(idx.byHandle[job.handleBucket], job)
	if job.dedupKey != "" {
		idx.byUnique[job.uniqueBucket] = removeJob(idx.byUnique[job.uniqueBucket], job)
	}
}

// ByHandle finds a job by its handle (GET_STATUS, WORK_* from a worker).
func (idx *Index) ByHandle(handle string) (*Job, bool) {
	bucket := bucketOf([]byte(handle))
	for _, j := range idx.byHandle[bucket] {
		if j.Handle == handle {
			return j, true
		}
	}
	return nil, false
}

func (idx *Index) findByDedupKey(dedupKey string) (*Job, bool) {
	bucket := bucketOf([]byte(dedupKey))
	for _, j := range idx.byUnique[bucket] {
		if j.dedupKey == dedupKey {
			return j, true
		}
	}
	return nil, false
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func removeConn(s []ConnectionID, v ConnectionID) []ConnectionID {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func removeBinding(s []FunctionBinding, v ConnectionID) []FunctionBinding {
	for i, x := range s {
		if x.Conn == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func removeJob(s []*Job, v *Job) []*Job {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
