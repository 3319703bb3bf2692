package jobindex

import (
	"container/heap"
	"time"

	"github.com/smukkama/jobqueued/internal/protocol"
)

// delayedEntry is a job that has been created (and answered with
// JOB_CREATED) but must not enter its function's FIFO until DueAt.
type delayedEntry struct {
	job   *Job
	DueAt time.Time
	index int
}

// delayedHeap is a min-heap of delayedEntry ordered by DueAt, the
// scheduling structure behind SUBMIT_JOB_SCHED and SUBMIT_JOB_EPOCH
// (spec.md §9, Open Question 1). It is deliberately a bare container/heap
// with no goroutine or mutex of its own: like the rest of Index, it is
// driven by the single ioserver core loop, which sizes its timer by
// NextDelayedWait at the top of each iteration and collects due jobs
// through DueDelayed when that timer fires.
type delayedHeap struct {
	entries delayedQueue
}

func newDelayedHeap() *delayedHeap {
	dh := &delayedHeap{}
	heap.Init(&dh.entries)
	return dh
}

// schedule enqueues job to become visible at dueAt.
func (dh *delayedHeap) schedule(job *Job, dueAt time.Time) {
	heap.Push(&dh.entries, &delayedEntry{job: job, DueAt: dueAt})
}

// due pops and returns every job whose DueAt has passed.
func (dh *delayedHeap) due(now time.Time) []*Job {
	var ready []*Job
	for dh.entries.Len() > 0 && !dh.entries[0].DueAt.After(now) {
		e := heap.Pop(&dh.entries).(*delayedEntry)
		ready = append(ready, e.job)
	}
	return ready
}

// nextWait returns how long the core loop can sleep before the earliest
// delayed job needs re-checking, or ok=false if nothing is scheduled.
func (dh *delayedHeap) nextWait(now time.Time) (d time.Duration, ok bool) {
	if dh.entries.Len() == 0 {
		return 0, false
	}
	d = dh.entries[0].DueAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

type delayedQueue []*delayedEntry

func (q delayedQueue) Len() int            { return len(q) }
func (q delayedQueue) Less(i, j int) bool  { return q[i].DueAt.Before(q[j].DueAt) }
func (q delayedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *delayedQueue) Push(x interface{}) {
	e := x.(*delayedEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *delayedQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// AddScheduled is Add's SUBMIT_JOB_SCHED/SUBMIT_JOB_EPOCH counterpart: the
// job is minted and indexed immediately (so a client can GET_STATUS it
// right after JOB_CREATED) but withheld from its function's FIFO, and
// hence invisible to GRAB_JOB, until runAt.
func (idx *Index) AddScheduled(funcName, unique string, data []byte, priority protocol.Priority, subscriber *ConnectionID, runAt time.Time) (job *Job, existed bool, err error) {
	if funcName == "" {
		return nil, false, protocol.ErrInvalidFunctionName
	}
	dedupKey := dedupKeyFor(funcName, unique, data)
	if dedupKey != "" {
		if dup, ok := idx.findByDedupKey(dedupKey); ok {
			return dup, true, nil
		}
	}

	fn := idx.GetOrCreateFunction(funcName)
	if fn.MaxQueueSize > 0 && fn.Total() >= fn.MaxQueueSize {
		return nil, false, protocol.ErrJobQueueFull
	}

	job = &Job{
		Handle:    idx.nextHandle(),
		UniqueKey: unique,
		dedupKey:  dedupKey,
		Function:  funcName,
		Priority:  priority,
		Data:      data,
		queuePos:  -1,
	}
	if subscriber != nil {
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

	idx.delayed.schedule(job, runAt)
	return job, false, nil
}

// DueDelayed returns every scheduled job that has reached its run time,
// without queuing them; the caller (ioserver's core loop) is expected to
// call Queue on each so it gets back the sleeping-worker wakeup list.
func (idx *Index) DueDelayed(now time.Time) []*Job {
	return idx.delayed.due(now)
}

// NextDelayedWait reports how long until the next scheduled job becomes
// due, for sizing the core loop's poll timeout.
func (idx *Index) NextDelayedWait(now time.Time) (time.Duration, bool) {
	return idx.delayed.nextWait(now)
}
