package jobindex

import (
	"testing"
	"time"

	"github.com/smukkama/jobqueued/internal/protocol"
)

func conn(idx *Index, id ConnectionID) *ConnRole {
	return idx.RegisterConn(id, "127.0.0.1:0")
}

func TestAddQueueTakeRoundTrip(t *testing.T) {
	idx := NewIndex("test")
	worker := ConnectionID(1)
	conn(idx, worker)
	if err := idx.Bind(worker, "reverse", nil); err != nil {
		t.Fatal(err)
	}

	job, existed, err := idx.Add("reverse", "", []byte("abc"), protocol.PriorityNormal, false, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Fatal("new job reported as existing")
	}

	got, ok := idx.Take(worker)
	if !ok {
		t.Fatal("expected a job")
	}
	if got != job {
		t.Fatalf("got job %v, want %v", got.Handle, job.Handle)
	}
	if !got.Assigned() {
		t.Fatal("taken job should be assigned")
	}
	if w, _ := got.Worker(); w != worker {
		t.Fatalf("assigned worker %v, want %v", w, worker)
	}

	fn, _ := idx.FindFunction("reverse")
	if fn.Running != 1 {
		t.Fatalf("running = %d, want 1", fn.Running)
	}
	if fn.QueueDepth() != 0 {
		t.Fatalf("queue depth = %d, want 0", fn.QueueDepth())
	}
}

func TestPriorityOrdering(t *testing.T) {
	idx := NewIndex("test")
	worker := ConnectionID(1)
	conn(idx, worker)
	idx.Bind(worker, "fn", nil)

	low, _, _ := idx.Add("fn", "", []byte("low"), protocol.PriorityLow, false, nil, false)
	high, _, _ := idx.Add("fn", "", []byte("high"), protocol.PriorityHigh, false, nil, false)
	normal, _, _ := idx.Add("fn", "", []byte("normal"), protocol.PriorityNormal, false, nil, false)
	_ = low
	_ = normal

	got, ok := idx.Peek(worker)
	if !ok || got != high {
		t.Fatalf("expected high-priority job first, got %v", got)
	}
}

func TestDuplicateUniqueReturnsSameJob(t *testing.T) {
	idx := NewIndex("test")
	worker := ConnectionID(1)
	conn(idx, worker)
	idx.Bind(worker, "fn", nil)

	first, existed, err := idx.Add("fn", "abc-123", []byte("x"), protocol.PriorityNormal, false, nil, false)
	if err != nil || existed {
		t.Fatalf("first add: job=%v existed=%v err=%v", first, existed, err)
	}

	client := ConnectionID(2)
	conn(idx, client)
	second, existed, err := idx.Add("fn", "abc-123", []byte("y"), protocol.PriorityNormal, false, &client, false)
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Fatal("duplicate unique should report existed=true")
	}
	if second != first {
		t.Fatal("duplicate unique should return the same job")
	}
	if len(second.subscribers) != 1 || second.subscribers[0] != client {
		t.Fatalf("client should be attached as subscriber, got %v", second.subscribers)
	}
}

func TestQueueFullRejectsSubmission(t *testing.T) {
	idx := NewIndex("test")
	fn := idx.GetOrCreateFunction("fn")
	fn.MaxQueueSize = 1

	if _, _, err := idx.Add("fn", "", []byte("a"), protocol.PriorityNormal, false, nil, false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := idx.Add("fn", "", []byte("b"), protocol.PriorityNormal, false, nil, false); err != protocol.ErrJobQueueFull {
		t.Fatalf("got %v, want ErrJobQueueFull", err)
	}
}

func TestFirstBoundFirstServed(t *testing.T) {
	idx := NewIndex("test")
	a := ConnectionID(1)
	b := ConnectionID(2)
	conn(idx, a)
	conn(idx, b)
	idx.Bind(a, "fn1", nil)
	idx.Bind(b, "fn2", nil)
	idx.Bind(a, "fn2", nil)

	_, _, err := idx.Add("fn2", "", []byte("x"), protocol.PriorityNormal, false, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	// a registered fn2 after fn1 but has no fn1 jobs; it should still be
	// able to Take the fn2 job directly since Peek scans its own
	// registration order, independent of b.
	if _, ok := idx.Take(a); !ok {
		t.Fatal("expected a to take the fn2 job via its own registration order")
	}
}

func TestNoopWakeupOnlyOncePerSleep(t *testing.T) {
	idx := NewIndex("test")
	worker := ConnectionID(1)
	role := conn(idx, worker)
	idx.Bind(worker, "fn", nil)
	role.Sleeping = true

	wake := idx.Queue(&Job{Handle: idx.nextHandle(), Function: "fn", Priority: protocol.PriorityNormal, queuePos: -1})
	if len(wake) != 1 || wake[0] != worker {
		t.Fatalf("expected worker to be woken once, got %v", wake)
	}
	if !role.NoopQueued {
		t.Fatal("noopQueued should be set after wakeup")
	}

	wake = idx.Queue(&Job{Handle: idx.nextHandle(), Function: "fn", Priority: protocol.PriorityNormal, queuePos: -1})
	if len(wake) != 0 {
		t.Fatalf("expected no further wakeup while noopQueued is set, got %v", wake)
	}
}

func TestDisconnectOrphansIgnoreForegroundJob(t *testing.T) {
	idx := NewIndex("test")
	client := ConnectionID(1)
	conn(idx, client)

	job, _, err := idx.Add("fn", "", []byte("x"), protocol.PriorityNormal, false, &client, false)
	if err != nil {
		t.Fatal(err)
	}

	idx.Disconnect(client)
	if !job.Ignore {
		t.Fatal("job with no remaining foreground subscribers should be marked Ignore")
	}

	worker := ConnectionID(2)
	conn(idx, worker)
	idx.Bind(worker, "fn", nil)
	if _, ok := idx.Take(worker); ok {
		t.Fatal("Ignore'd job should be dropped, not handed to a worker")
	}
}

func TestScheduledJobInvisibleUntilDue(t *testing.T) {
	idx := NewIndex("test")
	worker := ConnectionID(1)
	conn(idx, worker)
	idx.Bind(worker, "fn", nil)

	now := time.Unix(1_700_000_000, 0)
	job, _, err := idx.AddScheduled("fn", "", []byte("x"), protocol.PriorityNormal, nil, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := idx.Take(worker); ok {
		t.Fatal("scheduled job should not be visible before its run time")
	}
	if _, ok := idx.ByHandle(job.Handle); !ok {
		t.Fatal("scheduled job should still be reachable by handle before it is due")
	}

	due := idx.DueDelayed(now.Add(2 * time.Hour))
	if len(due) != 1 || due[0] != job {
		t.Fatalf("got due=%v, want [job]", due)
	}
	idx.Queue(due[0])

	got, ok := idx.Take(worker)
	if !ok || got != job {
		t.Fatal("scheduled job should be takeable once queued after becoming due")
	}
}

func TestDashUniqueDedupsOnDataBytes(t *testing.T) {
	idx := NewIndex("test")

	a, existed, err := idx.Add("fn", "-", []byte("same payload"), protocol.PriorityNormal, false, nil, false)
	if err != nil || existed {
		t.Fatalf("first add: existed=%v err=%v", existed, err)
	}
	b, existed, err := idx.Add("fn", "-", []byte("same payload"), protocol.PriorityNormal, false, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !existed || b != a {
		t.Fatal("identical data under \"-\" unique should dedup to the same job")
	}

	c, existed, err := idx.Add("fn", "-", []byte("different payload"), protocol.PriorityNormal, false, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if existed || c == a {
		t.Fatal("different data under \"-\" unique must not dedup together")
	}
}

func TestCompleteFreesJob(t *testing.T) {
	idx := NewIndex("test")
	worker := ConnectionID(1)
	conn(idx, worker)
	idx.Bind(worker, "fn", nil)

	job, _, _ := idx.Add("fn", "u1", []byte("x"), protocol.PriorityNormal, false, nil, false)
	idx.Take(worker)
	idx.Complete(job)

	if _, ok := idx.ByHandle(job.Handle); ok {
		t.Fatal("completed job should be removed from the handle index")
	}
	if _, ok := idx.findByDedupKey(dedupKeyFor("fn", "u1", []byte("x"))); ok {
		t.Fatal("completed job should be removed from the unique index")
	}
	fn, _ := idx.FindFunction("fn")
	if fn.Running != 0 {
		t.Fatalf("running = %d, want 0", fn.Running)
	}
}
