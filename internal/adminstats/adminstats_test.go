package adminstats

import (
	"testing"
	"time"

	"github.com/smukkama/jobqueued/internal/jobindex"
	"github.com/smukkama/jobqueued/internal/protocol"
)

func TestSnapshotReflectsIndexState(t *testing.T) {
	idx := jobindex.NewIndex("test")

	worker := idx.RegisterConn(1, "127.0.0.1:1")
	if worker == nil {
		t.Fatal("RegisterConn returned nil")
	}
	if err := idx.Bind(1, "reverse", nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	idx.RegisterConn(2, "127.0.0.1:2")
	if _, _, err := idx.Add("reverse", "", []byte("a"), protocol.PriorityNormal, false, nil, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, _, err := idx.Add("reverse", "", []byte("b"), protocol.PriorityNormal, false, nil, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	now := time.Now()
	snaps := Snapshot(idx, now)
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	snap := snaps[0]
	if snap.Name != "reverse" {
		t.Fatalf("got name %q", snap.Name)
	}
	if snap.QueueDepth != 2 {
		t.Fatalf("got queue depth %d, want 2", snap.QueueDepth)
	}
	if snap.Running != 0 {
		t.Fatalf("got running %d, want 0", snap.Running)
	}
	if snap.WorkerCount != 1 {
		t.Fatalf("got worker count %d, want 1", snap.WorkerCount)
	}
	if snap.Draining {
		t.Fatal("expected Draining to be false")
	}
	if !snap.Snapshot.Equal(now) {
		t.Fatalf("got snapshot time %v, want %v", snap.Snapshot, now)
	}
}

func TestKeyFor(t *testing.T) {
	if got := keyFor("reverse"); got != "jobqueued:stats:reverse" {
		t.Fatalf("got %q", got)
	}
}
