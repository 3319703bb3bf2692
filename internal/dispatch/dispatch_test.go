package dispatch

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/smukkama/jobqueued/internal/jobindex"
	"github.com/smukkama/jobqueued/internal/protocol"
)

func newTestDispatcher() (*Dispatcher, *jobindex.Index) {
	idx := jobindex.NewIndex("host")
	return New(idx, nil), idx
}

func decodeOne(t *testing.T, frame []byte) protocol.Packet {
	t.Helper()
	pkt, n, err := protocol.Unpack(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("decode left %d bytes unconsumed", len(frame)-n)
	}
	return pkt
}

func findSend(r Result, to jobindex.ConnectionID) []protocol.Packet {
	var out []protocol.Packet
	for _, e := range r.Sends {
		if e.To == to {
			pkt, n, err := protocol.Unpack(e.Frame)
			if err == nil && n == len(e.Frame) {
				out = append(out, pkt)
			}
		}
	}
	return out
}

// Scenario 1: echo.
func TestEchoScenario(t *testing.T) {
	d, _ := newTestDispatcher()
	client := jobindex.ConnectionID(1)
	d.Accept(client, "127.0.0.1:1")

	r := d.Handle(context.Background(), client, protocol.Packet{
		Magic: protocol.MagicRequest, Verb: protocol.CommandEchoReq, Data: []byte("hello"),
	})
	sends := findSend(r, client)
	if len(sends) != 1 || sends[0].Verb != protocol.CommandEchoRes || string(sends[0].Data) != "hello" {
		t.Fatalf("got %+v", sends)
	}
}

// Scenario 2: foreground submit, NOOP wakeup, grab, status, complete.
func TestForegroundSubmitAndComplete(t *testing.T) {
	d, _ := newTestDispatcher()
	worker := jobindex.ConnectionID(1)
	client := jobindex.ConnectionID(2)
	d.Accept(worker, "127.0.0.1:1")
	d.Accept(client, "127.0.0.1:2")
	ctx := context.Background()

	d.Handle(ctx, worker, protocol.Packet{Magic: protocol.MagicRequest, Verb: protocol.CommandCanDo, Args: [][]byte{[]byte("reverse")}})

	r := d.Handle(ctx, worker, protocol.Packet{Magic: protocol.MagicRequest, Verb: protocol.CommandGrabJob})
	if sends := findSend(r, worker); len(sends) != 1 || sends[0].Verb != protocol.CommandNoJob {
		t.Fatalf("expected NO_JOB before any submission, got %+v", sends)
	}

	d.Handle(ctx, worker, protocol.Packet{Magic: protocol.MagicRequest, Verb: protocol.CommandPreSleep})

	r = d.Handle(ctx, client, protocol.Packet{
		Magic: protocol.MagicRequest, Verb: protocol.CommandSubmitJob,
		Args: [][]byte{[]byte("reverse"), []byte("")}, Data: []byte("abc"),
	})
	created := findSend(r, client)
	if len(created) != 1 || created[0].Verb != protocol.CommandJobCreated {
		t.Fatalf("got %+v", created)
	}
	handle := created[0].Arg(0)
	if handle != "H:host:1" {
		t.Fatalf("got handle %q, want H:host:1", handle)
	}
	wake := findSend(r, worker)
	if len(wake) != 1 || wake[0].Verb != protocol.CommandNoop {
		t.Fatalf("expected worker to be woken with NOOP, got %+v", wake)
	}

	r = d.Handle(ctx, worker, protocol.Packet{Magic: protocol.MagicRequest, Verb: protocol.CommandGrabJob})
	assigned := findSend(r, worker)
	if len(assigned) != 1 || assigned[0].Verb != protocol.CommandJobAssign {
		t.Fatalf("got %+v", assigned)
	}
	if assigned[0].Arg(0) != handle || assigned[0].Arg(1) != "reverse" || string(assigned[0].Data) != "abc" {
		t.Fatalf("got %+v", assigned[0])
	}

	r = d.Handle(ctx, worker, protocol.Packet{
		Magic: protocol.MagicRequest, Verb: protocol.CommandWorkStatus,
		Args: [][]byte{[]byte(handle), []byte("1"), []byte("2")},
	})
	statusSeen := findSend(r, client)
	if len(statusSeen) != 1 || statusSeen[0].Verb != protocol.CommandWorkStatus {
		t.Fatalf("got %+v", statusSeen)
	}

	r = d.Handle(ctx, worker, protocol.Packet{
		Magic: protocol.MagicRequest, Verb: protocol.CommandWorkComplete,
		Args: [][]byte{[]byte(handle)}, Data: []byte("cba"),
	})
	complete := findSend(r, client)
	if len(complete) != 1 || complete[0].Verb != protocol.CommandWorkComplete || string(complete[0].Data) != "cba" {
		t.Fatalf("got %+v", complete)
	}

	if _, ok := d.Index.ByHandle(handle); ok {
		t.Fatal("job should be freed after WORK_COMPLETE")
	}
}

// Scenario 3: dedup.
func TestDedupScenario(t *testing.T) {
	d, _ := newTestDispatcher()
	c1 := jobindex.ConnectionID(1)
	c2 := jobindex.ConnectionID(2)
	d.Accept(c1, "127.0.0.1:1")
	d.Accept(c2, "127.0.0.1:2")
	ctx := context.Background()

	r := d.Handle(ctx, c1, protocol.Packet{
		Magic: protocol.MagicRequest, Verb: protocol.CommandSubmitJob,
		Args: [][]byte{[]byte("reverse"), []byte("k")}, Data: []byte("a"),
	})
	h1 := findSend(r, c1)[0].Arg(0)

	r = d.Handle(ctx, c2, protocol.Packet{
		Magic: protocol.MagicRequest, Verb: protocol.CommandSubmitJob,
		Args: [][]byte{[]byte("reverse"), []byte("k")}, Data: []byte("b"),
	})
	h2 := findSend(r, c2)[0].Arg(0)

	if h1 != h2 {
		t.Fatalf("dedup should return same handle, got %q and %q", h1, h2)
	}

	job, ok := d.Index.ByHandle(h1)
	if !ok || len(job.Subscribers()) != 2 {
		t.Fatalf("expected both clients subscribed, got %+v", job)
	}
}

// Scenario 4: queue full.
func TestQueueFullScenario(t *testing.T) {
	d, idx := newTestDispatcher()
	client := jobindex.ConnectionID(1)
	d.Accept(client, "127.0.0.1:1")
	idx.GetOrCreateFunction("reverse").MaxQueueSize = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r := d.Handle(ctx, client, protocol.Packet{
			Magic: protocol.MagicRequest, Verb: protocol.CommandSubmitJob,
			Args: [][]byte{[]byte("reverse"), []byte("")}, Data: []byte("x"),
		})
		if sends := findSend(r, client); len(sends) != 1 || sends[0].Verb != protocol.CommandJobCreated {
			t.Fatalf("submission %d: got %+v", i, sends)
		}
	}

	r := d.Handle(ctx, client, protocol.Packet{
		Magic: protocol.MagicRequest, Verb: protocol.CommandSubmitJob,
		Args: [][]byte{[]byte("reverse"), []byte("")}, Data: []byte("x"),
	})
	sends := findSend(r, client)
	if len(sends) != 1 || sends[0].Verb != protocol.CommandError {
		t.Fatalf("third submission should be rejected, got %+v", sends)
	}
}

// Scenario 5: foreground client disconnects before a worker takes the job.
func TestDisconnectBeforeTakeScenario(t *testing.T) {
	d, _ := newTestDispatcher()
	client := jobindex.ConnectionID(1)
	worker := jobindex.ConnectionID(2)
	d.Accept(client, "127.0.0.1:1")
	d.Accept(worker, "127.0.0.1:2")
	ctx := context.Background()

	d.Handle(ctx, client, protocol.Packet{
		Magic: protocol.MagicRequest, Verb: protocol.CommandSubmitJob,
		Args: [][]byte{[]byte("reverse"), []byte("")}, Data: []byte("x"),
	})

	d.Disconnect(client)

	d.Handle(ctx, worker, protocol.Packet{Magic: protocol.MagicRequest, Verb: protocol.CommandCanDo, Args: [][]byte{[]byte("reverse")}})
	r := d.Handle(ctx, worker, protocol.Packet{Magic: protocol.MagicRequest, Verb: protocol.CommandGrabJob})
	sends := findSend(r, worker)
	if len(sends) != 1 || sends[0].Verb != protocol.CommandNoJob {
		t.Fatalf("expected the ignored job to be dropped silently, got %+v", sends)
	}
}

func TestEchoHandlesEmptyPayload(t *testing.T) {
	d, _ := newTestDispatcher()
	client := jobindex.ConnectionID(1)
	d.Accept(client, "127.0.0.1:1")

	r := d.Handle(context.Background(), client, protocol.Packet{Magic: protocol.MagicRequest, Verb: protocol.CommandEchoReq})
	sends := findSend(r, client)
	if len(sends) != 1 || len(sends[0].Data) != 0 {
		t.Fatalf("got %+v", sends)
	}
}

func TestAdminVersionAndGetpid(t *testing.T) {
	d, _ := newTestDispatcher()
	client := jobindex.ConnectionID(1)
	d.Accept(client, "127.0.0.1:1")

	r := d.Handle(context.Background(), client, protocol.Packet{Magic: protocol.MagicText, Verb: protocol.CommandText, Args: [][]byte{[]byte("version")}})
	if len(r.Sends) != 1 {
		t.Fatalf("got %+v", r.Sends)
	}
	pkt := decodeOne(t, r.Sends[0].Frame)
	if pkt.Arg(0) != Version {
		t.Fatalf("got %q, want %q", pkt.Arg(0), Version)
	}

	r = d.Handle(context.Background(), client, protocol.Packet{Magic: protocol.MagicText, Verb: protocol.CommandText, Args: [][]byte{[]byte("getpid")}})
	if len(r.Sends) != 1 {
		t.Fatalf("got %+v", r.Sends)
	}
	pkt = decodeOne(t, r.Sends[0].Frame)
	if want := strconv.Itoa(os.Getpid()); pkt.Arg(0) != want {
		t.Fatalf("got %q, want %q", pkt.Arg(0), want)
	}
}
