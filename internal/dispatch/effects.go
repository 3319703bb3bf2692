package dispatch

import (
	"github.com/smukkama/jobqueued/internal/jobindex"
	"github.com/smukkama/jobqueued/internal/protocol"
)

// Effect is one packed frame the caller must deliver to a connection.
// Dispatcher builds frames itself (rather than handing back protocol.Packet
// values) because some responses — admin text lines — aren't expressed as
// a Packet at all.
type Effect struct {
	To    jobindex.ConnectionID
	Frame []byte
}

// Result is everything a single Handle/Disconnect call produces: frames to
// deliver, connections to tear down, and backend.Done calls to run on the
// (possibly blocking) process goroutine.
type Result struct {
	Sends           []Effect
	Close           []jobindex.ConnectionID // abrupt, e.g. after a protocol error
	CloseAfterFlush []jobindex.ConnectionID // graceful, e.g. "shutdown" admin command
	BackendDone     []doneRequest
	BackendAdd      []addRequest

	// Shutdown/ShutdownGraceful are set by the "shutdown" admin command;
	// the ioserver core loop is responsible for acting on them (stop
	// accepting, close or drain every connection).
	Shutdown         bool
	ShutdownGraceful bool
}

type doneRequest struct {
	Unique   string
	Function string
}

// addRequest is a background job's persistence, which spec.md allows to
// happen any time before the backend's next Flush rather than before the
// submission is acknowledged. The process goroutine executes these.
type addRequest struct {
	Unique   string
	Function string
	Data     []byte
	Priority protocol.Priority
}

func (r *Result) send(to jobindex.ConnectionID, frame []byte) {
	r.Sends = append(r.Sends, Effect{To: to, Frame: frame})
}

func (r *Result) closeNow(id jobindex.ConnectionID) {
	r.Close = append(r.Close, id)
}

func (r *Result) closeAfterFlush(id jobindex.ConnectionID) {
	r.CloseAfterFlush = append(r.CloseAfterFlush, id)
}

func (r *Result) sendMany(to []jobindex.ConnectionID, frame []byte) {
	for _, id := range to {
		r.send(id, frame)
	}
}
