package gearclient

import (
	"fmt"
	"strconv"
	"time"

	"github.com/smukkama/jobqueued/internal/protocol"
)

// Worker issues CAN_DO/GRAB_JOB/WORK_* requests, per spec.md §4.C's
// worker-directed command set.
type Worker struct {
	conn *Conn
}

// NewWorker wraps an already-dialed connection as a Worker.
func NewWorker(conn *Conn) *Worker { return &Worker{conn: conn} }

// DialWorker dials addr and wraps it as a Worker.
func DialWorker(addr string) (*Worker, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return NewWorker(conn), nil
}

func (w *Worker) send(verb protocol.Command, args [][]byte, data []byte) error {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, verb, args, data)
	if err != nil {
		return err
	}
	return w.conn.Send(pkt)
}

// CanDo registers the worker's ability to run function.
func (w *Worker) CanDo(function string) error {
	return w.send(protocol.CommandCanDo, [][]byte{[]byte(function)}, nil)
}

// CanDoTimeout is CanDo plus an advisory per-job timeout.
func (w *Worker) CanDoTimeout(function string, timeout time.Duration) error {
	secs := strconv.Itoa(int(timeout / time.Second))
	return w.send(protocol.CommandCanDoTimeout, [][]byte{[]byte(function), []byte(secs)}, nil)
}

// CantDo unregisters a single function.
func (w *Worker) CantDo(function string) error {
	return w.send(protocol.CommandCantDo, [][]byte{[]byte(function)}, nil)
}

// ResetAbilities unregisters every function.
func (w *Worker) ResetAbilities() error {
	return w.send(protocol.CommandResetAbilities, nil, nil)
}

// SetWorkerID tags the connection for admin reporting (SET_CLIENT_ID).
func (w *Worker) SetWorkerID(id string) error {
	return w.send(protocol.CommandSetClientID, [][]byte{[]byte(id)}, nil)
}

// AllYours tells the server this worker wants every already-queued job
// for its registered functions and no new ones (the drain-only reading
// of ALL_YOURS this server implements).
func (w *Worker) AllYours() error {
	return w.send(protocol.CommandAllYours, nil, nil)
}

// PreSleep tells the server to wake this worker with a NOOP when a job
// for one of its functions is queued, then blocks for that NOOP (or an
// immediate GRAB_JOB-worthy NOOP if one was already pending).
func (w *Worker) PreSleep() error {
	if err := w.send(protocol.CommandPreSleep, nil, nil); err != nil {
		return err
	}
	pkt, err := w.conn.Receive()
	if err != nil {
		return err
	}
	if pkt.Verb != protocol.CommandNoop {
		return fmt.Errorf("gearclient: unexpected response %s", pkt.Verb)
	}
	return nil
}

// Job is a unit of work handed back by GrabJob/GrabJobUniq.
type Job struct {
	Handle   string
	Function string
	Unique   string // only set by GrabJobUniq
	Data     []byte
}

// GrabJob requests any available job. ok is false when the server
// replies NO_JOB.
func (w *Worker) GrabJob() (job Job, ok bool, err error) {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, protocol.CommandGrabJob, nil, nil)
	if err != nil {
		return Job{}, false, err
	}
	res, err := w.conn.SendAndReceive(pkt)
	if err != nil {
		return Job{}, false, err
	}
	switch res.Verb {
	case protocol.CommandJobAssign:
		return Job{Handle: res.Arg(0), Function: res.Arg(1), Data: res.Data}, true, nil
	case protocol.CommandNoJob:
		return Job{}, false, nil
	default:
		return Job{}, false, fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
}

// GrabJobUniq is GrabJob but also reports the job's client-supplied
// unique key.
func (w *Worker) GrabJobUniq() (job Job, ok bool, err error) {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, protocol.CommandGrabJobUniq, nil, nil)
	if err != nil {
		return Job{}, false, err
	}
	res, err := w.conn.SendAndReceive(pkt)
	if err != nil {
		return Job{}, false, err
	}
	switch res.Verb {
	case protocol.CommandJobAssignUniq:
		return Job{Handle: res.Arg(0), Function: res.Arg(1), Unique: res.Arg(2), Data: res.Data}, true, nil
	case protocol.CommandNoJob:
		return Job{}, false, nil
	default:
		return Job{}, false, fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
}

// WorkData sends a partial result chunk for a running job.
func (w *Worker) WorkData(handle string, data []byte) error {
	return w.send(protocol.CommandWorkData, [][]byte{[]byte(handle)}, data)
}

// WorkWarning sends a warning for a running job.
func (w *Worker) WorkWarning(handle string, data []byte) error {
	return w.send(protocol.CommandWorkWarning, [][]byte{[]byte(handle)}, data)
}

// WorkStatus reports progress as numerator/denominator.
func (w *Worker) WorkStatus(handle string, numerator, denominator int) error {
	return w.send(protocol.CommandWorkStatus, [][]byte{
		[]byte(handle), []byte(strconv.Itoa(numerator)), []byte(strconv.Itoa(denominator)),
	}, nil)
}

// WorkComplete reports successful completion with a final result.
func (w *Worker) WorkComplete(handle string, data []byte) error {
	return w.send(protocol.CommandWorkComplete, [][]byte{[]byte(handle)}, data)
}

// WorkFail reports that the job failed, with no result payload.
func (w *Worker) WorkFail(handle string) error {
	return w.send(protocol.CommandWorkFail, [][]byte{[]byte(handle)}, nil)
}

// WorkException reports that the job failed with structured exception data.
func (w *Worker) WorkException(handle string, data []byte) error {
	return w.send(protocol.CommandWorkException, [][]byte{[]byte(handle)}, data)
}

// Echo round-trips payload off the server for connectivity testing.
func (w *Worker) Echo(payload []byte) ([]byte, error) {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, protocol.CommandEchoReq, nil, payload)
	if err != nil {
		return nil, err
	}
	res, err := w.conn.SendAndReceive(pkt)
	if err != nil {
		return nil, err
	}
	if res.Verb != protocol.CommandEchoRes {
		return nil, fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
	return res.Data, nil
}

// Close closes the underlying connection.
func (w *Worker) Close() error { return w.conn.Close() }
