// Package dispatch is the server-side protocol state machine: component C
// from spec.md §4.C. One Dispatcher per server; Handle is called once per
// decoded packet, run-to-completion, and returns every frame that needs to
// go out plus any connections to close.
//
// Dispatcher holds no goroutine of its own and is not safe for concurrent
// use — like jobindex.Index, it is meant to be driven exclusively by the
// ioserver core loop (spec.md §5's single-owning-thread invariant).
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/smukkama/jobqueued/internal/jobindex"
	"github.com/smukkama/jobqueued/internal/protocol"
	"github.com/smukkama/jobqueued/internal/queuebackend"
)

// Dispatcher ties the job/function index to the persistent queue backend
// and turns decoded packets into index mutations plus outbound frames.
type Dispatcher struct {
	Index   *jobindex.Index
	Backend queuebackend.Backend // nil disables persistence entirely
}

// New creates a Dispatcher over idx. backend may be nil.
func New(idx *jobindex.Index, backend queuebackend.Backend) *Dispatcher {
	return &Dispatcher{Index: idx, Backend: backend}
}

// Accept registers a newly connected socket and returns its role-state.
func (d *Dispatcher) Accept(id jobindex.ConnectionID, peerAddr string) *jobindex.ConnRole {
	return d.Index.RegisterConn(id, peerAddr)
}

// Handle interprets one packet on behalf of connection id and returns the
// frames/closures it produces. ctx bounds only the synchronous
// backend.Add+Flush call spec.md §4.D requires before a foreground
// SUBMIT_JOB is acknowledged; it is not used anywhere else, since every
// other Dispatcher operation is pure in-memory index mutation.
func (d *Dispatcher) Handle(ctx context.Context, id jobindex.ConnectionID, pkt protocol.Packet) Result {
	var r Result

	if pkt.Magic == protocol.MagicText {
		d.handleAdmin(&r, id, pkt)
		return r
	}

	switch pkt.Verb {
	case protocol.CommandCanDo:
		d.handleCanDo(&r, id, pkt.Arg(0), nil)
	case protocol.CommandCanDoTimeout:
		d.handleCanDoTimeout(&r, id, pkt)
	case protocol.CommandCantDo:
		d.Index.Unbind(id, pkt.Arg(0))
	case protocol.CommandResetAbilities:
		d.Index.ResetAbilities(id)
	case protocol.CommandSetClientID:
		if role, ok := d.Index.Conn(id); ok {
			role.Label = pkt.Arg(0)
		}
	case protocol.CommandPreSleep:
		d.handlePreSleep(&r, id)
	case protocol.CommandGrabJob:
		d.handleGrabJob(&r, id, false)
	case protocol.CommandGrabJobUniq:
		d.handleGrabJob(&r, id, true)
	case protocol.CommandWorkStatus:
		d.handleWorkStatus(&r, pkt)
	case protocol.CommandWorkData:
		d.forwardWork(&r, pkt, protocol.CommandWorkData, false)
	case protocol.CommandWorkWarning:
		d.forwardWork(&r, pkt, protocol.CommandWorkWarning, false)
	case protocol.CommandWorkException:
		d.forwardWork(&r, pkt, protocol.CommandWorkException, true)
	case protocol.CommandWorkComplete:
		d.handleWorkDone(&r, pkt, protocol.CommandWorkComplete)
	case protocol.CommandWorkFail:
		d.handleWorkDone(&r, pkt, protocol.CommandWorkFail)
	case protocol.CommandAllYours:
		d.handleAllYours(id)
	case protocol.CommandSubmitJob, protocol.CommandSubmitJobBg,
		protocol.CommandSubmitJobHigh, protocol.CommandSubmitJobHighBg,
		protocol.CommandSubmitJobLow, protocol.CommandSubmitJobLowBg:
		d.handleSubmit(ctx, &r, id, pkt)
	case protocol.CommandSubmitJobSched:
		d.handleSubmitSched(&r, id, pkt)
	case protocol.CommandSubmitJobEpoch:
		d.handleSubmitEpoch(&r, id, pkt)
	case protocol.CommandGetStatus:
		d.handleGetStatus(&r, id, pkt.Arg(0))
	case protocol.CommandOptionReq:
		d.handleOptionReq(&r, id, pkt.Arg(0))
	case protocol.CommandEchoReq:
		d.handleEcho(&r, id, pkt.Data)
	default:
		r.send(id, errorFrame("unexpected_packet", fmt.Sprintf("unexpected packet %s", pkt.Verb)))
		r.closeAfterFlush(id)
	}

	return r
}

// Disconnect runs the cleanup spec.md §4.C's "Disconnection" section
// describes, then drops the connection's role-state.
func (d *Dispatcher) Disconnect(id jobindex.ConnectionID) {
	d.Index.Disconnect(id)
}

// PollDelayed moves any SUBMIT_JOB_SCHED/EPOCH job whose time has come
// into its function's FIFO, returning the NOOP wakeups that result. The
// ioserver core loop calls this whenever its timer, sized by
// jobindex.Index.NextDelayedWait, fires.
func (d *Dispatcher) PollDelayed(now time.Time) Result {
	var r Result
	for _, job := range d.Index.DueDelayed(now) {
		wake := d.Index.Queue(job)
		r.sendMany(wake, noopFrame())
	}
	return r
}

func (d *Dispatcher) handleCanDo(r *Result, id jobindex.ConnectionID, name string, timeout *time.Duration) {
	if name == "" {
		r.send(id, errorFrame("invalid_function_name", "function name required"))
		return
	}
	d.Index.Bind(id, name, timeout)
}

func (d *Dispatcher) handleCanDoTimeout(r *Result, id jobindex.ConnectionID, pkt protocol.Packet) {
	secs, err := strconv.Atoi(pkt.Arg(1))
	var timeout *time.Duration
	if err == nil {
		t := time.Duration(secs) * time.Second
		timeout = &t
	}
	d.handleCanDo(r, id, pkt.Arg(0), timeout)
}

func (d *Dispatcher) handlePreSleep(r *Result, id jobindex.ConnectionID) {
	if _, ok := d.Index.Peek(id); ok {
		r.send(id, noopFrame())
		return
	}
	if role, ok := d.Index.Conn(id); ok {
		role.Sleeping = true
		role.NoopQueued = false
	}
}

func (d *Dispatcher) handleGrabJob(r *Result, id jobindex.ConnectionID, uniq bool) {
	if role, ok := d.Index.Conn(id); ok {
		role.Sleeping = false
		role.NoopQueued = false
	}
	job, ok := d.Index.Take(id)
	if !ok {
		r.send(id, mustPack(protocol.Packet{Magic: protocol.MagicResponse, Verb: protocol.CommandNoJob}))
		return
	}
	if uniq {
		r.send(id, mustPack(protocol.Packet{
			Magic: protocol.MagicResponse,
			Verb:  protocol.CommandJobAssignUniq,
			Args:  [][]byte{[]byte(job.Handle), []byte(job.Function), []byte(job.UniqueKey)},
			Data:  job.Data,
		}))
		return
	}
	r.send(id, mustPack(protocol.Packet{
		Magic: protocol.MagicResponse,
		Verb:  protocol.CommandJobAssign,
		Args:  [][]byte{[]byte(job.Handle), []byte(job.Function)},
		Data:  job.Data,
	}))
}

func (d *Dispatcher) handleWorkStatus(r *Result, pkt protocol.Packet) {
	job, ok := d.Index.ByHandle(pkt.Arg(0))
	if !ok {
		return
	}
	num, _ := strconv.Atoi(pkt.Arg(1))
	denom, _ := strconv.Atoi(pkt.Arg(2))
	job.ProgressNum, job.ProgressDenom = num, denom

	frame := mustPack(protocol.Packet{
		Magic: protocol.MagicResponse,
		Verb:  protocol.CommandWorkStatus,
		Args:  [][]byte{[]byte(job.Handle), []byte(pkt.Arg(1)), []byte(pkt.Arg(2))},
	})
	r.sendMany(job.Subscribers(), frame)
}

// forwardWork relays WORK_DATA, WORK_WARNING, and WORK_EXCEPTION to
// subscribers unchanged; exceptionsOnly restricts delivery to
// subscribers that sent OPTION_REQ "exceptions".
func (d *Dispatcher) forwardWork(r *Result, pkt protocol.Packet, verb protocol.Command, exceptionsOnly bool) {
	job, ok := d.Index.ByHandle(pkt.Arg(0))
	if !ok {
		return
	}
	frame := mustPack(protocol.Packet{
		Magic: protocol.MagicResponse,
		Verb:  verb,
		Args:  [][]byte{[]byte(job.Handle)},
		Data:  pkt.Data,
	})
	for _, sub := range job.Subscribers() {
		if exceptionsOnly {
			role, ok := d.Index.Conn(sub)
			if !ok || !role.ReceivesExceptions {
				continue
			}
		}
		r.send(sub, frame)
	}
}

func (d *Dispatcher) handleWorkDone(r *Result, pkt protocol.Packet, verb protocol.Command) {
	job, ok := d.Index.ByHandle(pkt.Arg(0))
	if !ok {
		return
	}

	var data []byte
	var respVerb protocol.Command
	switch verb {
	case protocol.CommandWorkComplete:
		data = pkt.Data
		respVerb = protocol.CommandWorkComplete
	case protocol.CommandWorkFail:
		respVerb = protocol.CommandWorkFail
	}
	frame := mustPack(protocol.Packet{
		Magic: protocol.MagicResponse,
		Verb:  respVerb,
		Args:  [][]byte{[]byte(job.Handle)},
		Data:  data,
	})
	r.sendMany(job.Subscribers(), frame)

	persisted := job.Persisted
	unique, function := job.UniqueKey, job.Function
	d.Index.Complete(job)
	if persisted {
		r.BackendDone = append(r.BackendDone, doneRequest{Unique: unique, Function: function})
	}
}

// handleAllYours implements the Open Question 2 resolution from
// SPEC_FULL.md: drain-only. Every function the caller has registered
// stops accepting new foreground submissions; jobs already queued still
// flow to GRAB_JOB as normal.
func (d *Dispatcher) handleAllYours(id jobindex.ConnectionID) {
	role, ok := d.Index.Conn(id)
	if !ok {
		return
	}
	for _, name := range role.RegisteredFunctions() {
		if fn, ok := d.Index.FindFunction(name); ok {
			fn.Draining = true
		}
	}
}

func (d *Dispatcher) handleGetStatus(r *Result, id jobindex.ConnectionID, handle string) {
	job, ok := d.Index.ByHandle(handle)
	known, running, num, denom := "0", "0", "0", "0"
	if ok {
		known = "1"
		if job.Assigned() {
			running = "1"
		}
		num = strconv.Itoa(job.ProgressNum)
		denom = strconv.Itoa(job.ProgressDenom)
	}
	r.send(id, mustPack(protocol.Packet{
		Magic: protocol.MagicResponse,
		Verb:  protocol.CommandStatusRes,
		Args:  [][]byte{[]byte(handle), []byte(known), []byte(running), []byte(num), []byte(denom)},
	}))
}

func (d *Dispatcher) handleOptionReq(r *Result, id jobindex.ConnectionID, name string) {
	if name != "exceptions" {
		r.send(id, errorFrame("unknown_option", fmt.Sprintf("unknown option %q", name)))
		return
	}
	if role, ok := d.Index.Conn(id); ok {
		role.ReceivesExceptions = true
	}
	r.send(id, mustPack(protocol.Packet{
		Magic: protocol.MagicResponse,
		Verb:  protocol.CommandOptionRes,
		Args:  [][]byte{[]byte(name)},
	}))
}

func (d *Dispatcher) handleEcho(r *Result, id jobindex.ConnectionID, payload []byte) {
	r.send(id, mustPack(protocol.Packet{
		Magic: protocol.MagicResponse,
		Verb:  protocol.CommandEchoRes,
		Data:  payload,
	}))
}

func errorFrame(code, text string) []byte {
	return mustPack(protocol.Packet{
		Magic: protocol.MagicResponse,
		Verb:  protocol.CommandError,
		Args:  [][]byte{[]byte(code), []byte(text)},
	})
}

func noopFrame() []byte {
	return mustPack(protocol.Packet{Magic: protocol.MagicResponse, Verb: protocol.CommandNoop})
}

// mustPack packs a packet built entirely from this package's own fixed
// arg counts; a failure here is a programming error, not a runtime one.
func mustPack(p protocol.Packet) []byte {
	b, err := protocol.Pack(p)
	if err != nil {
		panic(err)
	}
	return b
}
