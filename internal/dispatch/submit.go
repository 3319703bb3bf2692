package dispatch

import (
	"context"

	"github.com/smukkama/jobqueued/internal/jobindex"
	"github.com/smukkama/jobqueued/internal/protocol"
)

// handleSubmit implements every SUBMIT_JOB/_HIGH/_LOW and their _BG
// variants. Foreground submissions are persisted synchronously — the
// one exception to Dispatcher never blocking — because spec.md §4.D step
// 5 requires the durable write to land before JOB_CREATED is sent;
// background submissions are queued immediately and their persistence is
// handed to the process goroutine via Result.BackendAdd, since spec.md
// only requires it land before the backend's next Flush.
func (d *Dispatcher) handleSubmit(ctx context.Context, r *Result, id jobindex.ConnectionID, pkt protocol.Packet) {
	priority, background, _, ok := protocol.SubmitVariant(pkt.Verb)
	if !ok {
		r.send(id, errorFrame("unexpected_packet", "not a submit command"))
		return
	}
	function, unique, data := pkt.Arg(0), pkt.Arg(1), pkt.Data

	if function == "" {
		r.send(id, errorFrame("invalid_function_name", "function name required"))
		return
	}

	var subscriber *jobindex.ConnectionID
	if !background {
		subscriber = &id
	}

	job, existed, err := d.Index.Reserve(function, unique, data, priority, background, subscriber, false)
	if err != nil {
		r.send(id, queueErrorFrame(err))
		return
	}
	if existed {
		r.send(id, jobCreatedFrame(job.Handle))
		return
	}

	if background {
		wake := d.Index.Confirm(job, d.Backend != nil)
		r.sendMany(wake, noopFrame())
		if d.Backend != nil {
			r.BackendAdd = append(r.BackendAdd, addRequest{Unique: unique, Function: function, Data: data, Priority: priority})
		}
		r.send(id, jobCreatedFrame(job.Handle))
		return
	}

	if d.Backend != nil {
		if err := d.Backend.Add(ctx, unique, function, data, priority); err != nil {
			d.Index.Abandon(job)
			r.send(id, queueErrorFrame(err))
			return
		}
		if err := d.Backend.Flush(ctx); err != nil {
			d.Index.Abandon(job)
			r.send(id, queueErrorFrame(err))
			return
		}
	}

	wake := d.Index.Confirm(job, d.Backend != nil)
	r.sendMany(wake, noopFrame())
	r.send(id, jobCreatedFrame(job.Handle))
}

func jobCreatedFrame(handle string) []byte {
	return mustPack(protocol.Packet{
		Magic: protocol.MagicResponse,
		Verb:  protocol.CommandJobCreated,
		Args:  [][]byte{[]byte(handle)},
	})
}

func queueErrorFrame(err error) []byte {
	return errorFrame("queue_error", err.Error())
}
