package dispatch

import (
	"strconv"
	"time"

	"github.com/smukkama/jobqueued/internal/jobindex"
	"github.com/smukkama/jobqueued/internal/protocol"
)

// handleSubmitSched implements SUBMIT_JOB_SCHED: function, unique, minute,
// hour, day-of-month, month, day-of-week, each either "*" or an integer,
// in the same cron-like vocabulary as the original. The job is reserved
// and indexed immediately but held out of its function's FIFO until the
// next matching time (jobindex.AddScheduled / Dispatcher.PollDelayed).
func (d *Dispatcher) handleSubmitSched(r *Result, id jobindex.ConnectionID, pkt protocol.Packet) {
	function, unique := pkt.Arg(0), pkt.Arg(1)
	if function == "" {
		r.send(id, errorFrame("invalid_function_name", "function name required"))
		return
	}
	runAt, err := nextCronTime(time.Now(), pkt.Arg(2), pkt.Arg(3), pkt.Arg(4), pkt.Arg(5), pkt.Arg(6))
	if err != nil {
		r.send(id, errorFrame("invalid_packet", err.Error()))
		return
	}
	d.submitDelayed(r, id, function, unique, pkt.Data, runAt)
}

// handleSubmitEpoch implements SUBMIT_JOB_EPOCH: function, unique, epoch
// (Unix seconds).
func (d *Dispatcher) handleSubmitEpoch(r *Result, id jobindex.ConnectionID, pkt protocol.Packet) {
	function, unique := pkt.Arg(0), pkt.Arg(1)
	if function == "" {
		r.send(id, errorFrame("invalid_function_name", "function name required"))
		return
	}
	secs, err := strconv.ParseInt(pkt.Arg(2), 10, 64)
	if err != nil {
		r.send(id, errorFrame("invalid_packet", "malformed epoch"))
		return
	}
	d.submitDelayed(r, id, function, unique, pkt.Data, time.Unix(secs, 0))
}

func (d *Dispatcher) submitDelayed(r *Result, id jobindex.ConnectionID, function, unique string, data []byte, runAt time.Time) {
	subscriber := id
	job, existed, err := d.Index.AddScheduled(function, unique, data, protocol.PriorityLow, &subscriber, runAt)
	if err != nil {
		r.send(id, queueErrorFrame(err))
		return
	}
	_ = existed
	r.send(id, jobCreatedFrame(job.Handle))
}

// cronField is "*" (any) or an exact non-negative integer.
func cronField(s string) (value int, any bool, err error) {
	if s == "*" {
		return 0, true, nil
	}
	n, err := strconv.Atoi(s)
	return n, false, err
}

// nextCronTime finds the earliest minute-aligned time after the minute
// containing from that matches every field, scanning forward at most one
// year. This is a
// deliberately simple brute-force search rather than a full croniron-style
// implementation: SUBMIT_JOB_SCHED is a rarely-exercised corner of the
// protocol and the search space (minute resolution, one year) is small
// enough that clarity wins over cleverness here.
func nextCronTime(from time.Time, minute, hour, dom, month, dow string) (time.Time, error) {
	fields := []string{minute, hour, dom, month, dow}
	values := make([]int, len(fields))
	anys := make([]bool, len(fields))
	for i, f := range fields {
		v, any, err := cronField(f)
		if err != nil {
			return time.Time{}, err
		}
		values[i], anys[i] = v, any
	}

	t := from.Truncate(time.Minute).Add(time.Minute)
	const maxIterations = 366 * 24 * 60
	for i := 0; i < maxIterations; i++ {
		if (anys[0] || t.Minute() == values[0]) &&
			(anys[1] || t.Hour() == values[1]) &&
			(anys[2] || t.Day() == values[2]) &&
			(anys[3] || int(t.Month()) == values[3]) &&
			(anys[4] || int(t.Weekday()) == values[4]) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, protocol.ErrInvalidPacket
}
