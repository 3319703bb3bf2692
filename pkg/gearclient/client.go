package gearclient

import (
	"fmt"
	"strconv"
	"time"

	"github.com/smukkama/jobqueued/internal/protocol"
)

// Client issues SUBMIT_JOB* and GET_STATUS requests and reads the
// responses/updates a job server sends back, per spec.md §4.C's
// client-directed command set.
type Client struct {
	conn *Conn
}

// NewClient wraps an already-dialed connection as a Client.
func NewClient(conn *Conn) *Client { return &Client{conn: conn} }

// DialClient dials addr and wraps it as a Client.
func DialClient(addr string) (*Client, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func submitVerb(priority protocol.Priority, background bool) protocol.Command {
	switch {
	case priority == protocol.PriorityHigh && background:
		return protocol.CommandSubmitJobHighBg
	case priority == protocol.PriorityHigh:
		return protocol.CommandSubmitJobHigh
	case priority == protocol.PriorityLow && background:
		return protocol.CommandSubmitJobLowBg
	case priority == protocol.PriorityLow:
		return protocol.CommandSubmitJobLow
	case background:
		return protocol.CommandSubmitJobBg
	default:
		return protocol.CommandSubmitJob
	}
}

// SubmitJob submits a foreground job and blocks for JOB_CREATED,
// returning the assigned handle.
func (c *Client) SubmitJob(function, unique string, data []byte, priority protocol.Priority) (string, error) {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, submitVerb(priority, false),
		[][]byte{[]byte(function), []byte(unique)}, data)
	if err != nil {
		return "", err
	}
	res, err := c.conn.SendAndReceive(pkt)
	if err != nil {
		return "", err
	}
	switch res.Verb {
	case protocol.CommandJobCreated:
		return res.Arg(0), nil
	case protocol.CommandError:
		return "", fmt.Errorf("gearclient: %s: %s", res.Arg(0), res.Arg(1))
	default:
		return "", fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
}

// SubmitBackgroundJob submits a detached job; the caller gets no further
// updates beyond the JOB_CREATED this still waits for.
func (c *Client) SubmitBackgroundJob(function, unique string, data []byte, priority protocol.Priority) (string, error) {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, submitVerb(priority, true),
		[][]byte{[]byte(function), []byte(unique)}, data)
	if err != nil {
		return "", err
	}
	res, err := c.conn.SendAndReceive(pkt)
	if err != nil {
		return "", err
	}
	if res.Verb != protocol.CommandJobCreated {
		return "", fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
	return res.Arg(0), nil
}

// SubmitScheduledJob submits a job due at the next occurrence of the
// given cron-like fields (minute/hour/day-of-month/month/day-of-week,
// the server counts day-of-week with Sunday=0).
func (c *Client) SubmitScheduledJob(function, unique string, data []byte, minute, hour, dom, month, dow string) (string, error) {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, protocol.CommandSubmitJobSched,
		[][]byte{[]byte(function), []byte(unique), []byte(minute), []byte(hour), []byte(dom), []byte(month), []byte(dow)}, data)
	if err != nil {
		return "", err
	}
	res, err := c.conn.SendAndReceive(pkt)
	if err != nil {
		return "", err
	}
	if res.Verb != protocol.CommandJobCreated {
		return "", fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
	return res.Arg(0), nil
}

// SubmitEpochJob submits a job due at the given time.
func (c *Client) SubmitEpochJob(function, unique string, data []byte, at time.Time) (string, error) {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, protocol.CommandSubmitJobEpoch,
		[][]byte{[]byte(function), []byte(unique), []byte(strconv.FormatInt(at.Unix(), 10))}, data)
	if err != nil {
		return "", err
	}
	res, err := c.conn.SendAndReceive(pkt)
	if err != nil {
		return "", err
	}
	if res.Verb != protocol.CommandJobCreated {
		return "", fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
	return res.Arg(0), nil
}

// JobStatus is the decoded reply to GetStatus.
type JobStatus struct {
	Handle      string
	Known       bool
	Running     bool
	Numerator   int
	Denominator int
}

// GetStatus asks the server for a job's current state.
func (c *Client) GetStatus(handle string) (JobStatus, error) {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, protocol.CommandGetStatus, [][]byte{[]byte(handle)}, nil)
	if err != nil {
		return JobStatus{}, err
	}
	res, err := c.conn.SendAndReceive(pkt)
	if err != nil {
		return JobStatus{}, err
	}
	if res.Verb != protocol.CommandStatusRes {
		return JobStatus{}, fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
	num, _ := strconv.Atoi(res.Arg(3))
	denom, _ := strconv.Atoi(res.Arg(4))
	return JobStatus{
		Handle:      res.Arg(0),
		Known:       res.Arg(1) == "1",
		Running:     res.Arg(2) == "1",
		Numerator:   num,
		Denominator: denom,
	}, nil
}

// SetOption requests a per-connection option ("exceptions" is the only
// one the server recognizes).
func (c *Client) SetOption(name string) error {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, protocol.CommandOptionReq, [][]byte{[]byte(name)}, nil)
	if err != nil {
		return err
	}
	res, err := c.conn.SendAndReceive(pkt)
	if err != nil {
		return err
	}
	switch res.Verb {
	case protocol.CommandOptionRes:
		return nil
	case protocol.CommandError:
		return fmt.Errorf("gearclient: %s: %s", res.Arg(0), res.Arg(1))
	default:
		return fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
}

// Echo round-trips payload off the server for connectivity testing.
func (c *Client) Echo(payload []byte) ([]byte, error) {
	pkt, err := protocol.NewPacket(protocol.MagicRequest, protocol.CommandEchoReq, nil, payload)
	if err != nil {
		return nil, err
	}
	res, err := c.conn.SendAndReceive(pkt)
	if err != nil {
		return nil, err
	}
	if res.Verb != protocol.CommandEchoRes {
		return nil, fmt.Errorf("gearclient: unexpected response %s", res.Verb)
	}
	return res.Data, nil
}

// Next blocks for the next asynchronous update (WORK_STATUS/WORK_DATA/
// WORK_WARNING/WORK_COMPLETE/WORK_FAIL/WORK_EXCEPTION) a foreground
// submission produces.
func (c *Client) Next() (protocol.Packet, error) {
	return c.conn.Receive()
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
