package dispatch

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/smukkama/jobqueued/internal/jobindex"
	"github.com/smukkama/jobqueued/internal/protocol"
)

// Version is reported by the "version" admin command.
const Version = "1.0.0"

// handleAdmin implements the text-mode administrative command set from
// spec.md §9's Open Question 3 resolution: workers, status, maxqueue,
// shutdown, version, getpid. Anything else gets a one-line error and the
// connection is left open, matching the original's tolerant admin
// console rather than the binary protocol's close-on-UNEXPECTED_PACKET.
func (d *Dispatcher) handleAdmin(r *Result, id jobindex.ConnectionID, pkt protocol.Packet) {
	if len(pkt.Args) == 0 {
		r.send(id, textLine("ERR unknown_command Unknown+server+command"))
		return
	}

	switch pkt.Arg(0) {
	case "workers":
		d.adminWorkers(r, id)
	case "status":
		d.adminStatus(r, id)
	case "maxqueue":
		d.adminMaxQueue(r, id, pkt)
	case "shutdown":
		d.adminShutdown(r, id, pkt)
	case "version":
		r.send(id, textLine(Version))
	case "getpid":
		r.send(id, textLine(strconv.Itoa(os.Getpid())))
	default:
		r.send(id, textLine("ERR unknown_command Unknown+server+command"))
	}
}

func (d *Dispatcher) adminWorkers(r *Result, id jobindex.ConnectionID) {
	conns := d.Index.AllConns()
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })

	for _, role := range conns {
		if len(role.RegisteredFunctions()) == 0 {
			continue
		}
		label := role.Label
		if label == "" {
			label = "-"
		}
		line := fmt.Sprintf("%d %s %s :", role.ID, role.PeerAddr, label)
		for _, fn := range role.RegisteredFunctions() {
			line += " " + fn
		}
		r.send(id, textLine(line))
	}
	r.send(id, textLine("."))
}

func (d *Dispatcher) adminStatus(r *Result, id jobindex.ConnectionID) {
	names := make([]string, 0, len(d.Index.Functions()))
	for name := range d.Index.Functions() {
		names = append(names, name)
	}
	sort.Strings(names)

	var frames [][]byte
	for _, name := range names {
		fn, _ := d.Index.FindFunction(name)
		frames = append(frames, textLine(fmt.Sprintf("%s\t%d\t%d\t%d", name, fn.Total(), fn.Running, len(fn.Workers()))))
	}
	frames = append(frames, textLine("."))
	for _, f := range frames {
		r.send(id, f)
	}
}

func (d *Dispatcher) adminMaxQueue(r *Result, id jobindex.ConnectionID, pkt protocol.Packet) {
	if len(pkt.Args) < 2 {
		r.send(id, textLine("ERR invalid_arguments maxqueue+requires+a+function+name"))
		return
	}
	fn := d.Index.GetOrCreateFunction(pkt.Arg(1))
	max := 0
	if len(pkt.Args) >= 3 {
		n, err := strconv.Atoi(pkt.Arg(2))
		if err != nil {
			r.send(id, textLine("ERR invalid_arguments maxqueue+size+must+be+an+integer"))
			return
		}
		max = n
	}
	fn.MaxQueueSize = max
	r.send(id, textLine("OK"))
}

func (d *Dispatcher) adminShutdown(r *Result, id jobindex.ConnectionID, pkt protocol.Packet) {
	r.send(id, textLine("OK"))
	if len(pkt.Args) >= 2 && pkt.Arg(1) == "graceful" {
		r.ShutdownGraceful = true
		r.closeAfterFlush(id)
		return
	}
	r.Shutdown = true
	r.closeNow(id)
}

func textLine(s string) []byte {
	return protocol.PackText(s)
}
