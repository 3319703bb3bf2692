// Command gearwatch is a small text-mode administrative client plus a
// self-contained "reverse" demo: a worker and client pairing exercising
// the binary protocol end to end, the same role
// examples/reverse_client.c plays for upstream Gearman.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/smukkama/jobqueued/internal/protocol"
	"github.com/smukkama/jobqueued/pkg/gearclient"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4730", "job server address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "workers", "status", "version", "getpid":
		runAdminCommand(*addr, args)
	case "maxqueue":
		runAdminCommand(*addr, args)
	case "shutdown":
		runAdminCommand(*addr, args)
	case "reverse":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: gearwatch reverse <string>")
			os.Exit(1)
		}
		runReverseDemo(*addr, strings.Join(args[1:], " "))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: gearwatch [-addr host:port] <command> [args]

commands:
  workers             list connected workers and their registered functions
  status              list functions with queue/running/worker counts
  maxqueue <fn> [n]    set (or clear, with n=0) a function's queue size limit
  shutdown [graceful]  stop the job server
  version              print the server version
  getpid                print the server's process id
  reverse <string>     run an end-to-end submit/grab/complete demo`)
}

// runAdminCommand sends one text-mode line and prints the reply: every
// line up to the server's "." terminator for workers and status, the
// single reply line for every other command, mirroring spec.md §9's
// tolerant line-oriented admin console.
func runAdminCommand(addr string, args []string) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := conn.Write(protocol.PackText(args...)); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}

	multiLine := args[0] == "workers" || args[0] == "status"
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			fmt.Println(trimmed)
		}
		if err != nil {
			return
		}
		if !multiLine || trimmed == "." {
			return
		}
	}
}

// runReverseDemo registers an in-process worker for "reverse", submits
// the given string as a job, and prints the result the worker computes
// — the same round trip examples/reverse_client.c demonstrates, minus
// needing a separate worker process since none ships in this pack.
func runReverseDemo(addr, input string) {
	worker, err := gearclient.DialWorker(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker dial: %v\n", err)
		os.Exit(1)
	}
	defer worker.Close()

	if err := worker.CanDo("reverse"); err != nil {
		fmt.Fprintf(os.Stderr, "CanDo: %v\n", err)
		os.Exit(1)
	}
	if _, err := worker.Echo(nil); err != nil {
		fmt.Fprintf(os.Stderr, "Echo barrier: %v\n", err)
		os.Exit(1)
	}

	done := make(chan error, 1)
	go func() {
		job, ok, err := worker.GrabJob()
		if err == nil && !ok {
			// The submission may not have arrived yet: sleep until the
			// server's NOOP, then grab again.
			if err = worker.PreSleep(); err == nil {
				job, ok, err = worker.GrabJob()
			}
		}
		if err != nil {
			done <- err
			return
		}
		if !ok {
			done <- fmt.Errorf("worker saw no job")
			return
		}
		done <- worker.WorkComplete(job.Handle, reverse(job.Data))
	}()

	client, err := gearclient.DialClient(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client dial: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	handle, err := client.SubmitJob("reverse", "", []byte(input), protocol.PriorityNormal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SubmitJob: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Submitted job %s: %q\n", handle, input)

	if err := <-done; err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	pkt, err := client.Next()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Next: %v\n", err)
		os.Exit(1)
	}
	switch pkt.Verb {
	case protocol.CommandWorkComplete:
		fmt.Printf("Result=%s\n", pkt.Data)
	case protocol.CommandWorkFail:
		fmt.Println("Work failed")
	default:
		fmt.Printf("Unexpected response: %s\n", pkt.Verb)
	}
}

func reverse(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[len(data)-1-i] = b
	}
	return out
}
