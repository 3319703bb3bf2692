package netconn

import (
	"net"
	"testing"
	"time"

	"github.com/smukkama/jobqueued/internal/protocol"
)

func TestConnRoundTripsPackets(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(1, server, 16)
	c.Start()
	defer c.Close()

	frame, err := protocol.Pack(protocol.Packet{
		Magic: protocol.MagicRequest,
		Verb:  protocol.CommandCanDo,
		Args:  [][]byte{[]byte("reverse")},
	})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		client.Write(frame)
	}()

	select {
	case pkt := <-c.Packets():
		if pkt.Verb != protocol.CommandCanDo || pkt.Arg(0) != "reverse" {
			t.Fatalf("got %+v", pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestConnSendWritesToPeer(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := New(1, server, 16)
	c.Start()
	defer c.Close()

	frame, _ := protocol.Pack(protocol.Packet{Magic: protocol.MagicResponse, Verb: protocol.CommandNoop})
	if ok := c.Send(frame); !ok {
		t.Fatal("Send reported the outbox full on an empty queue")
	}

	buf := make([]byte, len(frame))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(client, buf); err != nil {
		t.Fatal(err)
	}
	pkt, _, err := protocol.Unpack(buf)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Verb != protocol.CommandNoop {
		t.Fatalf("got verb %v", pkt.Verb)
	}
}

func TestConnClosePropagatesToPeer(t *testing.T) {
	server, client := net.Pipe()
	c := New(1, server, 16)
	c.Start()

	c.Close()
	<-c.Done()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected read on peer to fail after Close")
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
