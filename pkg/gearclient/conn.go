// Package gearclient is a client/worker library for the wire protocol
// implemented by internal/protocol and internal/dispatch: component H.
// Conn, Client, and Worker mirror the shape of a small hand-rolled
// Gearman client library, adapted to the real 4/4/4 binary framing
// (magic/command/length headers, NUL-joined arguments) instead of an
// ad hoc 8-byte header.
package gearclient

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/smukkama/jobqueued/internal/protocol"
)

// DialTimeout bounds Dial; RWTimeout bounds every Send/Receive round trip.
var (
	DialTimeout = 5 * time.Second
	RWTimeout   = 30 * time.Second
)

// Conn is a single mutex-guarded connection to a job server. Client and
// Worker each wrap one; callers needing both roles on one socket can
// share a Conn between a Client and a Worker value.
type Conn struct {
	mu   sync.Mutex
	raw  net.Conn
	read *bufio.Reader
}

// Dial opens a new connection to a job server at addr ("host:port").
func Dial(addr string) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, err
	}
	return &Conn{raw: raw, read: bufio.NewReader(raw)}, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.Close()
}

// Send packs and writes one packet; it does not wait for a response.
func (c *Conn) Send(p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(p)
}

// Receive blocks for the next packet on the connection.
func (c *Conn) Receive() (protocol.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receive()
}

// SendAndReceive sends one packet and waits for the next one back,
// holding the connection's lock across both so a concurrent caller can't
// interleave its own request in between.
func (c *Conn) SendAndReceive(p protocol.Packet) (protocol.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(p); err != nil {
		return protocol.Packet{}, err
	}
	return c.receive()
}

func (c *Conn) send(p protocol.Packet) error {
	frame, err := protocol.Pack(p)
	if err != nil {
		return err
	}
	c.raw.SetWriteDeadline(time.Now().Add(RWTimeout))
	_, err = c.raw.Write(frame)
	return err
}

func (c *Conn) receive() (protocol.Packet, error) {
	c.raw.SetReadDeadline(time.Now().Add(RWTimeout))

	first, err := c.read.Peek(1)
	if err != nil {
		return protocol.Packet{}, err
	}
	if first[0] != 0 {
		line, err := c.read.ReadString('\n')
		if err != nil {
			return protocol.Packet{}, err
		}
		pkt, _, err := protocol.Unpack([]byte(line))
		return pkt, err
	}

	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.read, header); err != nil {
		return protocol.Packet{}, err
	}
	bodyLen := binary.BigEndian.Uint32(header[8:12])
	buf := make([]byte, protocol.HeaderSize+int(bodyLen))
	copy(buf, header)
	if bodyLen > 0 {
		if _, err := io.ReadFull(c.read, buf[protocol.HeaderSize:]); err != nil {
			return protocol.Packet{}, err
		}
	}

	pkt, n, err := protocol.Unpack(buf)
	if err != nil {
		return protocol.Packet{}, err
	}
	if n != len(buf) {
		return protocol.Packet{}, fmt.Errorf("gearclient: trailing bytes after packet")
	}
	return pkt, nil
}
