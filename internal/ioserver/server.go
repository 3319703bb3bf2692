// Package ioserver is the top-level server loop: component E/G from
// spec.md (the thread model and the listener) realized as described in
// the design this repository settled on — N acceptor/io goroutines that
// only do connection I/O, forwarding decoded packets to one shared core
// goroutine that alone owns jobindex.Index and dispatch.Dispatcher, plus
// an optional process goroutine that drives a queuebackend.Backend.
//
// This is the literal reading of spec.md §5's "everything but the
// connection's own I/O state is owned by a single thread": here there is
// exactly one such thread (the core goroutine) regardless of how many
// acceptor/io goroutines are configured, since Go's per-connection I/O
// (internal/netconn) is already handled by two goroutines per socket
// whether or not a pool sits in front of them.
package ioserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/smukkama/jobqueued/internal/adminstats"
	"github.com/smukkama/jobqueued/internal/dispatch"
	"github.com/smukkama/jobqueued/internal/jobindex"
	"github.com/smukkama/jobqueued/internal/netconn"
	"github.com/smukkama/jobqueued/internal/protocol"
	"github.com/smukkama/jobqueued/internal/queuebackend"
)

// Config configures a Server.
type Config struct {
	Addrs   []string // host:port pairs to listen on; at least one required
	Threads int      // acceptor goroutines per listener; <= 0 defaults to 1
	Backend queuebackend.Backend
	Verbose bool

	// Stats, when set, turns on periodic adminstats publishing. StatsInterval
	// <= 0 defaults to 5 seconds.
	Stats         *adminstats.Mirror
	StatsInterval time.Duration
}

// Server is one running job server: every configured listener, the
// connection registry, and the core/process goroutines driving them.
type Server struct {
	cfg Config
	idx *jobindex.Index
	d   *dispatch.Dispatcher

	mu         sync.Mutex
	conns      map[jobindex.ConnectionID]*netconn.Conn
	nextConnID jobindex.ConnectionID
	listeners  []net.Listener

	inbound chan inbound
	backend chan func(context.Context) error
	stats   chan []adminstats.FunctionSnapshot

	shutdownOnce sync.Once
	stopped      chan struct{}
	wg           sync.WaitGroup

	readyOnce sync.Once
	ready     chan struct{}
}

type inbound struct {
	id           jobindex.ConnectionID
	pkt          protocol.Packet
	disconnected bool // true when the connection's read side has ended
}

// New builds a Server from cfg. hostname prefixes every job handle this
// server mints (spec.md §6's H:<host>:<n> handle format).
func New(cfg Config, hostname string) *Server {
	idx := jobindex.NewIndex(hostname)
	return &Server{
		cfg:     cfg,
		idx:     idx,
		d:       dispatch.New(idx, cfg.Backend),
		conns:   make(map[jobindex.ConnectionID]*netconn.Conn),
		inbound: make(chan inbound, 256),
		backend: make(chan func(context.Context) error, 256),
		stats:   make(chan []adminstats.FunctionSnapshot, 4),
		stopped: make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// Index exposes the server's job index, chiefly for adminstats snapshots.
func (s *Server) Index() *jobindex.Index { return s.idx }

// Ready closes once every configured listener is open (or Run has failed
// trying to open one). Tests dial against ListenAddr after Ready closes
// instead of racing Run's own startup.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// ListenAddr returns the actual address of the i'th configured listener,
// useful when Config.Addrs names a ":0" port and the OS picks one.
func (s *Server) ListenAddr(i int) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[i].Addr()
}

// Run opens every configured listener, replays the backend (if any),
// and blocks until ctx is canceled or a "shutdown"/SIGTERM-driven
// Shutdown call completes.
func (s *Server) Run(ctx context.Context) error {
	if len(s.cfg.Addrs) == 0 {
		return fmt.Errorf("ioserver: no listen addresses configured")
	}

	if s.cfg.Backend != nil {
		if err := s.cfg.Backend.Replay(ctx, func(unique, function string, data []byte, priority protocol.Priority) error {
			_, _, err := s.idx.Add(function, unique, data, priority, true, nil, true)
			return err
		}); err != nil {
			return fmt.Errorf("ioserver: replay: %w", err)
		}
		s.wg.Add(1)
		go s.runProcess(ctx)
	}

	if s.cfg.Stats != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			adminstats.Run(ctx, s.cfg.Stats, s.stats)
		}()
	}

	for _, addr := range s.cfg.Addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("ioserver: listen %s: %w", addr, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		if s.cfg.Verbose {
			log.Printf("ioserver: listening on %s", ln.Addr())
		}

		threads := s.cfg.Threads
		if threads <= 0 {
			threads = 1
		}
		for i := 0; i < threads; i++ {
			s.wg.Add(1)
			go s.acceptLoop(ln)
		}
	}
	s.readyOnce.Do(func() { close(s.ready) })

	s.wg.Add(1)
	go s.runCore(ctx)

	select {
	case <-ctx.Done():
		s.Shutdown(false)
	case <-s.stopped:
	}
	s.wg.Wait()
	return nil
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
}

// Shutdown stops accepting new connections and tears down every live one.
// graceful drains in-flight connections (CloseAfterFlush) instead of
// closing them immediately.
func (s *Server) Shutdown(graceful bool) {
	s.shutdownOnce.Do(func() {
		s.closeListeners()
		s.mu.Lock()
		conns := make([]*netconn.Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			if graceful {
				c.CloseAfterFlush()
			} else {
				c.Close()
			}
		}
		close(s.stopped)
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
			}
			if s.cfg.Verbose {
				log.Printf("ioserver: accept: %v", err)
			}
			return
		}
		if tc, ok := raw.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		s.accept(raw)
	}
}

func (s *Server) accept(raw net.Conn) {
	s.mu.Lock()
	s.nextConnID++
	id := s.nextConnID
	c := netconn.New(id, raw, netconn.DefaultOutboxSize)
	s.conns[id] = c
	s.mu.Unlock()

	c.Start()
	s.d.Accept(id, c.PeerAddr)

	s.wg.Add(1)
	go s.forward(id, c)
}

func (s *Server) forward(id jobindex.ConnectionID, c *netconn.Conn) {
	defer s.wg.Done()
	for pkt := range c.Packets() {
		select {
		case s.inbound <- inbound{id: id, pkt: pkt}:
		case <-s.stopped:
			return
		}
	}
	select {
	case s.inbound <- inbound{id: id, disconnected: true}:
	case <-s.stopped:
	}
}

// runCore is the single goroutine that owns jobindex.Index and
// dispatch.Dispatcher: every packet from every connection, and every
// delayed-job poll, flows through here one at a time.
func (s *Server) runCore(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	var statsTick <-chan time.Time
	if s.cfg.Stats != nil {
		interval := s.cfg.StatsInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		statsTicker := time.NewTicker(interval)
		defer statsTicker.Stop()
		statsTick = statsTicker.C
	}

	for {
		wait, ok := s.idx.NextDelayedWait(time.Now())
		if !ok {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.Shutdown(false)
			return
		case <-s.stopped:
			return
		case <-timer.C:
			s.apply(s.d.PollDelayed(time.Now()))
		case <-statsTick:
			snap := adminstats.Snapshot(s.idx, time.Now())
			select {
			case s.stats <- snap:
			default:
				// Publisher goroutine is behind; drop this tick rather
				// than block the core loop on Redis latency.
			}
		case m := <-s.inbound:
			if m.disconnected {
				s.d.Disconnect(m.id)
				s.mu.Lock()
				delete(s.conns, m.id)
				s.mu.Unlock()
				continue
			}
			r := s.d.Handle(ctx, m.id, m.pkt)
			s.apply(r)
			if r.Shutdown {
				s.Shutdown(false)
				return
			}
			if r.ShutdownGraceful {
				s.Shutdown(true)
				return
			}
		}
	}
}

// runProcess is the optional goroutine that executes backend.Add/Done
// calls the core loop can't afford to block on: spec.md allows a
// background job's persistence to land any time before the backend's
// next Flush, and a completed job's Done to run after the client has
// already been told WORK_COMPLETE.
func (s *Server) runProcess(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case op := <-s.backend:
			if err := op(ctx); err != nil && s.cfg.Verbose {
				log.Printf("ioserver: backend operation failed: %v", err)
			}
		}
	}
}

func (s *Server) apply(r dispatch.Result) {
	s.mu.Lock()
	for _, e := range r.Sends {
		if c, ok := s.conns[e.To]; ok {
			if !c.Send(e.Frame) {
				// Outbox full: disconnect the slow reader instead of
				// silently dropping a frame from its stream.
				c.Close()
			}
		}
	}
	for _, id := range r.Close {
		if c, ok := s.conns[id]; ok {
			c.Close()
		}
	}
	for _, id := range r.CloseAfterFlush {
		if c, ok := s.conns[id]; ok {
			c.CloseAfterFlush()
		}
	}
	s.mu.Unlock()

	if s.cfg.Backend == nil {
		return
	}
	// BackendAdd/BackendDone name unexported dispatch types, so each entry
	// is wrapped as a closure here rather than copied into a named struct
	// — the process goroutine only ever needs to invoke it.
	for _, add := range r.BackendAdd {
		add := add
		op := func(ctx context.Context) error {
			return s.cfg.Backend.Add(ctx, add.Unique, add.Function, add.Data, add.Priority)
		}
		select {
		case s.backend <- op:
		default:
			if s.cfg.Verbose {
				log.Printf("ioserver: backend add queue full, dropping persistence for %s/%s", add.Function, add.Unique)
			}
		}
	}
	for _, done := range r.BackendDone {
		done := done
		op := func(ctx context.Context) error {
			return s.cfg.Backend.Done(ctx, done.Unique, done.Function)
		}
		select {
		case s.backend <- op:
		default:
			if s.cfg.Verbose {
				log.Printf("ioserver: backend done queue full, dropping completion for %s/%s", done.Function, done.Unique)
			}
		}
	}
}
