package netconn

import (
	"fmt"
	"sync/atomic"

	"github.com/smukkama/jobqueued/internal/jobindex"
)

// Registry hands out connection ids and tracks the live Conn for each one,
// adapted from the teacher's internal/connection.Manager — but, unlike
// that manager, Registry carries no mutex of its own and is not safe for
// concurrent use. internal/ioserver does not use it; it keeps its own
// mutex-guarded connection map.
type Registry struct {
	nextID  uint64
	conns   map[jobindex.ConnectionID]*Conn
	maxOpen int
}

// NewRegistry creates a Registry that refuses accepts once maxOpen
// connections are live (0 means unbounded).
func NewRegistry(maxOpen int) *Registry {
	return &Registry{
		conns:   make(map[jobindex.ConnectionID]*Conn),
		maxOpen: maxOpen,
	}
}

// ErrMaxConnectionsReached mirrors the teacher's connection.Manager error
// for the same condition.
var ErrMaxConnectionsReached = fmt.Errorf("maximum connections reached")

// Add allocates a fresh ConnectionID for c and registers it.
func (r *Registry) Add(c *Conn) error {
	if r.maxOpen > 0 && len(r.conns) >= r.maxOpen {
		return ErrMaxConnectionsReached
	}
	id := jobindex.ConnectionID(atomic.AddUint64(&r.nextID, 1))
	c.ID = id
	r.conns[id] = c
	return nil
}

// Remove drops a connection from the registry, e.g. once its Done channel
// has closed.
func (r *Registry) Remove(id jobindex.ConnectionID) {
	delete(r.conns, id)
}

// Get returns the live Conn for id, if any.
func (r *Registry) Get(id jobindex.ConnectionID) (*Conn, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of currently registered connections.
func (r *Registry) Count() int { return len(r.conns) }

// All returns every registered connection, for admin reporting and
// broadcast operations (e.g. a graceful shutdown closing every socket).
func (r *Registry) All() []*Conn {
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
