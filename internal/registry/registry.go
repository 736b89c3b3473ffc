// Package registry tracks the live client connections of a predictd server.
//
// All operations serialize through a single mutex whose hold time is O(1)
// and never spans I/O. Closing sockets during shutdown happens on a snapshot
// taken under the lock.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Client is the registry record of one admitted connection.
type Client struct {
	ID          uint64
	RemoteAddr  string
	TraceID     string
	ConnectedAt time.Time

	conn net.Conn
}

// Conn returns the client's connection.
func (c *Client) Conn() net.Conn {
	return c.conn
}

// Registry maps connection identifiers to clients.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	clients map[uint64]*Client
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[uint64]*Client),
		now:     time.Now,
	}
}

// Add registers conn and returns its record. Identifiers increase
// monotonically starting at 0.
func (r *Registry) Add(conn net.Conn) *Client {
	remote := ""
	if conn != nil && conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	client := &Client{
		RemoteAddr: remote,
		TraceID:    xid.New().String(),
		conn:       conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	client.ID = r.nextID
	r.nextID++
	client.ConnectedAt = r.now()
	r.clients[client.ID] = client
	return client
}

// Remove deregisters id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// Occupancy returns the number of registered clients.
func (r *Registry) Occupancy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Snapshot returns the registered clients ordered by id.
func (r *Registry) Snapshot() []*Client {
	r.mu.Lock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseError records a failure to close one client's connection.
type CloseError struct {
	ID  uint64
	Err error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close client %d: %v", e.ID, e.Err)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// CloseAll closes every registered client's connection, best effort. Records
// stay registered until their handlers deregister them. The returned error
// joins one *CloseError per failed close.
func (r *Registry) CloseAll() (closed int, err error) {
	var errs []error
	for _, c := range r.Snapshot() {
		if c.conn == nil {
			continue
		}
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			errs = append(errs, &CloseError{ID: c.ID, Err: cerr})
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}
