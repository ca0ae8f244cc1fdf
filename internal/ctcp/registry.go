package ctcp

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
)

// Registry owns the live connections and drives their periodic timer.
// It belongs to the transport's event loop; there is no process-wide
// connection list. Timer and I/O callbacks receive the registry as
// their context handle.
type Registry struct {
	conns  map[uint64]*Conn
	nextID uint64
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(clock clockwork.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[uint64]*Conn),
		clock:  clock,
		logger: logger.With(slog.String("component", "ctcp.registry")),
	}
}

// Open creates and registers a new connection. The connection's
// destruction callback removes it from the registry automatically,
// composed with any caller-provided one.
func (r *Registry) Open(
	cfg Config,
	app AppIO,
	sender SegmentSender,
	opts ...ConnOption,
) (*Conn, error) {
	r.nextID++
	id := r.nextID

	opts = append(opts, WithOnDestroy(func(doneID uint64) {
		delete(r.conns, doneID)
		r.logger.Info("connection destroyed", slog.Uint64("conn_id", doneID))
	}))

	conn, err := NewConn(id, cfg, app, sender, r.clock, r.logger, opts...)
	if err != nil {
		return nil, err
	}

	r.conns[id] = conn
	return conn, nil
}

// Get returns the connection with the given id.
func (r *Registry) Get(id uint64) (*Conn, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int { return len(r.conns) }

// TickAll runs one timer step over every live connection. A connection
// destroying itself mid-walk removes itself from the map; the snapshot
// below keeps the iteration safe.
func (r *Registry) TickAll() {
	snapshot := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	for _, c := range snapshot {
		c.Tick()
	}
}

