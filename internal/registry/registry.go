// Package registry owns the set of live observer connections and their
// identity metadata.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/internal/protocol"
	"github.com/pitabwire/pulse/model"
)

// Transport is the handle to the underlying socket. Close must be safe to
// call concurrently with an in-flight read or write.
type Transport interface {
	Close() error
}

// Pruner removes every subscription held by a connection.
type Pruner interface {
	RemoveConnection(connectionID string) int
}

// Connection is one registered observer. Its outbound queue is drained by a
// single writer owned by the transport.
type Connection struct {
	id          string
	transport   Transport
	connectedAt time.Time

	send      chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	tenantID     string
	lastActivity time.Time
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// Outbound returns the queue of frames waiting to be written.
func (c *Connection) Outbound() <-chan protocol.Message { return c.send }

// Done is closed once the connection is deregistered.
func (c *Connection) Done() <-chan struct{} { return c.done }

// TenantID returns the authenticated tenant, or "" before authentication.
func (c *Connection) TenantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenantID
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Stats is a readout of registry occupancy.
type Stats struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
}

// Registry tracks live connections. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	queueSize int
	pruner    Pruner
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// New creates a Registry. Each connection gets an outbound queue of
// queueSize frames; a send to a full queue is a delivery failure.
func New(queueSize int, pruner Pruner, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if queueSize < 1 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:     make(map[string]*Connection),
		queueSize: queueSize,
		pruner:    pruner,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Register adds a connection for t and returns it.
func (r *Registry) Register(t Transport) *Connection {
	now := r.now()
	c := &Connection{
		id:           uuid.NewString(),
		transport:    t,
		connectedAt:  now,
		send:         make(chan protocol.Message, r.queueSize),
		done:         make(chan struct{}),
		lastActivity: now,
	}

	r.mu.Lock()
	r.conns[c.id] = c
	n := len(r.conns)
	r.mu.Unlock()

	r.metrics.RecordConnectionEvent("registered")
	r.metrics.SetConnectionsActive(n)
	r.logger.Info("connection registered", zap.String("connection_id", c.id))
	return c
}

// Get returns the connection with the given id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connectionID]
	return c, ok
}

// Authenticate binds tenantID to the connection. Authentication is one-time:
// repeating it with the same tenant succeeds, a different tenant is rejected.
// It returns the normalized tenant id.
func (r *Registry) Authenticate(connectionID, tenantID string) (string, error) {
	tenant, err := model.ValidateTenantID(tenantID)
	if err != nil {
		r.metrics.RecordConnectionEvent("auth_failed")
		return "", err
	}

	c, ok := r.Get(connectionID)
	if !ok {
		return "", model.NewUnknownConnectionError(connectionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.tenantID {
	case "":
		c.tenantID = tenant
	case tenant:
		return tenant, nil
	default:
		r.metrics.RecordConnectionEvent("auth_failed")
		return "", model.NewInvalidTenantError("connection is already authenticated as another tenant")
	}

	r.metrics.RecordConnectionEvent("authenticated")
	return tenant, nil
}

// TenantOf returns the authenticated tenant of a connection. ok is false when
// the connection is unknown or not yet authenticated.
func (r *Registry) TenantOf(connectionID string) (tenantID string, ok bool) {
	c, found := r.Get(connectionID)
	if !found {
		return "", false
	}
	tenantID = c.TenantID()
	return tenantID, tenantID != ""
}

// Touch records inbound activity on a connection.
func (r *Registry) Touch(connectionID string) {
	if c, ok := r.Get(connectionID); ok {
		c.mu.Lock()
		c.lastActivity = r.now()
		c.mu.Unlock()
	}
}

// Deregister removes a connection, prunes its subscriptions and closes its
// transport. It is idempotent and reports whether this call removed it.
func (r *Registry) Deregister(connectionID string) bool {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
	}
	n := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return false
	}

	pruned := 0
	if r.pruner != nil {
		pruned = r.pruner.RemoveConnection(connectionID)
	}
	c.closeOnce.Do(func() {
		close(c.done)
		if c.transport != nil {
			_ = c.transport.Close()
		}
	})

	r.metrics.RecordConnectionEvent("deregistered")
	r.metrics.SetConnectionsActive(n)
	r.logger.Info("connection deregistered",
		zap.String("connection_id", connectionID),
		zap.Int("subscriptions_pruned", pruned),
		zap.Duration("connected_for", r.now().Sub(c.connectedAt)),
	)
	return true
}

// Send queues msg for delivery without blocking. A full queue is a delivery
// failure: it is logged and the connection is deregistered. Send never
// returns an error; it reports whether msg was queued.
func (r *Registry) Send(connectionID string, msg protocol.Message) bool {
	c, ok := r.Get(connectionID)
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		r.metrics.RecordFrame("out", msg.Type)
		return true
	default:
		err := model.NewDeliveryFailureError("outbound queue full")
		r.logger.Warn("delivery failed, deregistering connection",
			zap.String("connection_id", connectionID),
			zap.String("frame_type", msg.Type),
			zap.Error(err),
		)
		r.Deregister(connectionID)
		return false
	}
}

// OperatorBroadcast queues msg on every connection, authenticated or not.
// It is the only global fan-out path and must carry no tenant data.
func (r *Registry) OperatorBroadcast(msg protocol.Message) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if r.Send(id, msg) {
			sent++
		}
	}
	return sent
}

// Idle returns the connections with no inbound activity for at least d.
func (r *Registry) Idle(d time.Duration) []string {
	cutoff := r.now().Add(-d)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var idle []string
	for id, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

// Stats returns current occupancy.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Connections: len(r.conns)}
	for _, c := range r.conns {
		if c.TenantID() != "" {
			s.Authenticated++
		}
	}
	return s
}

// Close deregisters every connection.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Deregister(id)
	}
}
