// Package pool is the process-wide registry of live transport connections.
// It indexes connections by connection id and by session id; eviction
// closes the underlying client.
package pool

import (
	"io"
	"sync"
	"time"

	"github.com/billchurch/webssh2-sub005/internal/logging"
)

// Protocol identifies the transport of a pooled connection.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// Status is the lifecycle state of a pooled connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Connection is one live transport bound to a session. Mutations go through
// methods so LastActivity stays accurate.
type Connection struct {
	ID        string
	SessionID string
	Protocol  Protocol
	Host      string
	Port      int
	Username  string
	CreatedAt time.Time

	// AuthMethod names the mechanism that authenticated the transport.
	// Adapters set it before the connection enters the pool.
	AuthMethod string

	// Client is the underlying transport handle; Clear and Remove close it.
	Client io.Closer

	mu           sync.Mutex
	status       Status
	lastActivity time.Time
}

// NewConnection builds a connection in the connecting state.
func NewConnection(id, sessionID string, proto Protocol, host string, port int, username string, client io.Closer) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		SessionID:    sessionID,
		Protocol:     proto,
		Host:         host,
		Port:         port,
		Username:     username,
		CreatedAt:    now,
		Client:       client,
		status:       StatusConnecting,
		lastActivity: now,
	}
}

// Status returns the connection's current status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus updates the status and touches LastActivity.
func (c *Connection) SetStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Touch records I/O activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent status change or I/O.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Pool tracks connections by id and by session.
type Pool struct {
	mu        sync.RWMutex
	byID      map[string]*Connection
	bySession map[string]map[string]bool
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		byID:      make(map[string]*Connection),
		bySession: make(map[string]map[string]bool),
	}
}

// Add registers a connection. A duplicate id is rejected and logged.
func (p *Pool) Add(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.byID[c.ID]; dup {
		logging.Warn("pool.duplicate_id").Subsystem("pool").Conn(c.ID).Emit()
		return false
	}
	p.byID[c.ID] = c
	set, ok := p.bySession[c.SessionID]
	if !ok {
		set = make(map[string]bool)
		p.bySession[c.SessionID] = set
	}
	set[c.ID] = true
	return true
}

// Get returns the connection with the given id.
func (p *Pool) Get(id string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byID[id]
	return c, ok
}

// Remove drops the connection from both indices and closes its client.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	c, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
		if set, found := p.bySession[c.SessionID]; found {
			delete(set, id)
			if len(set) == 0 {
				delete(p.bySession, c.SessionID)
			}
		}
	}
	p.mu.Unlock()

	if ok && c.Client != nil {
		if err := c.Client.Close(); err != nil {
			logging.Debug("pool.close_failed").Subsystem("pool").Conn(id).Err(err).Emit()
		}
	}
}

// GetBySession returns all connections bound to the session.
func (p *Pool) GetBySession(sessionID string) []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := p.bySession[sessionID]
	conns := make([]*Connection, 0, len(ids))
	for id := range ids {
		if c, ok := p.byID[id]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// Size returns how many connections are pooled.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

// Clear evicts everything, closing each client fire-and-forget. Individual
// close failures are ignored.
func (p *Pool) Clear() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.byID))
	for _, c := range p.byID {
		conns = append(conns, c)
	}
	p.byID = make(map[string]*Connection)
	p.bySession = make(map[string]map[string]bool)
	p.mu.Unlock()

	for _, c := range conns {
		if c.Client != nil {
			go c.Client.Close()
		}
	}
}
