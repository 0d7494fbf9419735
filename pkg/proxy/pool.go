package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/metrics"
)

// relayConn is a stream connection carrying framed SIP, either accepted from
// a peer or dialed to a backend. Writes are serialized and bounded by a
// deadline so one slow peer cannot wedge the relay.
type relayConn struct {
	id   string
	key  string // pool key ("ip:port") for dialed connections, empty for accepted ones
	conn net.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
	lastActive   atomic.Int64
}

func newRelayConn(conn net.Conn, key string, writeTimeout time.Duration) *relayConn {
	c := &relayConn{
		id:           uuid.NewString(),
		key:          key,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

func (c *relayConn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *relayConn) idleSince() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *relayConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.conn.Write(data)
	c.touch()
	return err
}

func (c *relayConn) remoteHostPort() (string, int) {
	return addrHostPort(c.conn.RemoteAddr())
}

func (c *relayConn) close() error {
	return c.conn.Close()
}

// DialFunc opens a stream connection to a backend address ("ip:port").
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type pendingDial struct {
	done chan struct{}
	conn *relayConn
	err  error
}

// Pool keeps at most one upstream connection per backend address and reuses
// it across dialogs. Concurrent requests for an address that is still being
// dialed share the one in-flight attempt instead of racing their own.
type Pool struct {
	dial         DialFunc
	idleTimeout  time.Duration
	writeTimeout time.Duration
	logger       *logrus.Logger

	// onNew runs outside the lock for every established connection,
	// before any caller writes to it.
	onNew func(*relayConn)

	mu      sync.Mutex
	conns   map[string]*relayConn
	pending map[string]*pendingDial
}

// NewPool creates a connection pool. onNew may be nil.
func NewPool(dial DialFunc, idleTimeout, writeTimeout time.Duration, logger *logrus.Logger, onNew func(*relayConn)) *Pool {
	return &Pool{
		dial:         dial,
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
		logger:       logger,
		onNew:        onNew,
		conns:        make(map[string]*relayConn),
		pending:      make(map[string]*pendingDial),
	}
}

// Get returns the pooled connection for addr, dialing one if needed. Callers
// arriving while a dial is in flight wait for its outcome.
func (p *Pool) Get(ctx context.Context, addr string) (*relayConn, error) {
	p.mu.Lock()
	if conn, ok := p.conns[addr]; ok {
		p.mu.Unlock()
		conn.touch()
		return conn, nil
	}
	if pending, ok := p.pending[addr]; ok {
		p.mu.Unlock()
		select {
		case <-pending.done:
			return pending.conn, pending.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	pending := &pendingDial{done: make(chan struct{})}
	p.pending[addr] = pending
	p.mu.Unlock()

	netConn, err := p.dial(ctx, addr)

	p.mu.Lock()
	delete(p.pending, addr)
	if err != nil {
		p.mu.Unlock()
		pending.err = err
		close(pending.done)
		return nil, err
	}

	conn := newRelayConn(netConn, addr, p.writeTimeout)
	p.conns[addr] = conn
	size := len(p.conns)
	p.mu.Unlock()

	metrics.SetUpstreamConnections(size)
	p.logger.WithFields(logrus.Fields{
		"backend": addr,
		"conn_id": conn.id,
	}).Info("Established upstream connection")

	if p.onNew != nil {
		p.onNew(conn)
	}

	pending.conn = conn
	close(pending.done)
	return conn, nil
}

// Remove unregisters a connection, typically after its read loop ends. It is
// a no-op when the slot already holds a different connection.
func (p *Pool) Remove(conn *relayConn) {
	p.mu.Lock()
	current, ok := p.conns[conn.key]
	if ok && current == conn {
		delete(p.conns, conn.key)
	}
	size := len(p.conns)
	p.mu.Unlock()

	if ok && current == conn {
		metrics.SetUpstreamConnections(size)
	}
}

// SweepIdle closes connections with no traffic for the idle timeout and
// returns how many were closed.
func (p *Pool) SweepIdle() int {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	var idle []*relayConn
	for _, conn := range p.conns {
		if conn.idleSince().Before(cutoff) {
			idle = append(idle, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range idle {
		p.logger.WithField("backend", conn.key).Info("Closing idle upstream connection")
		conn.close()
	}
	return len(idle)
}

// StartSweeper closes idle connections on the given interval until the
// context is canceled.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.SweepIdle()
			}
		}
	}()
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// CloseAll closes every pooled connection.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}
