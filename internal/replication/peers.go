// Package replication implements the primary/secondary sync protocol
// (full-resync and incremental WAL catch-up over a dedicated
// connection) and live per-mutation forwarding from a primary to its
// secondaries. Roles are assigned externally by configuration, not
// negotiated by consensus: this package never elects a primary, it
// only carries out whatever role the engine tells it to play.
package replication

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PeerConns manages a shared pool of plain TCP connections to peer
// nodes, mirroring the connection-pooling shape used for the engine's
// other outbound links, but dialing net.Conn directly since the
// replication wire format is this package's own framing, not gRPC.
type PeerConns struct {
	mu          sync.Mutex
	conns       map[string]net.Conn
	dialTimeout time.Duration
}

// NewPeerConns creates an empty connection pool.
func NewPeerConns() *PeerConns {
	return &PeerConns{
		conns:       make(map[string]net.Conn),
		dialTimeout: 5 * time.Second,
	}
}

// Conn returns a cached or newly dialed connection to addr.
func (p *PeerConns) Conn(addr string) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}
	conn, err := net.DialTimeout("tcp", addr, p.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("replication: dial %s: %w", addr, err)
	}
	p.conns[addr] = conn
	return conn, nil
}

// Invalidate closes and drops the cached connection to addr, forcing a
// fresh dial next time it's needed.
func (p *PeerConns) Invalidate(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		_ = conn.Close()
		delete(p.conns, addr)
	}
}

// Close tears down every cached connection.
func (p *PeerConns) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, addr)
	}
	return nil
}
