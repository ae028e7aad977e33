package distproto

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/kilnforge/buildcore/src/builderrors"
)

// Conn wraps a net.Conn with the frame codec and serializes writes, since
// multiple goroutines (the scheduler's stealing workers, the periodic
// metrics gossip) may share one connection to a given peer.
type Conn struct {
	nc net.Conn
	mu sync.Mutex
}

// NewConn wraps an already-established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Send writes one frame, safe for concurrent use.
func (c *Conn) Send(msgType MessageType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.nc, msgType, payload)
}

// Receive reads the next frame. Unlike Send, callers are expected to run
// their own single reader goroutine per connection (frames would otherwise
// interleave nonsensically), so Receive takes no lock.
func (c *Conn) Receive() (MessageType, []byte, error) {
	return ReadFrame(c.nc)
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// Pool holds one keep-alive connection per distributed scheduler peer
// address, dialed on first use and reused after that — the distributed-transport
// counterpart to the remote cache's pooled *http.Client, and the same
// acquire-by-address-reuse-if-present shape as the teacher's
// cluster.Cluster.getRPCClient, rebuilt over our own framing instead of a
// grpc.ClientConn.
type Pool struct {
	dialTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewPool creates an empty connection pool. dialTimeout bounds how long
// Get waits to establish a new connection; it does not bound request
// round-trip time, which is the caller's responsibility via ctx.
func NewPool(dialTimeout time.Duration) *Pool {
	return &Pool{dialTimeout: dialTimeout, conns: map[string]*Conn{}}
}

// Get returns a connection to address, dialing a fresh one if none is
// cached yet. A cached connection is returned without a health check; Drop
// removes one so the next Get dials again.
func (p *Pool) Get(ctx context.Context, address string) (*Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[address]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	d := net.Dialer{Timeout: p.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, builderrors.Wrap(builderrors.NetworkError, err, "dialing peer %s", address)
	}
	c := NewConn(nc)
	p.mu.Lock()
	p.conns[address] = c
	p.mu.Unlock()
	return c, nil
}

// Drop closes and evicts the connection to address, if any, so the next Get
// dials fresh — used after a connection is observed to have failed.
func (p *Pool) Drop(address string) {
	p.mu.Lock()
	c, ok := p.conns[address]
	delete(p.conns, address)
	p.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close shuts down every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = map[string]*Conn{}
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
