package hadb

import (
	"context"
	"sync"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/invoke"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cockroachdb/errors"
)

// conns lazily opens and caches one backend connection per node. A failed open is
// not cached, so the next acquisition retries.
type conns struct {
	connector backend.Connector
	creds     backend.Credentials
	mu        struct {
		sync.Mutex
		closed bool
		open   map[node.ID]*lazyConn
	}
}

type lazyConn struct {
	mu   sync.Mutex
	conn backend.Conn
}

var _ invoke.Pool[backend.Conn] = (*conns)(nil)

func newConns(connector backend.Connector, creds backend.Credentials) *conns {
	c := &conns{connector: connector, creds: creds}
	c.mu.open = make(map[node.ID]*lazyConn)
	return c
}

// Acquire implements invoke.Pool.
func (c *conns) Acquire(ctx context.Context, n node.Node) (backend.Conn, error) {
	c.mu.Lock()
	if c.mu.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	l, ok := c.mu.open[n.ID]
	if !ok {
		l = &lazyConn{}
		c.mu.open[n.ID] = l
	}
	c.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}
	conn, err := c.connector.Open(ctx, n.Location, c.creds)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", n.Location)
	}
	l.conn = conn
	return conn, nil
}

func (c *conns) Close() error {
	c.mu.Lock()
	c.mu.closed = true
	open := c.mu.open
	c.mu.open = make(map[node.ID]*lazyConn)
	c.mu.Unlock()
	var err error
	for _, l := range open {
		l.mu.Lock()
		if l.conn != nil {
			err = errors.CombineErrors(err, l.conn.Close())
		}
		l.mu.Unlock()
	}
	return err
}
