package mock

import (
	"context"
	"sync"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/cockroachdb/errors"
)

// ErrUnknownLocation is returned when connecting to a location with no backend.
var ErrUnknownLocation = errors.New("no backend at location")

// Network routes connections to in-memory backends by location.
type Network struct {
	mu       sync.Mutex
	backends map[string]*Backend
}

func NewNetwork() *Network { return &Network{backends: make(map[string]*Backend)} }

// Provision returns the backend at location, creating it if necessary.
func (n *Network) Provision(location string) *Backend {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.backends[location]
	if !ok {
		b = NewBackend(location)
		n.backends[location] = b
	}
	return b
}

// Backend returns the backend at location.
func (n *Network) Backend(location string) (*Backend, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.backends[location]
	return b, ok
}

// Connector returns a backend.Connector that opens connections over the network.
func (n *Network) Connector() backend.Connector {
	return backend.ConnectorFunc(func(ctx context.Context, location string, _ backend.Credentials) (backend.Conn, error) {
		b, ok := n.Backend(location)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownLocation, "%s", location)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.open(); err != nil {
			return nil, err
		}
		return &conn{b: b}, nil
	})
}
