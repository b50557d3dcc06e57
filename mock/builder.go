package mock

import (
	"context"
	"strconv"

	"github.com/arya-analytics/hadb"
)

// Builder provisions clusters over in-memory backends.
type Builder struct {
	Network        *Network
	DefaultOptions []hadb.Option
}

// NewMemBuilder returns a builder whose clusters keep their durability log in
// memory and connect over a fresh network.
func NewMemBuilder(defaultOpts ...hadb.Option) *Builder {
	net := NewNetwork()
	return &Builder{
		Network: net,
		DefaultOptions: append([]hadb.Option{
			hadb.WithConnector(net.Connector()),
			hadb.MemBacked(),
		}, defaultOpts...),
	}
}

// Nodes returns the configuration of n active, weight 1 nodes db1..dbn, each
// located at its id.
func Nodes(n int) []hadb.NodeConfig {
	nodes := make([]hadb.NodeConfig, n)
	for i := range nodes {
		id := "db" + strconv.Itoa(i+1)
		nodes[i] = hadb.NodeConfig{ID: hadb.NodeID(id), Location: id, Weight: 1, Active: true}
	}
	return nodes
}

// New provisions a backend for every node and opens a cluster over them.
func (b *Builder) New(ctx context.Context, nodes []hadb.NodeConfig, opts ...hadb.Option) (*hadb.DB, error) {
	for _, n := range nodes {
		b.Network.Provision(n.Location)
	}
	return hadb.Open(ctx, nodes, append(append([]hadb.Option{}, b.DefaultOptions...), opts...)...)
}

// Backend returns the backend at location, provisioning it if necessary.
func (b *Builder) Backend(location string) *Backend { return b.Network.Provision(location) }
