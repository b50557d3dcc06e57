package hadb

import (
	"context"

	"github.com/arya-analytics/hadb/internal/balancer"
	"github.com/arya-analytics/hadb/internal/cluster"
	"github.com/arya-analytics/hadb/internal/durability"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/arya-analytics/hadb/internal/synchronize"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Open opens a cluster over the given nodes, listed in configured order. The order
// is significant: the first active node is the primary, and results are taken from
// the lowest-ordered node that succeeds. Nodes left over from a crash with a
// divergent transaction outcome are deactivated before Open returns.
func Open(ctx context.Context, nodes []NodeConfig, opts ...Option) (*DB, error) {
	o := newOptions(opts...)
	if err := validateOptions(o); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New("[hadb] - at least one node must be configured")
	}

	db := &DB{options: o, dispatch: make(map[Class]dispatch, len(o.strategies)), gate: synchronize.NewGate()}
	for c, name := range o.strategies {
		db.dispatch[c], _ = parseDispatch(name)
	}

	members, err := cluster.New(toNodes(nodes), cluster.Config{Logger: o.logger.Named("cluster")})
	if err != nil {
		return nil, err
	}
	db.members = members

	if db.mu.balancer, err = balancer.New(o.balancer); err != nil {
		return nil, err
	}

	if err := openDurability(db); err != nil {
		return nil, err
	}

	db.conns = newConns(o.connector, o.credentials)

	db.synchronizer, err = synchronize.New(synchronize.Config{
		Logger:     o.logger.Named("synchronize"),
		Members:    members,
		Pool:       db.conns,
		Durability: db.durability,
		Gate:       db.gate,
		Strategies: o.syncStrategies,
		Default:    o.syncStrategy,
		AutoResync: o.autoResync,
	})
	if err != nil {
		return nil, errors.CombineErrors(err, db.durability.Close())
	}

	if _, err := db.Recover(ctx); err != nil && !errors.Is(err, ErrInconsistentDurability) {
		return nil, errors.CombineErrors(err, db.Close())
	}

	o.logger.Info("cluster opened",
		zap.Int("nodes", len(nodes)),
		zap.Int("active", len(members.Active())),
		zap.String("balancer", o.balancer),
		zap.String("sync", o.syncStrategy),
	)
	return db, nil
}

func openDurability(db *DB) error {
	log := db.durabilityLog
	if log == nil {
		var err error
		if log, err = durability.OpenPebble(db.dirname, db.fs); err != nil {
			return err
		}
	}
	dm, err := durability.New(durability.Config{Logger: db.logger.Named("durability"), Log: log})
	if err != nil {
		return errors.CombineErrors(err, log.Close())
	}
	db.durability = dm
	return nil
}

func toNodes(configs []NodeConfig) []node.Node {
	nodes := make([]node.Node, len(configs))
	for i, c := range configs {
		nodes[i] = node.Node{ID: c.ID, Location: c.Location, Weight: c.Weight, Active: c.Active}
	}
	return nodes
}
