package hadb

import (
	"context"
	"sync"
	"time"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/balancer"
	"github.com/arya-analytics/hadb/internal/cluster"
	"github.com/arya-analytics/hadb/internal/durability"
	"github.com/arya-analytics/hadb/internal/invoke"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/arya-analytics/hadb/internal/synchronize"
	"github.com/arya-analytics/hadb/internal/tx"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type (
	NodeID        = node.ID
	Rows          = backend.Rows
	Event         = cluster.Event
	EventVariant  = cluster.EventVariant
	Inconsistency = durability.Inconsistency
)

const (
	Activated    = cluster.Activated
	Deactivated  = cluster.Deactivated
	Synchronized = cluster.Synchronized
	SyncFailed   = cluster.SyncFailed
)

// NodeConfig is the configuration of a single backend node.
type NodeConfig struct {
	ID       NodeID
	Location string
	Weight   int
	Active   bool
}

// NodeStatus is the administrative status of a node.
type NodeStatus struct {
	ID       NodeID
	Location string
	Weight   int
	Active   bool
	Dirty    bool
	// Since is the time of the node's last transition.
	Since time.Time
	// Reason describes the node's last transition.
	Reason string
}

// Admin is the administrative surface of a cluster.
type Admin interface {
	Nodes(ctx context.Context) ([]NodeStatus, error)
	Deactivate(ctx context.Context, id NodeID) error
	// Activate synchronizes an inactive node using the named strategy and returns it
	// to service. An empty strategy selects the cluster default.
	Activate(ctx context.Context, id NodeID, strategy string) error
	SetBalancer(ctx context.Context, policy string) error
	// Recover scans the durability log for transactions that were applied on only
	// some of their participants and deactivates the nodes that missed them.
	Recover(ctx context.Context) ([]Inconsistency, error)
}

// DB is a cluster of backend databases that behaves as one.
type DB struct {
	*options
	members      *cluster.Cluster
	conns        *conns
	durability   *durability.Manager
	synchronizer *synchronize.Synchronizer
	dispatch     map[Class]dispatch
	// gate is held shared by writes and transactions, and exclusively by
	// synchronization.
	gate *synchronize.Gate
	mu   struct {
		sync.RWMutex
		balancer balancer.Balancer
		closed   bool
	}
}

var _ Admin = (*DB)(nil)

func (db *DB) env() invoke.Env {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return invoke.Env{
		Members:  db.members,
		Balancer: db.mu.balancer,
		Logger:   db.logger,
		Timeout:  db.timeout,
	}
}

func (db *DB) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.mu.closed {
		return ErrClosed
	}
	return nil
}

func run[R any](ctx context.Context, db *DB, c Class, i invoke.Invoker[backend.Conn, R]) (R, error) {
	var zero R
	if err := db.checkOpen(); err != nil {
		return zero, err
	}
	if c != Read {
		if err := db.gate.Enter(ctx); err != nil {
			return zero, err
		}
		defer db.gate.Leave()
	}
	d := db.dispatch[c]
	return invoke.Exec(ctx, db.env(), invoke.Invocation[backend.Conn, R]{
		Strategy: d.strategy,
		FailFast: d.failFast,
		Pool:     db.conns,
		Invoker:  i,
	})
}

func execInvoker(sql string, args []any) invoke.Invoker[backend.Conn, int64] {
	return func(ctx context.Context, _ node.Node, c backend.Conn) (int64, error) {
		return c.Exec(ctx, sql, args...)
	}
}

func queryInvoker(sql string, args []any) invoke.Invoker[backend.Conn, Rows] {
	return func(ctx context.Context, _ node.Node, c backend.Conn) (Rows, error) {
		return c.Query(ctx, sql, args...)
	}
}

// Exec executes a write on every active node and returns the number of rows the
// lowest-ordered surviving node affected. Nodes that fail are deactivated.
// Backends are assumed to produce identical results for identical writes.
func (db *DB) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return run(ctx, db, Write, execInvoker(sql, args))
}

// ExecDDL executes a schema change on every active node. Any node failure aborts the
// operation without deactivation.
func (db *DB) ExecDDL(ctx context.Context, sql string, args ...any) (int64, error) {
	return run(ctx, db, DDL, execInvoker(sql, args))
}

// Query executes a read on a single node chosen by the balancer.
func (db *DB) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return run(ctx, db, Read, queryInvoker(sql, args))
}

// QueryPrimary executes a read that requires primary affinity, such as a sequence
// increment, on the lowest-ordered active node only.
func (db *DB) QueryPrimary(ctx context.Context, sql string, args ...any) (Rows, error) {
	return run(ctx, db, Sequence, queryInvoker(sql, args))
}

// Validate pings every active node, deactivating those that are unreachable.
func (db *DB) Validate(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	_, err := invoke.Exec(ctx, db.env(), invoke.Invocation[backend.Conn, struct{}]{
		Strategy: invoke.OnAll,
		Pool:     db.conns,
		Invoker: func(ctx context.Context, _ node.Node, c backend.Conn) (struct{}, error) {
			return struct{}{}, c.Ping(ctx)
		},
	})
	return err
}

// Begin starts a transaction on every active node. Synchronization is held off
// until the transaction commits or rolls back, so a goroutine holding an open
// transaction must not wait on other writes to the same DB.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := db.gate.Enter(ctx); err != nil {
		return nil, err
	}
	t, err := tx.Begin(ctx, db.env(), db.conns, db.durability)
	if err != nil {
		db.gate.Leave()
		return nil, err
	}
	return &Tx{tx: t, release: sync.OnceFunc(db.gate.Leave)}, nil
}

// Observe registers a listener for membership and synchronization events.
// Listeners run synchronously and must not block.
func (db *DB) Observe(l func(Event)) { db.members.Observe(l) }

// |||||| ADMIN ||||||

// Nodes implements Admin.
func (db *DB) Nodes(context.Context) ([]NodeStatus, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	statuses := db.members.Statuses()
	out := make([]NodeStatus, len(statuses))
	for i, s := range statuses {
		out[i] = NodeStatus{
			ID:       s.ID,
			Location: s.Location,
			Weight:   s.Weight,
			Active:   s.Active,
			Dirty:    s.Dirty,
			Since:    s.Since,
			Reason:   s.Reason,
		}
	}
	return out, nil
}

// Deactivate implements Admin.
func (db *DB) Deactivate(_ context.Context, id NodeID) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	_, err := db.members.Deactivate(id, "deactivated by administrator")
	return err
}

// Activate implements Admin.
func (db *DB) Activate(ctx context.Context, id NodeID, strategy string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.synchronizer.Activate(ctx, id, strategy)
}

// SetBalancer implements Admin.
func (db *DB) SetBalancer(_ context.Context, policy string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	b, err := balancer.New(policy)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.mu.balancer = b
	db.mu.Unlock()
	db.logger.Info("balancer changed", zap.String("policy", policy))
	return nil
}

// Balancer returns the identifier of the current balancing policy.
func (db *DB) Balancer() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	id, _ := balancer.IDOf(db.mu.balancer)
	return id
}

// Recover implements Admin.
func (db *DB) Recover(context.Context) ([]Inconsistency, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	found, err := db.durability.Scan()
	if err != nil && !errors.Is(err, ErrInconsistentDurability) {
		return nil, err
	}
	for _, id := range durability.Divergent(found) {
		changed, derr := db.members.Deactivate(id, "divergent transaction outcome")
		if derr != nil {
			db.logger.Warn("divergent node is not configured", zap.String("node", string(id)))
			continue
		}
		if changed {
			db.logger.Warn("deactivated divergent node", zap.String("node", string(id)))
		}
	}
	return found, err
}

// Close stops automatic synchronization and closes every backend connection and
// the durability log. Close must be called for every DB that is opened.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.mu.closed {
		db.mu.Unlock()
		return nil
	}
	db.mu.closed = true
	db.mu.Unlock()
	return errors.CombineErrors(
		db.synchronizer.Close(),
		errors.CombineErrors(db.conns.Close(), db.durability.Close()),
	)
}
