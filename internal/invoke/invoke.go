// Package invoke dispatches units of work to cluster nodes and reconciles their
// outcomes. A strategy decides which nodes receive an Invoker, dispatches to them
// concurrently, and folds the per-node outcomes into a single result and a set of
// membership transitions.
package invoke

import (
	"context"
	"time"

	"github.com/arya-analytics/hadb/internal/balancer"
	"github.com/arya-analytics/hadb/internal/cluster"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	// ErrNoAvailableNodes is returned when every candidate node was tried and none
	// succeeded.
	ErrNoAvailableNodes = errors.New("no available nodes")
	// ErrAllNodesFailed is returned when every node targeted by a fan-out failed.
	ErrAllNodesFailed = errors.New("all nodes failed")
	// ErrAborted is returned when a fail-fast fan-out observes any node failure.
	ErrAborted = errors.New("operation aborted on node failure")
	// ErrPrimaryFailed is returned when the primary fails and a new primary has been
	// promoted in its place.
	ErrPrimaryFailed = errors.New("primary failed")
	// ErrNotEnlisted is returned when a transactional invocation is not bound to a
	// transaction.
	ErrNotEnlisted = errors.New("invocation not enlisted in a transaction")
)

// Invoker is a unit of work executed identically against each targeted node.
type Invoker[H, R any] func(ctx context.Context, n node.Node, h H) (R, error)

// Pool resolves the backend handle used to reach a node.
type Pool[H any] interface {
	Acquire(ctx context.Context, n node.Node) (H, error)
}

// PoolFunc adapts a function to the Pool interface.
type PoolFunc[H any] func(ctx context.Context, n node.Node) (H, error)

// Acquire implements Pool.
func (f PoolFunc[H]) Acquire(ctx context.Context, n node.Node) (H, error) { return f(ctx, n) }

// Env is the cluster state an invocation runs against.
type Env struct {
	Members  *cluster.Cluster
	Balancer balancer.Balancer
	Logger   *zap.Logger
	// Timeout bounds each dispatched unit when the invocation does not set its own.
	// Zero applies no bound beyond the caller's context.
	Timeout time.Duration
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Invocation binds an Invoker to the strategy that dispatches it.
type Invocation[H, R any] struct {
	Strategy Strategy
	// FailFast aborts the fan-out on any node failure without deactivating nodes.
	// Only meaningful for OnAll and OnAllTransactional.
	FailFast bool
	// Timeout bounds each dispatched unit, overriding Env.Timeout.
	Timeout time.Duration
	// Targets restricts candidates to a subset of the active nodes. It is required
	// for OnAllTransactional, where it holds the transaction's participants.
	Targets node.Group
	Pool    Pool[H]
	Invoker Invoker[H, R]
}

// Outcome is the result of dispatching an Invoker to a single node.
type Outcome[R any] struct {
	Node  node.Node
	Value R
	Err   error
	// Abandoned is set when the unit failed only because the caller's context ended.
	// Abandoned failures never cause a deactivation.
	Abandoned bool
}

func (o Outcome[R]) OK() bool { return o.Err == nil }

// Report is the full record of an invocation.
type Report[R any] struct {
	// Result is the value returned to the caller.
	Result R
	// Node is the node that produced Result.
	Node node.Node
	// Outcomes holds every dispatched unit in ordinal order, whether or not the
	// invocation as a whole succeeded.
	Outcomes []Outcome[R]
	// Deactivated holds the nodes this invocation removed from the active set.
	Deactivated node.Group
}

// Succeeded returns the nodes whose unit succeeded.
func (r Report[R]) Succeeded() node.Group {
	var g node.Group
	for _, o := range r.Outcomes {
		if o.OK() {
			g = append(g, o.Node)
		}
	}
	return g
}

// Exec runs the invocation and returns its result.
func Exec[H, R any](ctx context.Context, env Env, inv Invocation[H, R]) (R, error) {
	rep, err := Run(ctx, env, inv)
	return rep.Result, err
}

// Run runs the invocation and returns a report of every dispatched unit. The report
// is populated even when an error is returned so that callers can release
// resources acquired by units that succeeded.
func Run[H, R any](ctx context.Context, env Env, inv Invocation[H, R]) (Report[R], error) {
	if env.Members == nil || env.Balancer == nil {
		return Report[R]{}, errors.New("[invoke] - env requires members and balancer")
	}
	switch inv.Strategy {
	case OnAll:
		return onAll(ctx, env, inv)
	case OnAllTransactional:
		if inv.Targets == nil {
			return Report[R]{}, ErrNotEnlisted
		}
		return onAll(ctx, env, inv)
	case OnAny:
		return onAny(ctx, env, inv)
	case OnPrimary:
		return onPrimary(ctx, env, inv)
	}
	return Report[R]{}, errors.Wrapf(ErrUnknownStrategy, "%d", inv.Strategy)
}

func candidates[H, R any](env Env, inv Invocation[H, R]) node.Group {
	active := env.Members.Active()
	if inv.Targets != nil {
		active = active.Intersect(inv.Targets)
	}
	return active
}

func dispatch[H, R any](ctx context.Context, env Env, inv Invocation[H, R], n node.Node) Outcome[R] {
	if t, ok := env.Balancer.(balancer.Tracker); ok {
		t.Begin(n.ID)
		defer t.End(n.ID)
	}
	timeout := inv.Timeout
	if timeout == 0 {
		timeout = env.Timeout
	}
	uctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		uctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	o := Outcome[R]{Node: n}
	h, err := inv.Pool.Acquire(uctx, n)
	if err == nil {
		o.Value, err = inv.Invoker(uctx, n, h)
	}
	if err != nil {
		o.Err = node.Wrap(n.ID, err)
		o.Abandoned = ctx.Err() != nil &&
			(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
		env.logger().Debug("unit failed",
			zap.String("node", string(n.ID)),
			zap.Bool("abandoned", o.Abandoned),
			zap.Error(err),
		)
	}
	return o
}

// deactivate applies the membership transitions of a decision, returning the nodes
// that actually transitioned.
func deactivate(env Env, failed []Failure) node.Group {
	var g node.Group
	for _, f := range failed {
		changed, err := env.Members.Deactivate(f.Node.ID, f.Err.Error())
		if err != nil {
			env.logger().Error("deactivate", zap.String("node", string(f.Node.ID)), zap.Error(err))
			continue
		}
		if changed {
			env.logger().Warn("node deactivated after failure",
				zap.String("node", string(f.Node.ID)),
				zap.Error(f.Err),
			)
			g = append(g, f.Node)
		}
	}
	return g
}
