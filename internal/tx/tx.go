// Package tx coordinates transaction boundaries across the nodes of a cluster. A
// transaction begins on every active node, runs its statements on the nodes that
// remain active, and commits or rolls back on each of them. Commits across two or
// more participants are tracked by a durability manager so that nodes that diverge
// mid-commit can be found after a crash.
package tx

import (
	"context"
	"sync"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/durability"
	"github.com/arya-analytics/hadb/internal/invoke"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotActive is returned by operations on a transaction that has already been
// committed or rolled back.
var ErrNotActive = errors.New("transaction is not active")

type Phase uint8

const (
	Active Phase = iota + 1
	Preparing
	Committed
	RolledBack
)

func (p Phase) String() string {
	switch p {
	case Active:
		return "active"
	case Preparing:
		return "preparing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// State is a snapshot of a transaction.
type State struct {
	ID string
	// Participants are the nodes the transaction began on that are still active.
	// Nodes activated after the transaction began are never added.
	Participants node.Group
	Phase        Phase
	// DurableOn holds the participants known to have durably committed.
	DurableOn node.Group
}

// Context is a transaction spanning the active nodes of a cluster. A Context must
// not be used from multiple goroutines at once.
type Context struct {
	env        invoke.Env
	durability *durability.Manager
	handles    map[node.ID]backend.Tx
	mu         struct {
		sync.Mutex
		state State
	}
}

// Begin starts a transaction on every active node. Nodes that fail to begin are
// deactivated and excluded from the transaction. dm may be nil, in which case
// commits are not tracked.
func Begin(
	ctx context.Context,
	env invoke.Env,
	pool invoke.Pool[backend.Conn],
	dm *durability.Manager,
) (*Context, error) {
	rep, err := invoke.Run(ctx, env, invoke.Invocation[backend.Conn, backend.Tx]{
		Strategy: invoke.OnAll,
		Pool:     pool,
		Invoker: func(ctx context.Context, _ node.Node, c backend.Conn) (backend.Tx, error) {
			return c.Begin(ctx)
		},
	})
	handles := make(map[node.ID]backend.Tx, len(rep.Outcomes))
	for _, o := range rep.Outcomes {
		if o.OK() {
			handles[o.Node.ID] = o.Value
		}
	}
	if err != nil {
		rollbackAll(context.WithoutCancel(ctx), env.Logger, handles)
		return nil, err
	}
	c := &Context{env: env, durability: dm, handles: handles}
	c.mu.state = State{ID: uuid.NewString(), Participants: rep.Succeeded(), Phase: Active}
	c.logger().Debug("transaction began",
		zap.String("transaction", c.mu.state.ID),
		zap.Strings("participants", idStrings(c.mu.state.Participants)),
	)
	return c, nil
}

// State returns a snapshot of the transaction.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.mu.state
	s.Participants, s.DurableOn = s.Participants.Copy(), s.DurableOn.Copy()
	return s
}

// Exec executes a write statement on every participant. Participants that fail are
// deactivated and marked dirty rather than rolled back.
func (c *Context) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	targets, err := c.enlist()
	if err != nil {
		return 0, err
	}
	return invoke.Exec(ctx, c.env, invoke.Invocation[backend.Tx, int64]{
		Strategy: invoke.OnAllTransactional,
		Targets:  targets,
		Pool:     c.pool(),
		Invoker: func(ctx context.Context, _ node.Node, t backend.Tx) (int64, error) {
			return t.Exec(ctx, sql, args...)
		},
	})
}

// Query executes a read statement on a single participant.
func (c *Context) Query(ctx context.Context, sql string, args ...any) (backend.Rows, error) {
	targets, err := c.enlist()
	if err != nil {
		return backend.Rows{}, err
	}
	return invoke.Exec(ctx, c.env, invoke.Invocation[backend.Tx, backend.Rows]{
		Strategy: invoke.OnAny,
		Targets:  targets,
		Pool:     c.pool(),
		Invoker: func(ctx context.Context, _ node.Node, t backend.Tx) (backend.Rows, error) {
			return t.Query(ctx, sql, args...)
		},
	})
}

// Commit commits the transaction on every participant. A participant whose commit
// fails is deactivated and marked dirty.
func (c *Context) Commit(ctx context.Context) error {
	targets, err := c.enlist()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.mu.state.Phase = Preparing
	id := c.mu.state.ID
	c.mu.Unlock()
	c.releaseExcluded(ctx, targets)

	track := c.durability != nil && len(targets) >= 2
	if track {
		if err := c.durability.Prepare(id, targets.IDs()); err != nil {
			c.end(RolledBack)
			rollbackAll(context.WithoutCancel(ctx), c.env.Logger, c.handles)
			return errors.Wrap(err, "[tx] - failed to prepare durability record")
		}
	}
	_, err = invoke.Exec(ctx, c.env, invoke.Invocation[backend.Tx, struct{}]{
		Strategy: invoke.OnAllTransactional,
		Targets:  targets,
		Pool:     c.pool(),
		Invoker: func(ctx context.Context, n node.Node, t backend.Tx) (struct{}, error) {
			if err := t.Commit(ctx); err != nil {
				return struct{}{}, err
			}
			if track {
				if err := c.durability.Durable(id, n.ID); err != nil {
					return struct{}{}, err
				}
			}
			c.mu.Lock()
			c.mu.state.DurableOn = append(c.mu.state.DurableOn, n)
			c.mu.Unlock()
			return struct{}{}, nil
		},
	})
	c.mu.Lock()
	c.mu.state.DurableOn = c.mu.state.DurableOn.Sorted()
	c.mu.Unlock()
	if track {
		err = errors.CombineErrors(err, c.durability.Complete(id))
	}
	if err != nil {
		c.end(RolledBack)
		return err
	}
	c.end(Committed)
	c.logger().Debug("transaction committed", zap.String("transaction", id))
	return nil
}

// Rollback rolls the transaction back on every participant.
func (c *Context) Rollback(ctx context.Context) error {
	targets, err := c.enlist()
	if err != nil {
		return err
	}
	c.releaseExcluded(ctx, targets)
	_, err = invoke.Exec(ctx, c.env, invoke.Invocation[backend.Tx, struct{}]{
		Strategy: invoke.OnAllTransactional,
		Targets:  targets,
		Pool:     c.pool(),
		Invoker: func(ctx context.Context, _ node.Node, t backend.Tx) (struct{}, error) {
			return struct{}{}, t.Rollback(ctx)
		},
	})
	c.end(RolledBack)
	return err
}

// enlist prunes participants that have been deactivated and returns those that
// remain.
func (c *Context) enlist() (node.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.state.Phase != Active {
		return nil, errors.Wrapf(ErrNotActive, "%s is %s", c.mu.state.ID, c.mu.state.Phase)
	}
	c.mu.state.Participants = c.mu.state.Participants.Intersect(c.env.Members.Active())
	if len(c.mu.state.Participants) == 0 {
		return nil, errors.Wrapf(invoke.ErrAllNodesFailed, "every participant of %s deactivated", c.mu.state.ID)
	}
	return c.mu.state.Participants.Copy(), nil
}

func (c *Context) end(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.state.Phase = p
}

func (c *Context) pool() invoke.Pool[backend.Tx] {
	return invoke.PoolFunc[backend.Tx](func(_ context.Context, n node.Node) (backend.Tx, error) {
		t, ok := c.handles[n.ID]
		if !ok {
			return nil, errors.Newf("[tx] - no transaction handle for %s", n.ID)
		}
		return t, nil
	})
}

// releaseExcluded rolls back handles on nodes that are no longer participants.
func (c *Context) releaseExcluded(ctx context.Context, participants node.Group) {
	excluded := make(map[node.ID]backend.Tx)
	for id, t := range c.handles {
		if !participants.Contains(id) {
			excluded[id] = t
			delete(c.handles, id)
		}
	}
	rollbackAll(context.WithoutCancel(ctx), c.env.Logger, excluded)
}

func (c *Context) logger() *zap.Logger {
	if c.env.Logger == nil {
		return zap.NewNop()
	}
	return c.env.Logger
}

func rollbackAll(ctx context.Context, logger *zap.Logger, handles map[node.ID]backend.Tx) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for id, t := range handles {
		if err := t.Rollback(ctx); err != nil {
			logger.Debug("rollback of excluded handle failed", zap.String("node", string(id)), zap.Error(err))
		}
	}
}

func idStrings(g node.Group) []string {
	s := make([]string, len(g))
	for i, n := range g {
		s[i] = string(n.ID)
	}
	return s
}
