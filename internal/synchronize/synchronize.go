// Package synchronize brings inactive, dirty nodes back to parity with the active
// set and reactivates them. A node is only ever reactivated by a successful
// synchronization.
package synchronize

import (
	"context"
	"sync"

	"github.com/arya-analytics/hadb/internal/cluster"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	// ErrSync is the class of every synchronization failure.
	ErrSync = errors.New("synchronization failed")
	// ErrNoSyncSource is returned when there is no active node to copy from.
	ErrNoSyncSource = errors.Mark(errors.New("no active node to synchronize from"), ErrSync)
	// ErrSyncInProgress is returned when a node is already being synchronized.
	ErrSyncInProgress = errors.New("synchronization already in progress")
	// ErrUnknownStrategy is returned for an unrecognized strategy identifier.
	ErrUnknownStrategy = errors.New("unknown synchronization strategy")
)

// Synchronizer activates nodes by synchronizing them from the active set.
type Synchronizer struct {
	Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     struct {
		sync.Mutex
		syncing map[node.ID]bool
		closed  bool
	}
}

func New(cfg Config) (*Synchronizer, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Synchronizer{Config: cfg}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.syncing = make(map[node.ID]bool)
	if cfg.AutoResync {
		cfg.Members.Observe(s.resync)
	}
	return s, nil
}

// ValidateStrategy returns an error if id does not name a configured strategy.
func (s *Synchronizer) ValidateStrategy(id string) error {
	if _, ok := s.Strategies[id]; !ok {
		return errors.Wrapf(ErrUnknownStrategy, "%q", id)
	}
	return nil
}

// Activate synchronizes the node with the given ID from the lowest-ordered active
// node using the strategy named by strategyID, then marks it active and clean. An
// empty strategyID selects the default strategy. Activating an active node does
// nothing. On failure the node stays inactive and dirty.
func (s *Synchronizer) Activate(ctx context.Context, id node.ID, strategyID string) error {
	target, ok := s.Members.Node(id)
	if !ok {
		return errors.Wrapf(cluster.ErrNodeNotFound, "%s", id)
	}
	if target.Active {
		return nil
	}
	if strategyID == "" {
		strategyID = s.Default
	}
	strategy, ok := s.Strategies[strategyID]
	if !ok {
		return errors.Wrapf(ErrUnknownStrategy, "%q", strategyID)
	}
	if err := s.acquire(id); err != nil {
		return err
	}
	defer s.release(id)

	if err := s.Gate.Lock(ctx); err != nil {
		return errors.Wrap(err, "wait for in-flight writes")
	}
	defer s.Gate.Unlock()

	// Membership may have changed while waiting for the gate.
	if target, ok = s.Members.Node(id); !ok || target.Active {
		return nil
	}
	source, ok := s.Members.Active().First()
	if !ok {
		return s.fail(target, strategyID, ErrNoSyncSource)
	}
	if err := s.synchronize(ctx, strategy, source, target); err != nil {
		return s.fail(target, strategyID, errors.Wrapf(err, "synchronize %s from %s", target.ID, source.ID))
	}
	if s.Durability != nil {
		if err := s.Durability.Reconciled(id); err != nil {
			return s.fail(target, strategyID, errors.Wrap(err, "record reconciliation"))
		}
	}
	reason := "synchronized via " + strategyID
	if _, err := s.Members.Activate(id, reason); err != nil {
		return s.fail(target, strategyID, err)
	}
	s.Members.Publish(cluster.Synchronized, target, reason+" from "+string(source.ID))
	return nil
}

func (s *Synchronizer) synchronize(ctx context.Context, strategy Strategy, source, target node.Node) error {
	sourceConn, err := s.Pool.Acquire(ctx, source)
	if err != nil {
		return node.Wrap(source.ID, err)
	}
	targetConn, err := s.Pool.Acquire(ctx, target)
	if err != nil {
		return node.Wrap(target.ID, err)
	}
	return strategy.Synchronize(ctx, Job{
		Source:     source,
		Target:     target,
		SourceConn: sourceConn,
		TargetConn: targetConn,
		Logger:     s.Logger.With(zap.String("source", string(source.ID)), zap.String("target", string(target.ID))),
	})
}

func (s *Synchronizer) fail(target node.Node, strategyID string, err error) error {
	if !errors.Is(err, ErrSync) {
		err = errors.Mark(err, ErrSync)
	}
	s.Logger.Warn("synchronization failed",
		zap.String("node", string(target.ID)),
		zap.String("strategy", strategyID),
		zap.Error(err),
	)
	s.Members.Publish(cluster.SyncFailed, target, err.Error())
	return err
}

func (s *Synchronizer) acquire(id node.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.syncing[id] {
		return errors.Wrapf(ErrSyncInProgress, "%s", id)
	}
	s.mu.syncing[id] = true
	return nil
}

func (s *Synchronizer) release(id node.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mu.syncing, id)
}

// resync schedules a single synchronization attempt after a deactivation. It is
// never retried.
func (s *Synchronizer) resync(e cluster.Event) {
	if e.Variant != cluster.Deactivated {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Activate(s.ctx, e.Node.ID, s.Default); err != nil {
			s.Logger.Warn("auto-resync failed", zap.String("node", string(e.Node.ID)), zap.Error(err))
		}
	}()
}

// Close cancels in-flight automatic synchronizations and waits for them to exit.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	s.mu.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}
