package hadb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultAcquireTimeout bounds how long Registry.Get waits for a cluster that
// another caller is opening.
const DefaultAcquireTimeout = 10 * time.Second

// Factory opens the cluster registered under a name.
type Factory func(ctx context.Context) (*DB, error)

// Registry is a process-wide set of named clusters. A cluster is opened by the
// first caller that requests it, while concurrent callers wait for it to become
// ready. Shutdown must be called before the process exits.
type Registry struct {
	// AcquireTimeout bounds how long Get waits for a cluster being opened by
	// another caller. Zero uses DefaultAcquireTimeout.
	AcquireTimeout time.Duration
	Logger         *zap.Logger
	mu             struct {
		sync.Mutex
		closed   bool
		clusters map[string]*entry
	}
}

type entry struct {
	ready chan struct{}
	db    *DB
	err   error
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Get returns the cluster registered under name, opening it with factory if no
// caller has yet. A failed open is not cached.
func (r *Registry) Get(ctx context.Context, name string, factory Factory) (*DB, error) {
	r.mu.Lock()
	if r.mu.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if r.mu.clusters == nil {
		r.mu.clusters = make(map[string]*entry)
	}
	e, ok := r.mu.clusters[name]
	if ok {
		r.mu.Unlock()
		return r.await(ctx, name, e)
	}
	e = &entry{ready: make(chan struct{})}
	r.mu.clusters[name] = e
	r.mu.Unlock()

	e.db, e.err = factory(ctx)
	if e.err != nil {
		r.mu.Lock()
		delete(r.mu.clusters, name)
		r.mu.Unlock()
	} else {
		r.logger().Info("cluster registered", zap.String("cluster", name))
	}
	close(e.ready)
	return e.db, e.err
}

func (r *Registry) await(ctx context.Context, name string, e *entry) (*DB, error) {
	timeout := r.AcquireTimeout
	if timeout == 0 {
		timeout = DefaultAcquireTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-e.ready:
		return e.db, e.err
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "[hadb] - cluster %s not ready", name)
	}
}

// Lookup returns the ready cluster registered under name.
func (r *Registry) Lookup(name string) (*DB, bool) {
	r.mu.Lock()
	e, ok := r.mu.clusters[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.db, e.err == nil
	default:
		return nil, false
	}
}

// Names returns the names of every registered cluster, in lexical order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.mu.clusters))
	for name := range r.mu.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove closes the cluster registered under name and removes it from the
// registry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	e, ok := r.mu.clusters[name]
	if ok {
		delete(r.mu.clusters, name)
	}
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrClusterNotFound, "%s", name)
	}
	<-e.ready
	if e.err != nil {
		return nil
	}
	r.logger().Info("cluster removed", zap.String("cluster", name))
	return e.db.Close()
}

// Shutdown closes every registered cluster. The registry rejects further use.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	r.mu.closed = true
	clusters := r.mu.clusters
	r.mu.clusters = nil
	r.mu.Unlock()
	var err error
	for name, e := range clusters {
		<-e.ready
		if e.err == nil {
			err = errors.CombineErrors(err, errors.Wrapf(e.db.Close(), "close %s", name))
		}
	}
	return err
}
