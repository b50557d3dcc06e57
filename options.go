package hadb

import (
	"strings"
	"time"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/balancer"
	"github.com/arya-analytics/hadb/internal/durability"
	"github.com/arya-analytics/hadb/internal/invoke"
	"github.com/arya-analytics/hadb/internal/synchronize"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

// Class is an operation class. Each class is mapped to the invocation strategy
// that dispatches its operations.
type Class uint8

const (
	// Read operations need only one node.
	Read Class = iota + 1
	// Write operations must reach every active node.
	Write
	// DDL operations must reach every active node, and are aborted if any node
	// fails rather than applied partially.
	DDL
	// Sequence operations must reach the primary node only.
	Sequence
)

func (c Class) String() string {
	switch c {
	case Read:
		return "read"
	case Write:
		return "write"
	case DDL:
		return "ddl"
	case Sequence:
		return "sequence"
	}
	return "unknown"
}

// FailFast is the suffix of a strategy name that aborts on any node failure, as in
// "all-fail-fast".
const FailFast = "-fail-fast"

type dispatch struct {
	strategy invoke.Strategy
	failFast bool
}

func parseDispatch(name string) (dispatch, error) {
	var d dispatch
	if base, ok := strings.CutSuffix(name, FailFast); ok {
		d.failFast, name = true, base
	}
	s, err := invoke.ParseStrategy(name)
	if err != nil {
		return d, err
	}
	if s == invoke.OnAllTransactional {
		return d, errors.Wrapf(invoke.ErrUnknownStrategy, "%q is reserved for transactions", name)
	}
	if d.failFast && s != invoke.OnAll {
		return d, errors.Wrapf(invoke.ErrUnknownStrategy, "%q cannot fail fast", name)
	}
	d.strategy = s
	return d, nil
}

type Option func(*options)

type options struct {
	logger *zap.Logger
	// balancer is the identifier of the read balancing policy.
	balancer string
	// syncStrategy is the identifier of the default synchronization strategy.
	syncStrategy string
	// syncStrategies are the synchronization strategies available to activation.
	syncStrategies map[string]synchronize.Strategy
	// strategies maps operation classes to invocation strategy names.
	strategies map[Class]string
	// timeout bounds each dispatch to a single node.
	timeout time.Duration
	// autoResync schedules a synchronization attempt after every deactivation.
	autoResync bool
	// dirname is the directory holding the durability log. Ignored if
	// durabilityLog is set.
	dirname string
	// fs is the file system holding the durability log. Ignored if durabilityLog
	// is set.
	fs vfs.FS
	// durabilityLog overrides the pebble durability log.
	durabilityLog durability.Log
	connector     backend.Connector
	credentials   backend.Credentials
}

func newOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	mergeDefaultOptions(o)
	return o
}

func validateOptions(o *options) error {
	if o.connector == nil {
		return errors.New("[hadb] - a connector must be provided")
	}
	if err := balancer.Validate(o.balancer); err != nil {
		return err
	}
	if _, ok := o.syncStrategies[o.syncStrategy]; !ok {
		return errors.Wrapf(synchronize.ErrUnknownStrategy, "%q", o.syncStrategy)
	}
	for _, c := range []Class{Read, Write, DDL, Sequence} {
		if _, err := parseDispatch(o.strategies[c]); err != nil {
			return errors.Wrapf(err, "[hadb] - %s operations", c)
		}
	}
	for c := range o.strategies {
		if c < Read || c > Sequence {
			return errors.Wrapf(ErrUnknownClass, "%d", c)
		}
	}
	if o.timeout < 0 {
		return errors.New("[hadb] - timeout must be non-negative")
	}
	return nil
}

func mergeDefaultOptions(o *options) {
	def := defaultOptions()

	// |||| LOGGER ||||

	if o.logger == nil {
		o.logger = def.logger
	}

	// |||| POLICIES ||||

	if o.balancer == "" {
		o.balancer = def.balancer
	}
	if o.syncStrategy == "" {
		o.syncStrategy = def.syncStrategy
	}
	for id, s := range def.syncStrategies {
		if _, ok := o.syncStrategies[id]; !ok {
			if o.syncStrategies == nil {
				o.syncStrategies = make(map[string]synchronize.Strategy)
			}
			o.syncStrategies[id] = s
		}
	}
	for c, s := range def.strategies {
		if _, ok := o.strategies[c]; !ok {
			if o.strategies == nil {
				o.strategies = make(map[Class]string)
			}
			o.strategies[c] = s
		}
	}
	if o.timeout == 0 {
		o.timeout = def.timeout
	}

	// |||| DURABILITY ||||

	if o.fs == nil {
		o.fs = vfs.NewMem()
	}
	if o.dirname == "" {
		o.dirname = def.dirname
	}
}

func defaultOptions() *options {
	return &options{
		logger:         zap.NewNop(),
		balancer:       balancer.RoundRobin,
		syncStrategy:   synchronize.Full,
		syncStrategies: synchronize.DefaultStrategies(),
		strategies: map[Class]string{
			Read:     invoke.OnAny.String(),
			Write:    invoke.OnAll.String(),
			DDL:      invoke.OnAll.String() + FailFast,
			Sequence: invoke.OnPrimary.String(),
		},
		timeout: 10 * time.Second,
		dirname: "hadb",
	}
}

// WithLogger sets the logger for the cluster.
func WithLogger(logger *zap.Logger) Option { return func(o *options) { o.logger = logger } }

// WithBalancer sets the read balancing policy: "simple", "random", "round-robin",
// or "load".
func WithBalancer(id string) Option { return func(o *options) { o.balancer = id } }

// WithSyncStrategy sets the default synchronization strategy used for activation
// and auto-resync.
func WithSyncStrategy(id string) Option { return func(o *options) { o.syncStrategy = id } }

// WithDumpRestore makes the dump-restore synchronization strategy available using
// the given external commands. See synchronize.DumpRestoreStrategy.
func WithDumpRestore(dump, restore []string) Option {
	return func(o *options) {
		if o.syncStrategies == nil {
			o.syncStrategies = make(map[string]synchronize.Strategy)
		}
		o.syncStrategies[synchronize.DumpRestore] = synchronize.DumpRestoreStrategy{Dump: dump, Restore: restore}
	}
}

// WithStrategies overrides the invocation strategy of operation classes. Strategy
// names are "all", "all-fail-fast", "any", and "primary".
func WithStrategies(strategies map[Class]string) Option {
	return func(o *options) {
		if o.strategies == nil {
			o.strategies = make(map[Class]string, len(strategies))
		}
		for c, s := range strategies {
			o.strategies[c] = s
		}
	}
}

// WithTimeout bounds every dispatch to a single node.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithAutoResync schedules one synchronization attempt with the default strategy
// after every deactivation.
func WithAutoResync() Option { return func(o *options) { o.autoResync = true } }

// WithDurability stores the durability log in dirname on disk. Without it (or
// WithDurabilityLog) the log is kept in memory.
func WithDurability(dirname string) Option {
	return func(o *options) {
		o.dirname = dirname
		o.fs = vfs.Default
	}
}

// WithDurabilityLog overrides the durability log, for example with a
// durability.BoltLog.
func WithDurabilityLog(log durability.Log) Option { return func(o *options) { o.durabilityLog = log } }

// MemBacked keeps the durability log in memory. Divergence is then not detected
// across restarts.
func MemBacked() Option { return func(o *options) { o.fs = vfs.NewMem() } }

// WithConnector sets the collaborator that opens connections to backends.
func WithConnector(c backend.Connector) Option { return func(o *options) { o.connector = c } }

// WithCredentials sets the credentials passed to the connector.
func WithCredentials(user, password string) Option {
	return func(o *options) { o.credentials = backend.Credentials{User: user, Password: password} }
}
