package synchronize

import (
	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/cluster"
	"github.com/arya-analytics/hadb/internal/durability"
	"github.com/arya-analytics/hadb/internal/invoke"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type Config struct {
	Logger *zap.Logger
	// Members is the membership registry of the cluster being synchronized.
	Members *cluster.Cluster
	// Pool opens connections to source and target nodes.
	Pool invoke.Pool[backend.Conn]
	// Durability, if set, is told about every node that was brought to parity.
	Durability *durability.Manager
	// Gate is held exclusively for the duration of a synchronization so that no
	// write reaches the cluster while a node is being copied.
	Gate *Gate
	// Strategies maps strategy identifiers to strategies.
	Strategies map[string]Strategy
	// Default is the strategy used when none is requested and for auto-resync.
	Default string
	// AutoResync schedules a single synchronization attempt with the default
	// strategy after every deactivation.
	AutoResync bool
}

func (cfg Config) Merge(def Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Gate == nil {
		cfg.Gate = def.Gate
	}
	if cfg.Strategies == nil {
		cfg.Strategies = def.Strategies
	}
	if cfg.Default == "" {
		cfg.Default = def.Default
	}
	return cfg
}

func (cfg Config) Validate() error {
	if cfg.Members == nil {
		return errors.New("[synchronize] - members must be set")
	}
	if cfg.Pool == nil {
		return errors.New("[synchronize] - pool must be set")
	}
	if _, ok := cfg.Strategies[cfg.Default]; !ok {
		return errors.Wrapf(ErrUnknownStrategy, "[synchronize] - default %q", cfg.Default)
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		Logger:     zap.NewNop(),
		Gate:       NewGate(),
		Strategies: DefaultStrategies(),
		Default:    Full,
	}
}
