package cluster

import (
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type Config struct {
	// Logger is the witness of activation state transitions.
	Logger *zap.Logger
	// Now returns the current time. Used to stamp events.
	Now func() time.Time
}

func (cfg Config) Merge(def Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return cfg
}

func (cfg Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("[cluster] - logger must be set")
	}
	if cfg.Now == nil {
		return errors.New("[cluster] - clock must be set")
	}
	return nil
}

func DefaultConfig() Config {
	return Config{Logger: zap.NewNop(), Now: time.Now}
}
