package durability

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type Config struct {
	Logger *zap.Logger
	// Log is the durable store records are written through to.
	Log Log
}

func (cfg Config) Merge(def Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Log == nil {
		cfg.Log = def.Log
	}
	return cfg
}

func (cfg Config) Validate() error {
	if cfg.Log == nil {
		return errors.New("[durability] - log must be set")
	}
	return nil
}

func DefaultConfig() Config { return Config{Logger: zap.NewNop()} }
