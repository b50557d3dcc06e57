package invoke

import (
	"github.com/cockroachdb/errors"
)

// ErrUnknownStrategy is returned for an unrecognized invocation strategy.
var ErrUnknownStrategy = errors.New("unknown invocation strategy")

// Strategy is the fan-out policy of an invocation.
type Strategy uint8

const (
	// OnAll dispatches to every active node and waits for all of them.
	OnAll Strategy = iota + 1
	// OnAny dispatches to a single node chosen by the balancer, moving on to the
	// next candidate on failure.
	OnAny
	// OnPrimary dispatches only to the lowest-ordered active node.
	OnPrimary
	// OnAllTransactional is OnAll restricted to the participants of a transaction.
	OnAllTransactional
)

var strategyNames = map[Strategy]string{
	OnAll:              "all",
	OnAny:              "any",
	OnPrimary:          "primary",
	OnAllTransactional: "all-transactional",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStrategy returns the strategy with the given name.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownStrategy, "%q", name)
}
