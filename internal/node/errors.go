package node

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error is a failure of a single backend round-trip against a node: network,
// protocol, or timeout. It is always handled by the invoking strategy and never
// surfaced to callers on its own.
type Error struct {
	Node ID
	Err  error
}

// Wrap returns err as an Error attributed to the node with the given ID. A nil err
// returns nil, and an err that is already an Error is returned unchanged.
func Wrap(id ID, err error) error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return err
	}
	return &Error{Node: id, Err: err}
}

func (e *Error) Error() string { return fmt.Sprintf("node %s: %v", e.Node, e.Err) }

func (e *Error) Unwrap() error { return e.Err }
