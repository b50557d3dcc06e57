package invoke

import (
	"slices"

	"github.com/arya-analytics/hadb/internal/balancer"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cockroachdb/errors"
)

// Failure is a node that must be deactivated, along with the error that caused it.
type Failure struct {
	Node node.Node
	Err  error
}

// decision is the deterministic verdict over a set of outcomes. It depends only on
// the outcomes themselves, never on the order in which they arrived.
type decision[R any] struct {
	result     Outcome[R]
	deactivate []Failure
	err        error
}

func sortOutcomes[R any](outcomes []Outcome[R]) []Outcome[R] {
	sorted := slices.Clone(outcomes)
	slices.SortStableFunc(sorted, func(a, b Outcome[R]) int { return a.Node.Ordinal - b.Node.Ordinal })
	return sorted
}

// split partitions sorted outcomes into the lowest-ordered success, the
// lowest-ordered error, and the failures that warrant deactivation.
func split[R any](sorted []Outcome[R]) (success *Outcome[R], firstErr error, failed []Failure) {
	for i, o := range sorted {
		if o.OK() {
			if success == nil {
				success = &sorted[i]
			}
			continue
		}
		if firstErr == nil {
			firstErr = o.Err
		}
		if !o.Abandoned {
			failed = append(failed, Failure{Node: o.Node, Err: o.Err})
		}
	}
	return success, firstErr, failed
}

// aggregateAll folds the outcomes of a fan-out. With no successes, the lowest-ordered
// error is surfaced and membership is left untouched. In fail-fast mode any failure
// aborts without deactivation. Otherwise the lowest-ordered success is returned and
// every failed node is deactivated.
func aggregateAll[R any](outcomes []Outcome[R], failFast bool) decision[R] {
	sorted := sortOutcomes(outcomes)
	success, firstErr, failed := split(sorted)
	if success == nil {
		if firstErr == nil {
			return decision[R]{err: balancer.ErrNoActiveNodes}
		}
		return decision[R]{err: errors.Mark(errors.Wrap(firstErr, "all nodes failed"), ErrAllNodesFailed)}
	}
	if failFast && firstErr != nil {
		return decision[R]{err: errors.Mark(errors.Wrap(firstErr, "aborted"), ErrAborted)}
	}
	return decision[R]{result: *success, deactivate: failed}
}

// aggregateAny folds the outcomes of a sequence of single-node attempts. Failed
// nodes are deactivated only once some node has succeeded; exhausting every
// candidate leaves membership untouched.
func aggregateAny[R any](outcomes []Outcome[R]) decision[R] {
	sorted := sortOutcomes(outcomes)
	success, firstErr, failed := split(sorted)
	if success == nil {
		if firstErr == nil {
			return decision[R]{err: balancer.ErrNoActiveNodes}
		}
		return decision[R]{err: errors.Mark(errors.Wrap(firstErr, "no available nodes"), ErrNoAvailableNodes)}
	}
	return decision[R]{result: *success, deactivate: failed}
}

// aggregatePrimary folds the outcome of a primary dispatch. A failed primary is
// deactivated, promoting the next node, unless it is the only candidate.
func aggregatePrimary[R any](o Outcome[R], candidates int) decision[R] {
	if o.OK() {
		return decision[R]{result: o}
	}
	if o.Abandoned || candidates <= 1 {
		return decision[R]{err: errors.Mark(errors.Wrap(o.Err, "all nodes failed"), ErrAllNodesFailed)}
	}
	return decision[R]{
		err:        errors.Mark(errors.Wrapf(o.Err, "primary %s failed", o.Node.ID), ErrPrimaryFailed),
		deactivate: []Failure{{Node: o.Node, Err: o.Err}},
	}
}
