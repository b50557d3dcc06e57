package invoke

import (
	"context"

	"github.com/arya-analytics/hadb/internal/balancer"
	"github.com/arya-analytics/hadb/internal/node"
	"golang.org/x/sync/errgroup"
)

// |||||| ALL ||||||

func onAll[H, R any](ctx context.Context, env Env, inv Invocation[H, R]) (Report[R], error) {
	targets := env.Balancer.All(candidates(env, inv))
	if len(targets) == 0 {
		return Report[R]{}, balancer.ErrNoActiveNodes
	}
	outcomes := make([]Outcome[R], len(targets))
	// Units never return errors to the group, so no unit cancels its siblings.
	var g errgroup.Group
	for i, n := range targets {
		i, n := i, n
		g.Go(func() error {
			outcomes[i] = dispatch(ctx, env, inv, n)
			return nil
		})
	}
	_ = g.Wait()
	return finish(ctx, env, outcomes, aggregateAll(outcomes, inv.FailFast))
}

// |||||| ANY ||||||

func onAny[H, R any](ctx context.Context, env Env, inv Invocation[H, R]) (Report[R], error) {
	var (
		outcomes []Outcome[R]
		tried    []node.ID
	)
	for {
		cands := candidates(env, inv).WhereNot(tried...)
		if len(cands) == 0 {
			break
		}
		n, err := env.Balancer.Next(cands)
		if err != nil {
			break
		}
		o := dispatch(ctx, env, inv, n)
		outcomes = append(outcomes, o)
		if o.OK() || ctx.Err() != nil {
			break
		}
		tried = append(tried, n.ID)
	}
	return finish(ctx, env, outcomes, aggregateAny(outcomes))
}

// |||||| PRIMARY ||||||

func onPrimary[H, R any](ctx context.Context, env Env, inv Invocation[H, R]) (Report[R], error) {
	cands := candidates(env, inv)
	primary, ok := cands.First()
	if !ok {
		return Report[R]{}, balancer.ErrNoActiveNodes
	}
	o := dispatch(ctx, env, inv, primary)
	return finish(ctx, env, []Outcome[R]{o}, aggregatePrimary(o, len(cands)))
}

// finish applies the transitions of a decision and builds the report. Transitions
// are applied even when the caller's context has ended; only the result is
// discarded.
func finish[R any](ctx context.Context, env Env, outcomes []Outcome[R], d decision[R]) (Report[R], error) {
	rep := Report[R]{Outcomes: sortOutcomes(outcomes)}
	rep.Deactivated = deactivate(env, d.deactivate)
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if d.err != nil {
		return rep, d.err
	}
	rep.Result, rep.Node = d.result.Value, d.result.Node
	return rep, nil
}
