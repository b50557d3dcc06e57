package synchronize

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const gateWidth = 1 << 30

// Gate excludes writes while a node is being synchronized. Writers hold the gate
// shared through Enter and Leave, synchronization holds it exclusively through
// Lock and Unlock. A pending Lock holds off writers that arrive after it.
type Gate struct{ sem *semaphore.Weighted }

func NewGate() *Gate { return &Gate{sem: semaphore.NewWeighted(gateWidth)} }

// Enter blocks until no synchronization holds the gate or ctx is done.
func (g *Gate) Enter(ctx context.Context) error { return g.sem.Acquire(ctx, 1) }

func (g *Gate) Leave() { g.sem.Release(1) }

// Lock blocks until every writer has left the gate or ctx is done.
func (g *Gate) Lock(ctx context.Context) error { return g.sem.Acquire(ctx, gateWidth) }

func (g *Gate) Unlock() { g.sem.Release(gateWidth) }
