package hadb

import (
	"context"

	"github.com/arya-analytics/hadb/internal/tx"
)

type (
	TxState = tx.State
	TxPhase = tx.Phase
)

const (
	TxActive     = tx.Active
	TxPreparing  = tx.Preparing
	TxCommitted  = tx.Committed
	TxRolledBack = tx.RolledBack
)

// Tx is a transaction across the active nodes of a DB. A Tx must be committed or
// rolled back.
type Tx struct {
	tx      *tx.Context
	release func()
}

// ID returns the unique identifier of the transaction.
func (t *Tx) ID() string { return t.tx.State().ID }

// State returns a snapshot of the transaction's participants and phase.
func (t *Tx) State() TxState { return t.tx.State() }

// Exec executes a write on every participant.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return t.tx.Exec(ctx, sql, args...)
}

// Query executes a read on a single participant.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

// Commit commits on every participant. Participants that fail to commit are
// deactivated and must be resynchronized before they return to service.
func (t *Tx) Commit(ctx context.Context) error {
	defer t.release()
	return t.tx.Commit(ctx)
}

// Rollback rolls back on every participant.
func (t *Tx) Rollback(ctx context.Context) error {
	defer t.release()
	return t.tx.Rollback(ctx)
}
