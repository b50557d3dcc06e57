package hadb

import (
	"github.com/arya-analytics/hadb/internal/balancer"
	"github.com/arya-analytics/hadb/internal/cluster"
	"github.com/arya-analytics/hadb/internal/durability"
	"github.com/arya-analytics/hadb/internal/invoke"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/arya-analytics/hadb/internal/synchronize"
	"github.com/arya-analytics/hadb/internal/tx"
	"github.com/cockroachdb/errors"
)

// NodeError is the failure of a single backend round trip against a node. It is
// never returned by a DB operation on its own, only as the cause of an aggregate
// error.
type NodeError = node.Error

var (
	ErrNoActiveNodes          = balancer.ErrNoActiveNodes
	ErrUnknownPolicy          = balancer.ErrUnknownPolicy
	ErrNoAvailableNodes       = invoke.ErrNoAvailableNodes
	ErrAllNodesFailed         = invoke.ErrAllNodesFailed
	ErrAborted                = invoke.ErrAborted
	ErrPrimaryFailed          = invoke.ErrPrimaryFailed
	ErrNotEnlisted            = invoke.ErrNotEnlisted
	ErrUnknownInvocation      = invoke.ErrUnknownStrategy
	ErrUnknownStrategy        = synchronize.ErrUnknownStrategy
	ErrSync                   = synchronize.ErrSync
	ErrNoSyncSource           = synchronize.ErrNoSyncSource
	ErrSyncInProgress         = synchronize.ErrSyncInProgress
	ErrInconsistentDurability = durability.ErrInconsistentDurability
	ErrNodeNotFound           = cluster.ErrNodeNotFound
	ErrDuplicateNode          = cluster.ErrDuplicateNode
	ErrTxNotActive            = tx.ErrNotActive
	// ErrUnknownClass is returned for an unrecognized operation class.
	ErrUnknownClass = errors.New("unknown operation class")
	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("cluster closed")
	// ErrClusterNotFound is returned when a registry has no cluster with a name.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrRegistryClosed is returned by a registry that has been shut down.
	ErrRegistryClosed = errors.New("registry shut down")
)
