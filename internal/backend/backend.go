// Package backend defines the contracts the cluster engine uses to reach a single
// backend database. Every operation is a plain request/response round trip against
// an already transactional backend treated as a black box.
package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
)

// Credentials are passed through to a Connector when opening a physical connection.
type Credentials struct {
	User     string
	Password string
}

// Connector opens physical connections to backend locations.
type Connector interface {
	Open(ctx context.Context, location string, creds Credentials) (Conn, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, location string, creds Credentials) (Conn, error)

// Open implements Connector.
func (f ConnectorFunc) Open(ctx context.Context, location string, creds Credentials) (Conn, error) {
	return f(ctx, location, creds)
}

// Querier executes statements against a backend.
type Querier interface {
	// Exec executes a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Query executes a statement and returns its fully materialized result.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Conn is an open connection (or connection pool) to a single backend.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	// Ping validates that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a backend-local transaction.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Rows is a materialized query result.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Len returns the number of rows in the result.
func (r Rows) Len() int { return len(r.Values) }

// |||||| REPLICA ||||||

// ErrNotReplica is returned when a connection does not expose the Replica contract
// required to copy data between nodes.
var ErrNotReplica = errors.New("backend does not support replication")

// Table describes a replicable table.
type Table struct {
	Name string
	// Columns are all column names in storage order.
	Columns []string
	// Key are the primary key column names.
	Key []string
	// References are the names of the tables this table holds foreign keys into.
	References []string
}

// Ordered returns tables sorted so that every table follows the tables it
// references, breaking ties and cycles by name. Rows are inserted in this order
// and deleted in reverse.
func Ordered(tables []Table) []Table {
	byName := make(map[string]Table, len(tables))
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
		names = append(names, t.Name)
	}
	sort.Strings(names)
	var (
		ordered = make([]Table, 0, len(tables))
		state   = make(map[string]uint8, len(tables))
		visit   func(name string)
	)
	const (
		visiting = iota + 1
		done
	)
	visit = func(name string) {
		t, ok := byName[name]
		if !ok || state[name] != 0 {
			return
		}
		state[name] = visiting
		refs := append([]string(nil), t.References...)
		sort.Strings(refs)
		for _, ref := range refs {
			visit(ref)
		}
		state[name] = done
		ordered = append(ordered, t)
	}
	for _, name := range names {
		visit(name)
	}
	return ordered
}

// Row is a single row of a Table. Key holds the values of the table's key columns
// and Values the values of all its columns, both in the table's column order.
type Row struct {
	Key    []any
	Values []any
}

// KeyString returns a canonical string form of the row key.
func (r Row) KeyString() string { return fmt.Sprintf("%v", r.Key) }

// Replica is implemented by connections whose data can be read and written table
// by table, which is what the full and differential synchronization strategies
// require.
type Replica interface {
	Tables(ctx context.Context) ([]Table, error)
	Scan(ctx context.Context, t Table) ([]Row, error)
	// Apply runs fn against a Writer bound to a single transaction, committing
	// when fn returns nil and rolling back otherwise. Deferrable constraints are
	// checked at commit.
	Apply(ctx context.Context, fn func(ctx context.Context, w Writer) error) error
}

// Writer mutates the tables of a Replica within a transaction.
type Writer interface {
	// Truncate removes every row of the given tables in one statement.
	Truncate(ctx context.Context, tables ...Table) error
	Upsert(ctx context.Context, t Table, rows []Row) error
	Delete(ctx context.Context, t Table, rows []Row) error
}

// AsReplica returns conn as a Replica, or ErrNotReplica.
func AsReplica(conn Conn) (Replica, error) {
	r, ok := conn.(Replica)
	if !ok {
		return nil, ErrNotReplica
	}
	return r, nil
}
