// Package pgxbackend connects cluster nodes to Postgres backends through pgx
// connection pools.
package pgxbackend

import (
	"context"
	"fmt"
	"strings"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connector implements backend.Connector by opening a pgxpool.Pool per location.
type Connector struct {
	// MaxConns caps the size of each node's pool. Zero keeps the pgx default.
	MaxConns int32
	// Schema is the schema whose tables are replicated during synchronization.
	// Defaults to "public".
	Schema string
}

var _ backend.Connector = Connector{}

// Open implements backend.Connector.
func (c Connector) Open(ctx context.Context, location string, creds backend.Credentials) (backend.Conn, error) {
	cfg, err := pgxpool.ParseConfig(location)
	if err != nil {
		return nil, errors.Wrapf(err, "parse location for pool")
	}
	if creds.User != "" {
		cfg.ConnConfig.User = creds.User
	}
	if creds.Password != "" {
		cfg.ConnConfig.Password = creds.Password
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	schema := c.Schema
	if schema == "" {
		schema = "public"
	}
	return &conn{pool: pool, schema: schema}, nil
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func exec(ctx context.Context, q queryer, sql string, args ...any) (int64, error) {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func query(ctx context.Context, q queryer, sql string, args ...any) (backend.Rows, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return backend.Rows{}, err
	}
	return collect(rows)
}

func collect(rows pgx.Rows) (res backend.Rows, err error) {
	defer rows.Close()
	for _, f := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, f.Name)
	}
	for rows.Next() {
		v, err := rows.Values()
		if err != nil {
			return backend.Rows{}, err
		}
		res.Values = append(res.Values, v)
	}
	return res, rows.Err()
}

// |||||| CONN ||||||

type conn struct {
	pool   *pgxpool.Pool
	schema string
}

var (
	_ backend.Conn    = (*conn)(nil)
	_ backend.Replica = (*conn)(nil)
)

func (c *conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return exec(ctx, c.pool, sql, args...)
}

func (c *conn) Query(ctx context.Context, sql string, args ...any) (backend.Rows, error) {
	return query(ctx, c.pool, sql, args...)
}

func (c *conn) Begin(ctx context.Context) (backend.Tx, error) {
	t, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx{t}, nil
}

func (c *conn) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }

func (c *conn) Close() error {
	c.pool.Close()
	return nil
}

// |||||| TX ||||||

type tx struct{ pgx.Tx }

func (t tx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return exec(ctx, t.Tx, sql, args...)
}

func (t tx) Query(ctx context.Context, sql string, args ...any) (backend.Rows, error) {
	return query(ctx, t.Tx, sql, args...)
}

// |||||| REPLICA ||||||

const (
	tablesQuery = `SELECT table_name FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE' ORDER BY table_name`
	columnsQuery = `SELECT column_name FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`
	keyQuery = `SELECT a.attname FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY array_position(i.indkey::int2[], a.attnum)`
	referencesQuery = `SELECT DISTINCT ccu.table_name FROM information_schema.table_constraints tc
JOIN information_schema.constraint_column_usage ccu
ON ccu.constraint_name = tc.constraint_name AND ccu.constraint_schema = tc.constraint_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2
AND ccu.table_schema = $1 ORDER BY 1`
)

func (c *conn) Tables(ctx context.Context) ([]backend.Table, error) {
	names, err := c.strings(ctx, tablesQuery, c.schema)
	if err != nil {
		return nil, err
	}
	tables := make([]backend.Table, 0, len(names))
	for _, name := range names {
		t := backend.Table{Name: name}
		if t.Columns, err = c.strings(ctx, columnsQuery, c.schema, name); err != nil {
			return nil, err
		}
		if t.Key, err = c.strings(ctx, keyQuery, c.ident(t)); err != nil {
			return nil, err
		}
		if len(t.Key) == 0 {
			return nil, errors.Newf("table %s has no primary key", name)
		}
		if t.References, err = c.strings(ctx, referencesQuery, c.schema, name); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func (c *conn) Scan(ctx context.Context, t backend.Table) ([]backend.Row, error) {
	sql := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", columnList(t.Columns), c.ident(t), columnList(t.Key))
	res, err := c.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	keyIdx := keyIndexes(t)
	rows := make([]backend.Row, len(res.Values))
	for i, v := range res.Values {
		key := make([]any, len(keyIdx))
		for j, idx := range keyIdx {
			key[j] = v[idx]
		}
		rows[i] = backend.Row{Key: key, Values: v}
	}
	return rows, nil
}

// Apply implements backend.Replica. Writes run in one transaction with
// deferrable constraints deferred to commit.
func (c *conn) Apply(ctx context.Context, fn func(ctx context.Context, w backend.Writer) error) error {
	return pgx.BeginFunc(ctx, c.pool, func(t pgx.Tx) error {
		if _, err := t.Exec(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
			return err
		}
		return fn(ctx, writer{tx: t, schema: c.schema})
	})
}

type writer struct {
	tx     pgx.Tx
	schema string
}

var _ backend.Writer = writer{}

// Truncate truncates every table in a single statement, so tables that reference
// one another may be truncated together.
func (w writer) Truncate(ctx context.Context, tables ...backend.Table) error {
	if len(tables) == 0 {
		return nil
	}
	idents := make([]string, len(tables))
	for i, t := range tables {
		idents[i] = ident(w.schema, t)
	}
	_, err := w.tx.Exec(ctx, "TRUNCATE TABLE "+strings.Join(idents, ", "))
	return err
}

func (w writer) Upsert(ctx context.Context, t backend.Table, rows []backend.Row) error {
	if len(rows) == 0 {
		return nil
	}
	placeholders := make([]string, len(t.Columns))
	for i := range t.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	var updates []string
	for _, col := range t.Columns {
		if !contains(t.Key, col) {
			q := pgx.Identifier{col}.Sanitize()
			updates = append(updates, q+" = EXCLUDED."+q)
		}
	}
	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		ident(w.schema, t), columnList(t.Columns), strings.Join(placeholders, ", "), columnList(t.Key), conflict,
	)
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(sql, r.Values...)
	}
	return w.sendBatch(ctx, b, len(rows))
}

func (w writer) Delete(ctx context.Context, t backend.Table, rows []backend.Row) error {
	if len(rows) == 0 {
		return nil
	}
	conds := make([]string, len(t.Key))
	for i, col := range t.Key {
		conds[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1)
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", ident(w.schema, t), strings.Join(conds, " AND "))
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(sql, r.Key...)
	}
	return w.sendBatch(ctx, b, len(rows))
}

func (w writer) sendBatch(ctx context.Context, b *pgx.Batch, n int) error {
	br := w.tx.SendBatch(ctx, b)
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return errors.CombineErrors(err, br.Close())
		}
	}
	return br.Close()
}

func (c *conn) strings(ctx context.Context, sql string, args ...any) ([]string, error) {
	res, err := c.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, res.Len())
	for _, v := range res.Values {
		s, ok := v[0].(string)
		if !ok {
			return nil, errors.Newf("unexpected catalog value %v", v[0])
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *conn) ident(t backend.Table) string { return ident(c.schema, t) }

func ident(schema string, t backend.Table) string { return pgx.Identifier{schema, t.Name}.Sanitize() }

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

func keyIndexes(t backend.Table) []int {
	idx := make([]int, 0, len(t.Key))
	for _, k := range t.Key {
		for i, col := range t.Columns {
			if col == k {
				idx = append(idx, i)
			}
		}
	}
	return idx
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
