package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/cockroachdb/errors"
)

// ErrInjected is the default error returned by an injected fault.
var ErrInjected = errors.New("injected fault")

// Backend is an in-memory database. Every table has two columns, key and value,
// keyed by key. A table exists only while it holds rows. Exec understands two statements:
//
//	put <table> <key> <value>
//	del <table> <key>
//
// and Query understands
//
//	get <table> <key>
//
// Any other statement is recorded and succeeds without effect; queries then return
// a single row holding the backend's location in a "node" column.
type Backend struct {
	Location string
	mu       struct {
		sync.Mutex
		tables       map[string]map[string]string
		statements   []string
		rowsAffected int64
		fail         error
		failNext     error
		failCommit   error
		failOpen     error
		delay        time.Duration
		opens        int
	}
}

// NewBackend returns an empty backend at location.
func NewBackend(location string) *Backend {
	b := &Backend{Location: location}
	b.mu.tables = make(map[string]map[string]string)
	b.mu.rowsAffected = 1
	return b
}

// |||||| FAULTS ||||||

func orInjected(err error) error {
	if err == nil {
		return ErrInjected
	}
	return err
}

// Fail makes every subsequent operation fail with err until Heal is called.
func (b *Backend) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.fail = orInjected(err)
}

// FailNext makes only the next operation fail with err.
func (b *Backend) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.failNext = orInjected(err)
}

// FailCommit makes every transaction commit, including the commit of a replica
// write, fail with err until Heal is called.
func (b *Backend) FailCommit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.failCommit = orInjected(err)
}

// FailOpen makes every connection attempt fail with err until Heal is called.
func (b *Backend) FailOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.failOpen = orInjected(err)
}

// Delay makes every operation wait for d, or until its context ends.
func (b *Backend) Delay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.delay = d
}

// Heal clears every injected fault.
func (b *Backend) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.fail, b.mu.failNext, b.mu.failCommit, b.mu.failOpen = nil, nil, nil, nil
	b.mu.delay = 0
}

// SetRowsAffected sets the count returned by statements without effect.
func (b *Backend) SetRowsAffected(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.rowsAffected = n
}

// Statements returns every statement executed or queried, in order.
func (b *Backend) Statements() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.mu.statements...)
}

// Opens returns the number of connections opened to the backend.
func (b *Backend) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.opens
}

// Get returns the value stored under key in table, or an empty string if there is
// none.
func (b *Backend) Get(table, key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.tables[table][key]
}

// Has returns true if a value is stored under key in table.
func (b *Backend) Has(table, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.mu.tables[table][key]
	return ok
}

// Put stores a value directly, bypassing faults.
func (b *Backend) Put(table, key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table(table)[key] = value
}

// Data returns a copy of every table.
func (b *Backend) Data() map[string]map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := make(map[string]map[string]string, len(b.mu.tables))
	for name, t := range b.mu.tables {
		data[name] = make(map[string]string, len(t))
		for k, v := range t {
			data[name][k] = v
		}
	}
	return data
}

// fault waits out any configured delay and returns the injected error for the
// operation, if any.
func (b *Backend) fault(ctx context.Context, commit bool) error {
	b.mu.Lock()
	delay := b.mu.delay
	err := b.mu.fail
	if err == nil && b.mu.failNext != nil {
		err, b.mu.failNext = b.mu.failNext, nil
	}
	if err == nil && commit {
		err = b.mu.failCommit
	}
	b.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

func (b *Backend) open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.failOpen != nil {
		return b.mu.failOpen
	}
	b.mu.opens++
	return nil
}

func (b *Backend) table(name string) map[string]string {
	t, ok := b.mu.tables[name]
	if !ok {
		t = make(map[string]string)
		b.mu.tables[name] = t
	}
	return t
}

// |||||| STATEMENTS ||||||

type mutation struct {
	del        bool
	table, key string
	value      string
}

func parse(sql string) (mutation, bool) {
	f := strings.Fields(sql)
	switch {
	case len(f) == 4 && f[0] == "put":
		return mutation{table: f[1], key: f[2], value: f[3]}, true
	case len(f) == 3 && f[0] == "del":
		return mutation{del: true, table: f[1], key: f[2]}, true
	}
	return mutation{}, false
}

func (b *Backend) record(sql string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.statements = append(b.mu.statements, sql)
}

func (b *Backend) apply(muts []mutation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range muts {
		if m.del {
			delete(b.mu.tables[m.table], m.key)
			if len(b.mu.tables[m.table]) == 0 {
				delete(b.mu.tables, m.table)
			}
		} else {
			b.table(m.table)[m.key] = m.value
		}
	}
}

func (b *Backend) affected(ok bool) int64 {
	if ok {
		return 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.rowsAffected
}

func (b *Backend) query(sql string) backend.Rows {
	f := strings.Fields(sql)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(f) == 3 && f[0] == "get" {
		res := backend.Rows{Columns: []string{"value"}}
		if v, ok := b.mu.tables[f[1]][f[2]]; ok {
			res.Values = [][]any{{v}}
		}
		return res
	}
	return backend.Rows{Columns: []string{"node"}, Values: [][]any{{b.Location}}}
}

// |||||| CONN ||||||

type conn struct {
	b      *Backend
	closed bool
}

var (
	_ backend.Conn    = (*conn)(nil)
	_ backend.Replica = (*conn)(nil)
)

func (c *conn) Exec(ctx context.Context, sql string, _ ...any) (int64, error) {
	if err := c.b.fault(ctx, false); err != nil {
		return 0, err
	}
	c.b.record(sql)
	m, ok := parse(sql)
	if ok {
		c.b.apply([]mutation{m})
	}
	return c.b.affected(ok), nil
}

func (c *conn) Query(ctx context.Context, sql string, _ ...any) (backend.Rows, error) {
	if err := c.b.fault(ctx, false); err != nil {
		return backend.Rows{}, err
	}
	c.b.record(sql)
	return c.b.query(sql), nil
}

func (c *conn) Begin(ctx context.Context) (backend.Tx, error) {
	if err := c.b.fault(ctx, false); err != nil {
		return nil, err
	}
	return &tx{b: c.b}, nil
}

func (c *conn) Ping(ctx context.Context) error { return c.b.fault(ctx, false) }

func (c *conn) Close() error {
	c.closed = true
	return nil
}

// |||||| TX ||||||

// tx buffers mutations until commit.
type tx struct {
	b       *Backend
	pending []mutation
	done    bool
}

var errTxDone = errors.New("transaction already completed")

func (t *tx) Exec(ctx context.Context, sql string, _ ...any) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	if err := t.b.fault(ctx, false); err != nil {
		return 0, err
	}
	t.b.record(sql)
	m, ok := parse(sql)
	if ok {
		t.pending = append(t.pending, m)
	}
	return t.b.affected(ok), nil
}

func (t *tx) Query(ctx context.Context, sql string, _ ...any) (backend.Rows, error) {
	if t.done {
		return backend.Rows{}, errTxDone
	}
	if err := t.b.fault(ctx, false); err != nil {
		return backend.Rows{}, err
	}
	t.b.record(sql)
	return t.b.query(sql), nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	if err := t.b.fault(ctx, true); err != nil {
		return err
	}
	t.done = true
	t.b.apply(t.pending)
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.pending = nil
	return nil
}

// |||||| REPLICA ||||||

var (
	columns = []string{"key", "value"}
	key     = []string{"key"}
)

func (c *conn) Tables(ctx context.Context) ([]backend.Table, error) {
	if err := c.b.fault(ctx, false); err != nil {
		return nil, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	tables := make([]backend.Table, 0, len(c.b.mu.tables))
	for name := range c.b.mu.tables {
		tables = append(tables, backend.Table{Name: name, Columns: columns, Key: key})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, nil
}

func (c *conn) Scan(ctx context.Context, t backend.Table) ([]backend.Row, error) {
	if err := c.b.fault(ctx, false); err != nil {
		return nil, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	data := c.b.mu.tables[t.Name]
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]backend.Row, len(keys))
	for i, k := range keys {
		rows[i] = backend.Row{Key: []any{k}, Values: []any{k, data[k]}}
	}
	return rows, nil
}

// Apply stages the writes of fn against a copy of the backend's tables, and
// installs the copy only if fn succeeds and the commit is not failed. Tables left
// empty cease to exist.
func (c *conn) Apply(ctx context.Context, fn func(ctx context.Context, w backend.Writer) error) error {
	if err := c.b.fault(ctx, false); err != nil {
		return err
	}
	w := &writer{b: c.b, tables: c.b.Data()}
	if err := fn(ctx, w); err != nil {
		return err
	}
	if err := c.b.fault(ctx, true); err != nil {
		return err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for name, t := range w.tables {
		if len(t) == 0 {
			delete(w.tables, name)
		}
	}
	c.b.mu.tables = w.tables
	return nil
}

type writer struct {
	b      *Backend
	tables map[string]map[string]string
}

var _ backend.Writer = (*writer)(nil)

func (w *writer) Truncate(ctx context.Context, tables ...backend.Table) error {
	if err := w.b.fault(ctx, false); err != nil {
		return err
	}
	for _, t := range tables {
		delete(w.tables, t.Name)
	}
	return nil
}

func (w *writer) Upsert(ctx context.Context, t backend.Table, rows []backend.Row) error {
	if err := w.b.fault(ctx, false); err != nil {
		return err
	}
	for _, r := range rows {
		k, v, err := kv(r)
		if err != nil {
			return err
		}
		if w.tables[t.Name] == nil {
			w.tables[t.Name] = make(map[string]string)
		}
		w.tables[t.Name][k] = v
	}
	return nil
}

func (w *writer) Delete(ctx context.Context, t backend.Table, rows []backend.Row) error {
	if err := w.b.fault(ctx, false); err != nil {
		return err
	}
	for _, r := range rows {
		if len(r.Key) != 1 {
			return errors.Newf("mock rows have a single key, got %v", r.Key)
		}
		k, ok := r.Key[0].(string)
		if !ok {
			return errors.Newf("mock rows have a single string key, got %v", r.Key)
		}
		delete(w.tables[t.Name], k)
	}
	return nil
}

func kv(r backend.Row) (string, string, error) {
	if len(r.Values) != 2 {
		return "", "", errors.Newf("mock rows have two columns, got %d", len(r.Values))
	}
	k, ok := r.Values[0].(string)
	v, ok2 := r.Values[1].(string)
	if !ok || !ok2 {
		return "", "", errors.Newf("mock rows hold strings, got %T and %T", r.Values[0], r.Values[1])
	}
	return k, v, nil
}
