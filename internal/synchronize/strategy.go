package synchronize

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/arya-analytics/hadb/internal/backend"
	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	Passive      = "passive"
	Full         = "full"
	Differential = "diff"
	DumpRestore  = "dump-restore"
)

// Job is a single synchronization of Target from Source.
type Job struct {
	Source     node.Node
	Target     node.Node
	SourceConn backend.Conn
	TargetConn backend.Conn
	Logger     *zap.Logger
}

func (j Job) logger() *zap.Logger {
	if j.Logger == nil {
		return zap.NewNop()
	}
	return j.Logger
}

func (j Job) replicas() (src, dst backend.Replica, err error) {
	if src, err = backend.AsReplica(j.SourceConn); err != nil {
		return nil, nil, errors.Wrapf(err, "source %s", j.Source.ID)
	}
	if dst, err = backend.AsReplica(j.TargetConn); err != nil {
		return nil, nil, errors.Wrapf(err, "target %s", j.Target.ID)
	}
	return src, dst, nil
}

// Strategy brings the data of a job's target to parity with its source.
type Strategy interface {
	Synchronize(ctx context.Context, job Job) error
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, job Job) error

// Synchronize implements Strategy.
func (f StrategyFunc) Synchronize(ctx context.Context, job Job) error { return f(ctx, job) }

// DefaultStrategies returns the strategies that need no configuration.
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		Passive:      PassiveStrategy{},
		Full:         FullStrategy{},
		Differential: DifferentialStrategy{},
	}
}

// |||||| PASSIVE ||||||

// PassiveStrategy transfers no data. It is used when the backends replicate among
// themselves.
type PassiveStrategy struct{}

func (PassiveStrategy) Synchronize(context.Context, Job) error { return nil }

// |||||| FULL ||||||

// FullStrategy replaces the entire contents of the target with the contents of the
// source. Source tables are read concurrently and the target is rewritten in a
// single transaction: every target table is truncated, including tables the
// source does not have, and rows are inserted in foreign key order.
type FullStrategy struct{}

func (FullStrategy) Synchronize(ctx context.Context, job Job) error {
	src, dst, err := job.replicas()
	if err != nil {
		return err
	}
	srcTables, dstTables, err := listTables(ctx, src, dst)
	if err != nil {
		return err
	}
	rows, err := scanAll(ctx, src, srcTables, "source")
	if err != nil {
		return err
	}
	return dst.Apply(ctx, func(ctx context.Context, w backend.Writer) error {
		if err := w.Truncate(ctx, dstTables...); err != nil {
			return errors.Wrap(err, "truncate target")
		}
		for _, t := range backend.Ordered(srcTables) {
			if err := w.Upsert(ctx, t, rows[t.Name]); err != nil {
				return errors.Wrapf(err, "copy %s", t.Name)
			}
			job.logger().Debug("copied table",
				zap.String("table", t.Name),
				zap.Int("rows", len(rows[t.Name])),
			)
		}
		for _, t := range missing(dstTables, srcTables) {
			job.logger().Debug("cleared table absent from source", zap.String("table", t.Name))
		}
		return nil
	})
}

// listTables lists the tables of both replicas. Listing the target's tables
// doubles as a check that the target is reachable.
func listTables(ctx context.Context, src, dst backend.Replica) (srcTables, dstTables []backend.Table, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		srcTables, err = src.Tables(gctx)
		return errors.Wrap(err, "list source tables")
	})
	g.Go(func() (err error) {
		dstTables, err = dst.Tables(gctx)
		return errors.Wrap(err, "list target tables")
	})
	return srcTables, dstTables, g.Wait()
}

func scanAll(ctx context.Context, r backend.Replica, tables []backend.Table, side string) (map[string][]backend.Row, error) {
	results := make([][]backend.Row, len(tables))
	g, ctx := errgroup.WithContext(ctx)
	for i, t := range tables {
		i, t := i, t
		g.Go(func() (err error) {
			results[i], err = r.Scan(ctx, t)
			return errors.Wrapf(err, "scan %s %s", side, t.Name)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	rows := make(map[string][]backend.Row, len(tables))
	for i, t := range tables {
		rows[t.Name] = results[i]
	}
	return rows, nil
}

// missing returns the tables of a that are not in b.
func missing(a, b []backend.Table) []backend.Table {
	names := make(map[string]bool, len(b))
	for _, t := range b {
		names[t.Name] = true
	}
	var out []backend.Table
	for _, t := range a {
		if !names[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// |||||| DIFFERENTIAL ||||||

// DifferentialStrategy compares source and target tables row by row using
// checksums and applies only the rows that differ, in a single target
// transaction. Tables present on both nodes must share a schema. Tables present
// only on the target are emptied.
type DifferentialStrategy struct{}

type tableDiff struct {
	table   backend.Table
	upserts []backend.Row
	deletes []backend.Row
}

func (DifferentialStrategy) Synchronize(ctx context.Context, job Job) error {
	src, dst, err := job.replicas()
	if err != nil {
		return err
	}
	srcTables, dstTables, err := listTables(ctx, src, dst)
	if err != nil {
		return err
	}
	if err := compatible(srcTables, dstTables); err != nil {
		return err
	}
	srcRows, err := scanAll(ctx, src, srcTables, "source")
	if err != nil {
		return err
	}
	dstRows, err := scanAll(ctx, dst, dstTables, "target")
	if err != nil {
		return err
	}
	all := append(append([]backend.Table(nil), srcTables...), missing(dstTables, srcTables)...)
	diffs := make(map[string]tableDiff, len(all))
	for _, t := range all {
		diffs[t.Name] = diff(t, srcRows[t.Name], dstRows[t.Name])
	}
	ordered := backend.Ordered(all)
	return dst.Apply(ctx, func(ctx context.Context, w backend.Writer) error {
		for i := len(ordered) - 1; i >= 0; i-- {
			d := diffs[ordered[i].Name]
			if err := w.Delete(ctx, d.table, d.deletes); err != nil {
				return errors.Wrapf(err, "delete from %s", d.table.Name)
			}
		}
		for _, t := range ordered {
			d := diffs[t.Name]
			if err := w.Upsert(ctx, d.table, d.upserts); err != nil {
				return errors.Wrapf(err, "upsert into %s", d.table.Name)
			}
			job.logger().Debug("reconciled table",
				zap.String("table", d.table.Name),
				zap.Int("upserted", len(d.upserts)),
				zap.Int("deleted", len(d.deletes)),
			)
		}
		return nil
	})
}

func diff(t backend.Table, srcRows, dstRows []backend.Row) tableDiff {
	d := tableDiff{table: t}
	existing := make(map[string]uint64, len(dstRows))
	for _, r := range dstRows {
		existing[r.KeyString()] = checksum(r)
	}
	for _, r := range srcRows {
		key := r.KeyString()
		if sum, ok := existing[key]; !ok || sum != checksum(r) {
			d.upserts = append(d.upserts, r)
		}
		delete(existing, key)
	}
	for _, r := range dstRows {
		if _, ok := existing[r.KeyString()]; ok {
			d.deletes = append(d.deletes, r)
		}
	}
	return d
}

// compatible returns an error if a table present on both nodes differs in columns
// or key.
func compatible(src, dst []backend.Table) error {
	byName := make(map[string]backend.Table, len(dst))
	for _, t := range dst {
		byName[t.Name] = t
	}
	for _, s := range src {
		d, ok := byName[s.Name]
		if !ok {
			continue
		}
		if !equal(s.Columns, d.Columns) || !equal(s.Key, d.Key) {
			return errors.Newf("schema mismatch on table %s: source %v key %v, target %v key %v",
				s.Name, s.Columns, s.Key, d.Columns, d.Key)
		}
	}
	return nil
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func checksum(r backend.Row) uint64 {
	h := xxhash.New()
	for _, v := range r.Values {
		_, _ = fmt.Fprintf(h, "%T:%v\x00", v, v)
	}
	return h.Sum64()
}

// |||||| DUMP RESTORE ||||||

// DumpRestoreStrategy pipes the output of an external dump command into an external
// restore command. Arguments may contain the placeholders {source} and {target},
// which are replaced with the locations of the job's nodes.
type DumpRestoreStrategy struct {
	Dump    []string
	Restore []string
}

func (d DumpRestoreStrategy) Synchronize(ctx context.Context, job Job) error {
	if len(d.Dump) == 0 || len(d.Restore) == 0 {
		return errors.New("dump and restore commands must be configured")
	}
	dump := d.command(ctx, d.Dump, job)
	restore := d.command(ctx, d.Restore, job)
	var dumpErr, restoreErr bytes.Buffer
	dump.Stderr, restore.Stderr = &dumpErr, &restoreErr
	pipe, err := dump.StdoutPipe()
	if err != nil {
		return err
	}
	restore.Stdin = pipe
	if err := dump.Start(); err != nil {
		return errors.Wrap(err, "start dump")
	}
	restoreStartErr := restore.Start()
	// Once started, the restore process holds its own copy of the read end.
	_ = pipe.Close()
	if restoreStartErr != nil {
		return errors.CombineErrors(errors.Wrap(restoreStartErr, "start restore"), dump.Wait())
	}
	err = restore.Wait()
	if err != nil {
		err = errors.Wrapf(err, "restore: %s", strings.TrimSpace(restoreErr.String()))
	}
	if derr := dump.Wait(); derr != nil {
		err = errors.CombineErrors(err, errors.Wrapf(derr, "dump: %s", strings.TrimSpace(dumpErr.String())))
	}
	return err
}

func (d DumpRestoreStrategy) command(ctx context.Context, argv []string, job Job) *exec.Cmd {
	r := strings.NewReplacer("{source}", job.Source.Location, "{target}", job.Target.Location)
	args := make([]string, len(argv))
	for i, a := range argv {
		args[i] = r.Replace(a)
	}
	return exec.CommandContext(ctx, args[0], args[1:]...)
}
