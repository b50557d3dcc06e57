// Package durability records which nodes have durably applied the outcome of each
// multi-node transaction. A record that survives a crash with only some of its
// participants marked durable identifies nodes whose data diverged and must be
// resynchronized before they are reactivated.
package durability

import (
	"slices"
	"sync"

	"github.com/arya-analytics/hadb/internal/node"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrInconsistentDurability is returned by a recovery scan that finds transactions
// applied by only some of their participants.
var ErrInconsistentDurability = errors.New("inconsistent durability")

// Record is the durability state of a single transaction.
type Record struct {
	ID           string    `json:"id"`
	Participants []node.ID `json:"participants"`
	DurableOn    []node.ID `json:"durable_on"`
}

// Divergent returns the participants that did not durably apply the transaction,
// or nil if the record needs no repair. A record needs repair only when DurableOn is
// a strict, non-empty subset of Participants.
func (r Record) Divergent() []node.ID {
	if len(r.DurableOn) == 0 {
		return nil
	}
	var divergent []node.ID
	for _, p := range r.Participants {
		if !slices.Contains(r.DurableOn, p) {
			divergent = append(divergent, p)
		}
	}
	return divergent
}

// Log persists durability records.
type Log interface {
	Put(r Record) error
	Delete(id string) error
	// Records returns every persisted record ordered by id.
	Records() ([]Record, error)
	Close() error
}

// Inconsistency is a transaction found by a recovery scan whose participants
// diverged.
type Inconsistency struct {
	Transaction string
	Divergent   []node.ID
	Record      Record
}

// Manager tracks the durability of in-flight transactions and answers recovery
// scans.
type Manager struct {
	Config
	mu      sync.Mutex
	records map[string]Record
}

// New opens a manager over cfg.Log, loading every record that survived a previous
// process.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	recs, err := cfg.Log.Records()
	if err != nil {
		return nil, errors.Wrap(err, "[durability] - failed to load records")
	}
	m := &Manager{Config: cfg, records: make(map[string]Record, len(recs))}
	for _, r := range recs {
		m.records[r.ID] = r
	}
	cfg.Logger.Debug("loaded durability records", zap.Int("count", len(recs)))
	return m, nil
}

// Prepare persists a record for a transaction about to commit on participants.
func (m *Manager) Prepare(id string, participants []node.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Record{ID: id, Participants: slices.Clone(participants)}
	if err := m.Log.Put(r); err != nil {
		return err
	}
	m.records[id] = r
	return nil
}

// Durable marks the transaction as durably applied on n. It is a no-op for a
// transaction that was never prepared.
func (m *Manager) Durable(id string, n node.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || slices.Contains(r.DurableOn, n) {
		return nil
	}
	r.DurableOn = append(slices.Clone(r.DurableOn), n)
	if err := m.Log.Put(r); err != nil {
		return err
	}
	m.records[id] = r
	return nil
}

// Complete ends tracking of a transaction. The record is discarded unless its
// participants diverged, in which case it is kept for recovery.
func (m *Manager) Complete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil
	}
	if d := r.Divergent(); len(d) > 0 {
		m.Logger.Warn("transaction diverged",
			zap.String("transaction", id),
			zap.Strings("divergent", idStrings(d)),
		)
		return nil
	}
	return m.delete(id)
}

// Reconciled marks n as durable on every record it participates in, once n has
// been resynchronized to parity with the active set. Records that no longer diverge
// are discarded.
func (m *Manager) Reconciled(n node.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if len(r.Divergent()) == 0 || !slices.Contains(r.Participants, n) || slices.Contains(r.DurableOn, n) {
			continue
		}
		r.DurableOn = append(slices.Clone(r.DurableOn), n)
		if len(r.Divergent()) == 0 {
			if err := m.delete(id); err != nil {
				return err
			}
			continue
		}
		if err := m.Log.Put(r); err != nil {
			return err
		}
		m.records[id] = r
	}
	return nil
}

// Scan returns every divergent transaction. If any are found, the returned error is
// marked ErrInconsistentDurability.
func (m *Manager) Scan() ([]Inconsistency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []Inconsistency
	for _, r := range m.records {
		if d := r.Divergent(); len(d) > 0 {
			found = append(found, Inconsistency{Transaction: r.ID, Divergent: d, Record: r})
		}
	}
	slices.SortFunc(found, func(a, b Inconsistency) int {
		switch {
		case a.Transaction < b.Transaction:
			return -1
		case a.Transaction > b.Transaction:
			return 1
		}
		return 0
	})
	if len(found) == 0 {
		return nil, nil
	}
	return found, errors.Mark(
		errors.Newf("%d transactions diverged across participants", len(found)),
		ErrInconsistentDurability,
	)
}

// Divergent returns the set of nodes named by any divergent transaction.
func Divergent(found []Inconsistency) []node.ID {
	var ids []node.ID
	for _, inc := range found {
		for _, id := range inc.Divergent {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (m *Manager) Close() error { return m.Log.Close() }

func (m *Manager) delete(id string) error {
	if err := m.Log.Delete(id); err != nil {
		return err
	}
	delete(m.records, id)
	return nil
}

func idStrings(ids []node.ID) []string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return s
}
