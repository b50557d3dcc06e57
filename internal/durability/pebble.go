package durability

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	pebblePrefix = []byte("hadb/tx/")
	// pebbleUpper is the first key after every key with pebblePrefix.
	pebbleUpper = []byte("hadb/tx0")
)

// PebbleLog is a Log backed by a pebble key-value store.
type PebbleLog struct {
	db *pebble.DB
}

var _ Log = (*PebbleLog)(nil)

// OpenPebble opens a pebble-backed log in dirname on fs. A nil fs uses the
// operating system's file system.
func OpenPebble(dirname string, fs vfs.FS) (*PebbleLog, error) {
	if fs == nil {
		fs = vfs.Default
	}
	db, err := pebble.Open(dirname, &pebble.Options{FS: fs})
	if err != nil {
		return nil, errors.Wrapf(err, "[durability] - open pebble log at %s", dirname)
	}
	return &PebbleLog{db: db}, nil
}

func pebbleKey(id string) []byte { return append(append([]byte{}, pebblePrefix...), id...) }

func (l *PebbleLog) Put(r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return l.db.Set(pebbleKey(r.ID), b, pebble.Sync)
}

func (l *PebbleLog) Delete(id string) error { return l.db.Delete(pebbleKey(id), pebble.Sync) }

func (l *PebbleLog) Records() ([]Record, error) {
	iter := l.db.NewIter(&pebble.IterOptions{LowerBound: pebblePrefix, UpperBound: pebbleUpper})
	var recs []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var r Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, errors.CombineErrors(errors.Wrapf(err, "decode record %s", iter.Key()), iter.Close())
		}
		recs = append(recs, r)
	}
	return recs, iter.Close()
}

func (l *PebbleLog) Close() error { return l.db.Close() }
