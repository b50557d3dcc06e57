package durability

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"
)

var boltBucket = []byte("transactions")

// BoltLog is a Log backed by a single bbolt file.
type BoltLog struct {
	db *bbolt.DB
}

var _ Log = (*BoltLog)(nil)

// OpenBolt opens or creates a bbolt-backed log at path.
func OpenBolt(path string) (*BoltLog, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "[durability] - open bolt log at %s", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		return nil, errors.CombineErrors(err, db.Close())
	}
	return &BoltLog{db: db}, nil
}

func (l *BoltLog) Put(r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error { return tx.Bucket(boltBucket).Put([]byte(r.ID), b) })
}

func (l *BoltLog) Delete(id string) error {
	return l.db.Update(func(tx *bbolt.Tx) error { return tx.Bucket(boltBucket).Delete([]byte(id)) })
}

func (l *BoltLog) Records() ([]Record, error) {
	var recs []Record
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrapf(err, "decode record %s", k)
			}
			recs = append(recs, r)
			return nil
		})
	})
	return recs, err
}

func (l *BoltLog) Close() error { return l.db.Close() }
