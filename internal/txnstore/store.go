// Package txnstore persists the monotonic transaction-id counter a
// udpserver.Server hands out, so a restarted process does not
// immediately reuse ids a prior, possibly crashed, instance already
// gave to peers. This directly implements a TODO left against
// m_nextTransId in the transport this package backs: on a clean
// shutdown the exact counter value is saved; on recovery after an
// unclean shutdown the saved value is bumped forward by a safety
// margin before reuse, since some unknown number of ids between the
// last periodic save and the crash may already be in flight.
package txnstore

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	bucketName = []byte("txnstore")
	counterKey = []byte("next_trans_id")
	cleanKey   = []byte("clean_shutdown")
)

// crashRecoveryBump is added to the last persisted counter value when
// the store was not closed cleanly, covering the ids a crashed process
// may have handed out since its last periodic save.
const crashRecoveryBump = 1024

// Store is a small bbolt-backed counter file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a bbolt database at path holding
// just the transaction-id counter.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "txnstore: open")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "txnstore: init bucket")
	}
	return &Store{db: db}, nil
}

// RecoverAfterCrash reads the last persisted counter and marks the
// store dirty (not cleanly shut down) until the next Close. If the
// prior run did not shut down cleanly, the returned value is bumped by
// crashRecoveryBump past whatever was last saved; a saved value of 0
// (including a store that has never been persisted to) is returned
// without a bump.
func (s *Store) RecoverAfterCrash() (uint32, error) {
	var last uint32
	var wasClean bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if v := b.Get(counterKey); v != nil {
			last = binary.BigEndian.Uint32(v)
		}
		wasClean = b.Get(cleanKey) != nil
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "txnstore: read counter")
	}

	if err := s.markDirty(); err != nil {
		return 0, err
	}
	if !wasClean && last != 0 {
		last += crashRecoveryBump
	}
	return last, nil
}

func (s *Store) markDirty() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(cleanKey)
	})
}

// Persist saves next as the counter value, called by the transport
// every 1024 transaction ids handed out and once more on Close.
func (s *Store) Persist(next uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, next)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(counterKey, buf)
	})
}

// Close marks the store as cleanly shut down and closes the database.
func (s *Store) Close() error {
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(cleanKey, []byte{1})
	})
	return s.db.Close()
}
