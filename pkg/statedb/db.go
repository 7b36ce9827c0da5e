package statedb

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/sps2/sps2/pkg/errs"
)

var (
	bucketStates         = []byte("states")
	bucketActive         = []byte("active")
	bucketStatePackages  = []byte("state_packages") // nested bucket per state ID
	bucketStateFiles     = []byte("state_files")     // nested bucket per state ID
	bucketPackageObjects = []byte("package_objects")
	bucketFileObjects    = []byte("file_objects")
	bucketVerifyCache    = []byte("verification_cache")

	keyActiveState = []byte("active_state")
)

// DB is the embedded state database, one bbolt file at <prefix>/db.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if absent) the database at path and ensures the
// fixed top-level bucket layout exists.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.New(errs.CodeState, errs.SeverityCritical, "statedb.open", err).WithPath(path)
	}

	err = b.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketStates, bucketActive, bucketStatePackages,
			bucketStateFiles, bucketPackageObjects, bucketFileObjects,
			bucketVerifyCache,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		b.Close()
		return nil, errs.New(errs.CodeState, errs.SeverityCritical, "statedb.open", err).WithPath(path)
	}

	return &DB{bolt: b}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// Tx scopes all statedb operations to a single bbolt transaction, the unit
// spec §4.E's Phase 2 and Phase 4 require ("In a single DB transaction:
// ...").
type Tx struct {
	tx *bolt.Tx
}

// Update runs fn in a read-write transaction.
func (db *DB) Update(fn func(*Tx) error) error {
	err := db.bolt.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
	if err != nil {
		return errs.New(errs.CodeState, errs.SeverityHigh, "statedb.update", err)
	}
	return nil
}

// View runs fn in a read-only transaction.
func (db *DB) View(fn func(*Tx) error) error {
	err := db.bolt.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
	if err != nil {
		return errs.New(errs.CodeState, errs.SeverityMedium, "statedb.view", err)
	}
	return nil
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
