package relaydoc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentworkforce/relaydoc/internal/document"
)

var (
	boltSnapshotBucket = []byte("snapshots")
	boltOplogBucket    = []byte("oplog")
)

// BoltPersistence keeps snapshots in one bucket and each document's
// changelog in a nested bucket keyed by big-endian version, so cursor order
// is version order.
type BoltPersistence struct {
	db *bolt.DB
}

func NewBoltPersistence(path string) (*BoltPersistence, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltSnapshotBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltOplogBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltPersistence{db: db}, nil
}

func (b *BoltPersistence) LoadSnapshot(documentID string) (*DocumentSnapshot, error) {
	var snapshot *DocumentSnapshot
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(boltSnapshotBucket).Get([]byte(documentID))
		if data == nil {
			return nil
		}
		snapshot = &DocumentSnapshot{}
		return json.Unmarshal(data, snapshot)
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (b *BoltPersistence) SaveSnapshot(snapshot *DocumentSnapshot) error {
	if snapshot == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltSnapshotBucket)
		if existing := bucket.Get([]byte(snapshot.ID)); existing != nil {
			var current DocumentSnapshot
			if err := json.Unmarshal(existing, &current); err == nil && current.Version > snapshot.Version {
				return nil
			}
		}
		return bucket.Put([]byte(snapshot.ID), payload)
	})
}

func (b *BoltPersistence) AppendToLog(documentID string, record document.Record) error {
	payload, err := json.Marshal(record.Operation)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		log, err := tx.Bucket(boltOplogBucket).CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		key := boltVersionKey(record.Version)
		if log.Get(key) != nil {
			return nil
		}
		return log.Put(key, payload)
	})
}

func (b *BoltPersistence) LoadLog(documentID string, since uint64) ([]document.Record, error) {
	records := make([]document.Record, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		log := tx.Bucket(boltOplogBucket).Bucket([]byte(documentID))
		if log == nil {
			return nil
		}
		cursor := log.Cursor()
		for k, v := cursor.Seek(boltVersionKey(since + 1)); k != nil; k, v = cursor.Next() {
			var op document.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			records = append(records, document.Record{Version: binary.BigEndian.Uint64(k), Operation: op})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (b *BoltPersistence) ListDocuments() ([]string, error) {
	ids := map[string]struct{}{}
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(boltSnapshotBucket).ForEach(func(k, _ []byte) error {
			ids[string(k)] = struct{}{}
			return nil
		}); err != nil {
			return err
		}
		// Nested buckets show up with a nil value.
		return tx.Bucket(boltOplogBucket).ForEach(func(k, v []byte) error {
			if v == nil {
				ids[string(k)] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sortedKeys(ids), nil
}

func (b *BoltPersistence) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func boltVersionKey(version uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, version)
	return key
}
