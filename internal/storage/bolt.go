package storage

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/nitinics/openr/pkg/wire"
)

var boltBucket = []byte("kv")

// BoltBackend keeps the image in a bbolt file. Each Save replaces the
// bucket inside one write transaction, so a crash mid-save preserves the
// previous committed image.
type BoltBackend struct {
	db *bolt.DB
}

func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Save(db wire.Database) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(boltBucket) != nil {
			if err := tx.DeleteBucket(boltBucket); err != nil {
				return fmt.Errorf("clearing bucket: %w", err)
			}
		}
		bkt, err := tx.CreateBucket(boltBucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		for k, v := range db {
			if err := bkt.Put([]byte(k), v); err != nil {
				return fmt.Errorf("putting %q: %w", k, err)
			}
		}
		return nil
	})
}

// Load reads the full bucket. A database that has never been saved to
// yields an empty image.
func (b *BoltBackend) Load() (wire.Database, error) {
	out := wire.Database{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltBucket)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading bolt image: %w", err)
	}
	return out, nil
}

func (b *BoltBackend) Close() error { return b.db.Close() }
