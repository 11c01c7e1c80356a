package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/crewforge/crewforge/core"
)

var boltBucket = []byte("memory")

// boltRecord wraps a stored value with its expiry so TTLs survive a
// process restart.
type boltRecord struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// BoltStorage implements core.StoragePort over an embedded BoltDB file.
// It gives long-term memory durable single-node persistence without an
// external service. BoltDB over alternatives for the same reason the
// swarm orchestrator picked it: pure Go, no C dependencies.
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage opens (or creates) the database file at path.
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, core.NewFrameworkError("memory.NewBoltStorage", core.KindConfiguration, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, core.NewFrameworkError("memory.NewBoltStorage", core.KindMemory, err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
			return nil
		}
		value = rec.Value
		return nil
	})
	if err != nil {
		return "", core.NewFrameworkError("memory.BoltStorage.Get", core.KindMemory, err).WithID(key)
	}
	return value, nil
}

func (s *BoltStorage) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	rec := boltRecord{Value: value}
	if ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return core.NewFrameworkError("memory.BoltStorage.Set", core.KindMemory, err).WithID(key)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), raw)
	})
	if err != nil {
		return core.NewFrameworkError("memory.BoltStorage.Set", core.KindMemory, err).WithID(key)
	}
	return nil
}

func (s *BoltStorage) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
	if err != nil {
		return core.NewFrameworkError("memory.BoltStorage.Delete", core.KindMemory, err).WithID(key)
	}
	return nil
}

func (s *BoltStorage) Exists(ctx context.Context, key string) (bool, error) {
	val, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return val != "", nil
}

func (s *BoltStorage) Scan(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	now := time.Now()
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, core.NewFrameworkError("memory.BoltStorage.Scan", core.KindMemory, err)
	}
	return keys, nil
}

// Close releases the database file.
func (s *BoltStorage) Close() error { return s.db.Close() }

var _ core.StoragePort = (*BoltStorage)(nil)
