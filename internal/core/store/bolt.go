package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var _ Store = (*BoltStore)(nil)

// BoltStore persists documents in a bbolt database, one bucket per
// collection. It is the durable backend for replica metadata and the retry
// queue, so a device restart does not lose pending sync state.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Insert(_ context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", collection, err)
		}
		if bucket.Get([]byte(id)) != nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrDuplicateID)
		}
		return bucket.Put([]byte(id), data)
	})
}

func (s *BoltStore) Get(_ context.Context, collection, id string, out any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return json.Unmarshal(data, out)
	})
}

func (s *BoltStore) Update(_ context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil || bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return bucket.Put([]byte(id), data)
	})
}

func (s *BoltStore) Delete(_ context.Context, collection, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil || bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

func (s *BoltStore) Query(_ context.Context, collection string, q Query, out any) error {
	var docs []rawDoc
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			// bbolt reuses value memory outside the transaction.
			data := make([]byte, len(v))
			copy(data, v)
			d, err := newRawDoc(data)
			if err != nil {
				return err
			}
			docs = append(docs, d)
			return nil
		})
	})
	if err != nil {
		return err
	}
	return applyQuery(docs, q, out)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
