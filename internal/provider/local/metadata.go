package local

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

// metadataStore is the project-metadata equivalent of the local provider.
// It implements label.Store on the bbolt metadata bucket.
type metadataStore struct {
	db *bbolt.DB
}

func (m *metadataStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var (
		value string
		found bool
	)
	err := m.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMetadata).Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("read metadata %s: %w", key, err)
	}
	return value, found, nil
}

func (m *metadataStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}

func (m *metadataStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var existed bool
	err := m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		existed = b.Get([]byte(key)) != nil
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("delete metadata %s: %w", key, err)
	}
	return existed, nil
}

func (m *metadataStore) Items(ctx context.Context, prefix string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	err := m.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMetadata).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out[string(k)] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan metadata %s: %w", prefix, err)
	}
	return out, nil
}
