package local

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// Bucket names in bbolt
var (
	bucketResources = []byte("resources")
	bucketMetadata  = []byte("metadata")
	bucketMeta      = []byte("meta")

	keyRevision = []byte("current_revision")
)

// record is the persisted form of a simulated resource.
type record struct {
	Kind      resource.Kind     `json:"kind"`
	ID        string            `json:"id"`
	Scope     resource.Scope    `json:"scope"`
	Label     string            `json:"label,omitempty"`
	Status    string            `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Rev       int64             `json:"rev"`
}

func recordKey(kind resource.Kind, id string) string { return string(kind) + "/" + id }

func (r *record) key() string { return recordKey(r.Kind, r.ID) }

// store keeps records on disk in bbolt and an ordered in-memory index for
// paging.
type store struct {
	mu sync.RWMutex

	// In-memory index ordered by kind then ID
	index *btree.BTreeG[*record]

	db *bbolt.DB

	// Current revision, bumped on every write
	currentRev int64
}

func lessRecord(a, b *record) bool { return a.key() < b.key() }

func openStore(path string) (*store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketResources, bucketMetadata, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	s := &store{
		index: btree.NewG[*record](32, lessRecord),
		db:    db,
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) close() error {
	return s.db.Close()
}

// rebuildIndex loads every record and the revision counter from disk.
func (s *store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyRevision); v != nil {
			s.currentRev = bytesToInt64(v)
		}
		return tx.Bucket(bucketResources).ForEach(func(_, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			s.index.ReplaceOrInsert(&r)
			return nil
		})
	})
}

func (s *store) get(kind resource.Kind, id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.index.Get(&record{Kind: kind, ID: id})
	if !ok {
		return nil, false
	}
	cp := *r
	cp.Attrs = cloneAttrs(r.Attrs)
	return &cp, true
}

// insert stores a new record. It fails with resource.ErrConflict when the
// ID is taken.
func (s *store) insert(r *record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index.Get(r); exists {
		return fmt.Errorf("%s %s: %w", r.Kind, r.ID, resource.ErrConflict)
	}
	return s.putLocked(r)
}

// update replaces an existing record through fn.
func (s *store) update(kind resource.Kind, id string, fn func(*record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.index.Get(&record{Kind: kind, ID: id})
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, resource.ErrNotFound)
	}
	next := *cur
	next.Attrs = cloneAttrs(cur.Attrs)
	if next.Attrs == nil {
		next.Attrs = make(map[string]string)
	}
	fn(&next)
	return s.putLocked(&next)
}

func (s *store) putLocked(r *record) error {
	rev := s.currentRev + 1
	r.Rev = rev

	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketResources).Put([]byte(r.key()), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev))
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", r.key(), err)
	}

	s.currentRev = rev
	s.index.ReplaceOrInsert(r)
	return nil
}

// remove deletes a record. It fails with resource.ErrNotFound when absent.
func (s *store) remove(kind resource.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	probe := &record{Kind: kind, ID: id}
	if _, ok := s.index.Get(probe); !ok {
		return fmt.Errorf("%s %s: %w", kind, id, resource.ErrNotFound)
	}
	rev := s.currentRev + 1
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketResources).Delete([]byte(probe.key())); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", probe.key(), err)
	}
	s.currentRev = rev
	s.index.Delete(probe)
	return nil
}

// scan visits records of kind in ID order, starting after the given ID.
// fn returns false to stop.
func (s *store) scan(kind resource.Kind, after string, fn func(*record) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := string(kind) + "/"
	visit := func(r *record) bool {
		if !strings.HasPrefix(r.key(), prefix) {
			return false
		}
		if after != "" && r.ID == after {
			return true
		}
		cp := *r
		cp.Attrs = cloneAttrs(r.Attrs)
		return fn(&cp)
	}
	if after == "" {
		s.index.AscendGreaterOrEqual(&record{Kind: kind}, visit)
		return
	}
	s.index.AscendGreaterOrEqual(&record{Kind: kind, ID: after}, visit)
}

// revision returns the current revision number
func (s *store) revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

func cloneAttrs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func int64ToBytes(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
