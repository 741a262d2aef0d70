package storage

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"

	"github.com/ancdb/ancdb/internal/storage/wal"
)

const (
	walFileName  = "ancdb.wal"
	lockFileName = "LOCK"
)

// MemoryStore implements Engine on an in-memory B-tree. When opened on a
// directory every committed batch is appended to a write-ahead log first and
// replayed on the next open.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	tables map[uint32]string

	wal  *wal.WAL
	lock *flock.Flock
}

type item struct {
	table uint32
	key   int64
	value []byte
}

func (i *item) Less(than btree.Item) bool {
	o := than.(*item)
	if i.table != o.table {
		return i.table < o.table
	}
	return i.key < o.key
}

// NewMemoryStore returns a volatile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree:   btree.New(32),
		tables: make(map[uint32]string),
	}
}

// OpenMemoryStore opens a WAL-backed store in dir, taking an exclusive lock
// on the directory for the lifetime of the store.
func OpenMemoryStore(dir string, opts Options) (*MemoryStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageErr(err, "mkdir")
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, storageErr(err, "lock")
	}
	if !locked {
		return nil, errors.Errorf("storage location %s is in use by another process", dir)
	}

	w, err := wal.Open(filepath.Join(dir, walFileName), opts.NoSync)
	if err != nil {
		lock.Unlock()
		return nil, storageErr(err, "open wal")
	}

	s := NewMemoryStore()
	s.wal = w
	s.lock = lock

	err = w.Replay(func(data []byte) error {
		var b Batch
		if err := msgpack.Unmarshal(data, &b); err != nil {
			return errors.Wrap(err, "decode wal record")
		}
		return s.applyLocked(&b)
	})
	if err != nil {
		s.Close()
		return nil, storageErr(err, "replay wal")
	}
	return s, nil
}

func (s *MemoryStore) Get(table uint32, key int64) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tables[table]; !ok {
		return nil, false, tableNotFound(table)
	}
	i := s.tree.Get(&item{table: table, key: key})
	if i == nil {
		return nil, false, nil
	}
	return cloneBytes(i.(*item).value), true, nil
}

func (s *MemoryStore) Put(table uint32, key int64, value []byte) error {
	b := &Batch{}
	b.Put(table, key, value)
	return s.Commit(b)
}

func (s *MemoryStore) Delete(table uint32, key int64) error {
	b := &Batch{}
	b.Delete(table, key)
	return s.Commit(b)
}

func (s *MemoryStore) CreateTable(id uint32, name string) error {
	b := &Batch{}
	b.CreateTable(id, name)
	return s.Commit(b)
}

func (s *MemoryStore) HasTable(id uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[id]
	return ok, nil
}

func (s *MemoryStore) Tables() ([]TableInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TableInfo, 0, len(s.tables))
	for id, name := range s.tables {
		out = append(out, TableInfo{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Scan(table uint32, start, end int64, desc bool, handler func(key int64, value []byte) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tables[table]; !ok {
		return tableNotFound(table)
	}
	if emptyRange(start, end) {
		return nil
	}

	if desc {
		s.tree.DescendLessOrEqual(&item{table: table, key: end}, func(i btree.Item) bool {
			it := i.(*item)
			if it.table != table || it.key < start {
				return false
			}
			return handler(it.key, cloneBytes(it.value))
		})
		return nil
	}

	s.tree.AscendGreaterOrEqual(&item{table: table, key: start}, func(i btree.Item) bool {
		it := i.(*item)
		if it.table != table || it.key > end {
			return false
		}
		return handler(it.key, cloneBytes(it.value))
	})
	return nil
}

// Commit validates the whole batch, logs it, then applies it.
func (s *MemoryStore) Commit(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateLocked(b); err != nil {
		return err
	}

	if s.wal != nil {
		data, err := msgpack.Marshal(b)
		if err != nil {
			return storageErr(err, "encode wal record")
		}
		if err := s.wal.Append(data); err != nil {
			return storageErr(err, "append wal")
		}
	}

	return s.applyLocked(b)
}

func (s *MemoryStore) validateLocked(b *Batch) error {
	created := make(map[uint32]bool, len(b.Tables))
	for _, t := range b.Tables {
		if _, ok := s.tables[t.ID]; ok || created[t.ID] {
			return tableExists(t.ID)
		}
		created[t.ID] = true
	}
	for _, op := range b.Ops {
		if op.Kind != OpPut && op.Kind != OpDelete {
			return errors.Errorf("unknown batch op kind %d", op.Kind)
		}
		if _, ok := s.tables[op.Table]; !ok && !created[op.Table] {
			return tableNotFound(op.Table)
		}
	}
	return nil
}

func (s *MemoryStore) applyLocked(b *Batch) error {
	if err := s.validateLocked(b); err != nil {
		return err
	}
	for _, t := range b.Tables {
		s.tables[t.ID] = t.Name
	}
	for _, op := range b.Ops {
		switch op.Kind {
		case OpPut:
			s.tree.ReplaceOrInsert(&item{table: op.Table, key: op.Key, value: cloneBytes(op.Value)})
		case OpDelete:
			s.tree.Delete(&item{table: op.Table, key: op.Key})
		}
	}
	return nil
}

// Len returns the number of stored keys across all tables.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.wal != nil {
		err = multierr.Append(err, s.wal.Close())
		s.wal = nil
	}
	if s.lock != nil {
		err = multierr.Append(err, s.lock.Unlock())
		s.lock = nil
	}
	return err
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
