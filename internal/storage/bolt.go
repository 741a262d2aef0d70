package storage

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var catalogBucket = []byte("__catalog")

// BoltStore implements Engine on a bbolt file. Each table lives in its own
// bucket named by the big-endian table id; the catalog bucket maps ids to
// table names. bbolt's file lock keeps the location single-owner.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the database file at path.
func OpenBoltStore(path string, opts Options) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.LockTimeout, NoSync: opts.NoSync})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.Errorf("storage location %s is in use by another process", path)
		}
		return nil, storageErr(err, "open")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(catalogBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, storageErr(err, "init catalog")
	}
	return &BoltStore{db: db}, nil
}

func tableBucket(tx *bolt.Tx, id uint32) *bolt.Bucket {
	return tx.Bucket(encodeTableID(id))
}

func (s *BoltStore) Get(table uint32, key int64) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tableBucket(tx, table)
		if b == nil {
			return tableNotFound(table)
		}
		v := b.Get(EncodeKey(key))
		if v == nil {
			return nil
		}
		value = cloneBytes(v)
		ok = true
		return nil
	})
	return value, ok, storageErr(err, "get")
}

func (s *BoltStore) Put(table uint32, key int64, value []byte) error {
	b := &Batch{}
	b.Put(table, key, value)
	return s.Commit(b)
}

func (s *BoltStore) Delete(table uint32, key int64) error {
	b := &Batch{}
	b.Delete(table, key)
	return s.Commit(b)
}

func (s *BoltStore) CreateTable(id uint32, name string) error {
	b := &Batch{}
	b.CreateTable(id, name)
	return s.Commit(b)
}

func (s *BoltStore) HasTable(id uint32) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(catalogBucket).Get(encodeTableID(id)) != nil
		return nil
	})
	return ok, storageErr(err, "has table")
}

func (s *BoltStore) Tables() ([]TableInfo, error) {
	var out []TableInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(catalogBucket).ForEach(func(k, v []byte) error {
			id, ok := decodeTableID(k)
			if !ok {
				return errors.Errorf("malformed catalog key %x", k)
			}
			out = append(out, TableInfo{ID: id, Name: string(v)})
			return nil
		})
	})
	if err != nil {
		return nil, storageErr(err, "list tables")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *BoltStore) Scan(table uint32, start, end int64, desc bool, handler func(key int64, value []byte) bool) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tableBucket(tx, table)
		if b == nil {
			return tableNotFound(table)
		}
		if emptyRange(start, end) {
			return nil
		}

		lo, hi := EncodeKey(start), EncodeKey(end)
		c := b.Cursor()

		if desc {
			k, v := c.Seek(hi)
			if k == nil {
				k, v = c.Last()
			} else if bytes.Compare(k, hi) > 0 {
				k, v = c.Prev()
			}
			for ; k != nil && bytes.Compare(k, lo) >= 0; k, v = c.Prev() {
				key, ok := DecodeKey(k)
				if !ok {
					return errors.Errorf("malformed key %x in table %d", k, table)
				}
				if !handler(key, cloneBytes(v)) {
					return nil
				}
			}
			return nil
		}

		for k, v := c.Seek(lo); k != nil && bytes.Compare(k, hi) <= 0; k, v = c.Next() {
			key, ok := DecodeKey(k)
			if !ok {
				return errors.Errorf("malformed key %x in table %d", k, table)
			}
			if !handler(key, cloneBytes(v)) {
				return nil
			}
		}
		return nil
	})
	return storageErr(err, "scan")
}

// Commit applies the batch inside a single bbolt read-write transaction, so
// any failure rolls the whole batch back.
func (s *BoltStore) Commit(batch *Batch) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		catalog := tx.Bucket(catalogBucket)
		for _, t := range batch.Tables {
			id := encodeTableID(t.ID)
			if catalog.Get(id) != nil {
				return tableExists(t.ID)
			}
			if _, err := tx.CreateBucket(id); err != nil {
				return errors.Wrapf(err, "create bucket for table %d", t.ID)
			}
			if err := catalog.Put(id, []byte(t.Name)); err != nil {
				return err
			}
		}

		for _, op := range batch.Ops {
			b := tableBucket(tx, op.Table)
			if b == nil {
				return tableNotFound(op.Table)
			}
			switch op.Kind {
			case OpPut:
				value := op.Value
				if value == nil {
					value = []byte{}
				}
				if err := b.Put(EncodeKey(op.Key), value); err != nil {
					return err
				}
			case OpDelete:
				if err := b.Delete(EncodeKey(op.Key)); err != nil {
					return err
				}
			default:
				return errors.Errorf("unknown batch op kind %d", op.Kind)
			}
		}
		return nil
	})
	return storageErr(err, "commit")
}

func (s *BoltStore) Close() error {
	return storageErr(s.db.Close(), "close")
}
