package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ancdb/ancdb/internal/dberr"
)

// TableInfo is the persisted catalog entry of a table.
type TableInfo struct {
	ID   uint32 `msgpack:"id"`
	Name string `msgpack:"name"`
}

// Engine is the storage accessor driven by the transaction layer.
// Keys are signed 64-bit integers scoped to a table; values are opaque.
type Engine interface {
	// Get returns the committed value of key. ok is false when the key was
	// never written or has been deleted.
	Get(table uint32, key int64) (value []byte, ok bool, err error)

	Put(table uint32, key int64, value []byte) error
	Delete(table uint32, key int64) error

	// CreateTable registers a table. It fails if the id is already taken.
	CreateTable(id uint32, name string) error
	HasTable(id uint32) (bool, error)
	// Tables lists the catalog sorted by id.
	Tables() ([]TableInfo, error)

	// Scan visits keys in [start, end], ascending or descending.
	// If handler returns false, iteration stops.
	Scan(table uint32, start, end int64, desc bool, handler func(key int64, value []byte) bool) error

	// Commit applies the batch atomically: either every table creation and
	// every write lands, or none does.
	Commit(b *Batch) error

	Close() error
}

// Kind selects an Engine implementation.
type Kind string

const (
	KindBolt   Kind = "bolt"
	KindMemory Kind = "memory"
)

// Options tune an engine at open time.
type Options struct {
	// LockTimeout bounds how long Open waits for another process holding
	// the same storage location.
	LockTimeout time.Duration
	// NoSync skips fsync on commit. Only meant for tests and benchmarks.
	NoSync bool
}

// Open opens the engine of the given kind at path. For KindMemory an empty
// path yields a volatile store; otherwise path is a directory holding the
// write-ahead log.
func Open(kind Kind, path string, opts Options) (Engine, error) {
	switch kind {
	case KindBolt, "":
		if path == "" {
			return nil, errors.New("bolt engine requires a database path")
		}
		return OpenBoltStore(path, opts)
	case KindMemory:
		if path == "" {
			return NewMemoryStore(), nil
		}
		return OpenMemoryStore(path, opts)
	default:
		return nil, errors.Errorf("unknown storage engine %q", kind)
	}
}

// isLogical reports whether err is one of the catalog errors an engine
// raises on purpose, as opposed to an I/O or corruption failure.
func isLogical(err error) bool {
	return errors.Is(err, dberr.ErrTableNotFound) ||
		errors.Is(err, dberr.ErrTableAlreadyExists) ||
		errors.Is(err, dberr.ErrStorage)
}

func storageErr(err error, op string) error {
	if err == nil || isLogical(err) {
		return err
	}
	return dberr.Storage(err, op)
}

func tableNotFound(id uint32) error {
	return errors.Wrapf(dberr.ErrTableNotFound, "table %d", id)
}

func tableExists(id uint32) error {
	return errors.Wrapf(dberr.ErrTableAlreadyExists, "table %d", id)
}
