// Package db ties the storage engine, the table catalog and the transaction
// manager into the Database handle that sessions share.
package db

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/ancdb/ancdb/internal/catalog"
	"github.com/ancdb/ancdb/internal/dberr"
	"github.com/ancdb/ancdb/internal/storage"
	"github.com/ancdb/ancdb/internal/txn"
)

// Entry is one key/value pair returned by a range scan.
type Entry struct {
	Key   int64
	Value []byte
}

// Database owns the engine handle, the catalog and the write slot. It is safe
// for concurrent use by many sessions.
type Database struct {
	engine  storage.Engine
	catalog *catalog.Catalog
	txns    *txn.Manager
	log     zerolog.Logger
}

// Open opens the storage location and loads its catalog.
func Open(kind storage.Kind, path string, opts storage.Options, log zerolog.Logger) (*Database, error) {
	engine, err := storage.Open(kind, path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s engine at %q", kind, path)
	}
	d, err := New(engine, log)
	if err != nil {
		engine.Close()
		return nil, err
	}
	d.log.Info().Str("engine", string(kind)).Str("path", path).Int("tables", d.catalog.Len()).Msg("database opened")
	return d, nil
}

// New wraps an already open engine. The Database takes ownership of it.
func New(engine storage.Engine, log zerolog.Logger) (*Database, error) {
	cat, err := catalog.Load(engine)
	if err != nil {
		return nil, err
	}
	txns := txn.NewManager(engine, log)
	txns.OnTablesCreated(cat.Apply)
	return &Database{
		engine:  engine,
		catalog: cat,
		txns:    txns,
		log:     log.With().Str("component", "db").Logger(),
	}, nil
}

// Close aborts any in-flight write transaction and releases the engine.
func (d *Database) Close() error {
	var err error
	d.txns.AbortActive()
	err = multierr.Append(err, d.engine.Close())
	if err == nil {
		d.log.Info().Msg("database closed")
	}
	return err
}

func (d *Database) Begin(mode txn.Mode) (*txn.Txn, error) {
	return d.txns.Begin(mode)
}

// Commit commits tx. Tables it created reach the catalog before the write
// slot is released.
func (d *Database) Commit(tx *txn.Txn) error {
	return d.txns.Commit(tx)
}

func (d *Database) Abort(tx *txn.Txn) error {
	return d.txns.Abort(tx)
}

// Update runs fn inside a fresh write transaction, committing if fn
// succeeds and aborting otherwise.
func (d *Database) Update(fn func(tx *txn.Txn) error) error {
	tx, err := d.Begin(txn.ModeWrite)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		d.Abort(tx)
		return err
	}
	return d.Commit(tx)
}

// CreateTable stages a new table in tx. The table becomes visible to readers
// once tx commits.
func (d *Database) CreateTable(tx *txn.Txn, id uint32, name string) error {
	if err := requireTx(tx); err != nil {
		return err
	}
	if _, ok := d.catalog.Lookup(id); ok {
		return errors.Wrapf(dberr.ErrTableAlreadyExists, "table %d", id)
	}
	return tx.CreateTable(id, name)
}

// Put stages value at key in tx.
func (d *Database) Put(tx *txn.Txn, table uint32, key int64, value []byte) error {
	if err := d.requireWritableTable(tx, table); err != nil {
		return err
	}
	return tx.Put(table, key, value)
}

// Delete stages the removal of key in tx.
func (d *Database) Delete(tx *txn.Txn, table uint32, key int64) error {
	if err := d.requireWritableTable(tx, table); err != nil {
		return err
	}
	return tx.Delete(table, key)
}

func (d *Database) requireWritableTable(tx *txn.Txn, table uint32) error {
	if err := requireTx(tx); err != nil {
		return err
	}
	if _, ok := d.catalog.Lookup(table); ok || tx.HasStagedTable(table) {
		return nil
	}
	return errors.Wrapf(dberr.ErrTableNotFound, "table %d", table)
}

func requireTx(tx *txn.Txn) error {
	if tx == nil {
		return errors.Wrap(dberr.ErrNoActiveTransaction, "write outside a transaction")
	}
	return nil
}

// Read returns the committed value of key. ok is false when the key is
// absent.
func (d *Database) Read(table uint32, key int64) (value []byte, ok bool, err error) {
	if _, err := d.catalog.Require(table); err != nil {
		return nil, false, err
	}
	value, ok, err = d.engine.Get(table, key)
	if err != nil {
		return nil, false, storageFailure(err, "read")
	}
	return value, ok, nil
}

// RangeScan returns committed entries with start <= key <= end, ascending
// unless desc, truncated to limit entries.
func (d *Database) RangeScan(table uint32, start, end int64, desc bool, limit uint64) ([]Entry, error) {
	if _, err := d.catalog.Require(table); err != nil {
		return nil, err
	}
	if start > end || limit == 0 {
		return []Entry{}, nil
	}

	out := []Entry{}
	err := d.engine.Scan(table, start, end, desc, func(key int64, value []byte) bool {
		out = append(out, Entry{Key: key, Value: value})
		return uint64(len(out)) < limit
	})
	if err != nil {
		return nil, storageFailure(err, "scan")
	}
	return out, nil
}

// Tables lists the committed catalog.
func (d *Database) Tables() []catalog.Table {
	return d.catalog.List()
}

// Stats reports transaction outcome counters.
func (d *Database) Stats() txn.Stats {
	return d.txns.Stats()
}

// Active returns the write transaction currently holding the slot, or nil.
func (d *Database) Active() *txn.Txn {
	return d.txns.Active()
}

func storageFailure(err error, op string) error {
	if errors.Is(err, dberr.ErrTableNotFound) || errors.Is(err, dberr.ErrStorage) {
		return err
	}
	return dberr.Storage(err, op)
}
