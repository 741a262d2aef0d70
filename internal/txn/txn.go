package txn

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/ancdb/ancdb/internal/dberr"
	"github.com/ancdb/ancdb/internal/storage"
)

// Mode is the access mode a transaction is begun with.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "Read"
	case ModeWrite:
		return "Write"
	default:
		return "Unknown"
	}
}

// ParseMode accepts the wire spelling of a mode: "Read" or "Write".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "Read":
		return ModeRead, nil
	case "Write":
		return ModeWrite, nil
	default:
		return 0, errors.Wrapf(dberr.ErrDecode, "unknown transaction mode %q", s)
	}
}

type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusCommitted:
		return "Committed"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Reader is the committed state a transaction snapshots and later
// validates against. storage.Engine satisfies it.
type Reader interface {
	Get(table uint32, key int64) ([]byte, bool, error)
	HasTable(id uint32) (bool, error)
}

type keyRef struct {
	table uint32
	key   int64
}

// write is a staged put or delete.
type write struct {
	keyRef
	value []byte
	del   bool
}

func lessWrite(a, b write) bool {
	if a.table != b.table {
		return a.table < b.table
	}
	return a.key < b.key
}

// observed is the committed state of a key at first touch.
type observed struct {
	value  []byte
	exists bool
}

// Txn is a single transaction. Writes are staged in memory and reach the
// engine only when the Manager commits them.
type Txn struct {
	ID        uint64
	Mode      Mode
	StartTime time.Time

	reader Reader

	mu     sync.Mutex
	status Status
	writes *btree.BTreeG[write]

	created     []storage.TableInfo
	createdByID map[uint32]bool

	// snapshot of everything the transaction touched
	keys   map[keyRef]observed
	tables map[uint32]bool
}

func newTxn(id uint64, mode Mode, reader Reader) *Txn {
	return &Txn{
		ID:          id,
		Mode:        mode,
		StartTime:   time.Now(),
		reader:      reader,
		status:      StatusActive,
		writes:      btree.NewG[write](16, lessWrite),
		createdByID: make(map[uint32]bool),
		keys:        make(map[keyRef]observed),
		tables:      make(map[uint32]bool),
	}
}

func (t *Txn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Txn) Active() bool {
	return t.Status() == StatusActive
}

// Len is the number of staged table creations and key writes.
func (t *Txn) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.created) + t.writes.Len()
}

// CreatedTables lists the table creations staged (or, after commit,
// applied) by the transaction in the order they were issued.
func (t *Txn) CreatedTables() []storage.TableInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]storage.TableInfo, len(t.created))
	copy(out, t.created)
	return out
}

// HasStagedTable reports whether the transaction itself creates table id.
func (t *Txn) HasStagedTable(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createdByID[id]
}

func (t *Txn) checkWritableLocked() error {
	if t.status != StatusActive {
		return errors.Wrapf(dberr.ErrNoActiveTransaction, "transaction %d is %s", t.ID, t.status)
	}
	if t.Mode != ModeWrite {
		return errors.Wrapf(dberr.ErrReadOnlyTransaction, "transaction %d", t.ID)
	}
	return nil
}

// observeTableLocked records whether table id exists in committed state the
// first time the transaction depends on it.
func (t *Txn) observeTableLocked(id uint32) (bool, error) {
	if exists, ok := t.tables[id]; ok {
		return exists, nil
	}
	exists, err := t.reader.HasTable(id)
	if err != nil {
		return false, err
	}
	t.tables[id] = exists
	return exists, nil
}

func (t *Txn) observeKeyLocked(ref keyRef) error {
	if _, ok := t.keys[ref]; ok {
		return nil
	}
	value, exists, err := t.reader.Get(ref.table, ref.key)
	if err != nil {
		return err
	}
	t.keys[ref] = observed{value: value, exists: exists}
	return nil
}

// CreateTable stages the creation of a table.
func (t *Txn) CreateTable(id uint32, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWritableLocked(); err != nil {
		return err
	}
	if t.createdByID[id] {
		return errors.Wrapf(dberr.ErrTableAlreadyExists, "table %d", id)
	}
	exists, err := t.observeTableLocked(id)
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrapf(dberr.ErrTableAlreadyExists, "table %d", id)
	}

	t.created = append(t.created, storage.TableInfo{ID: id, Name: name})
	t.createdByID[id] = true
	return nil
}

// Put stages a write of value at key.
func (t *Txn) Put(table uint32, key int64, value []byte) error {
	return t.stage(table, key, value, false)
}

// Delete stages the removal of key. Deleting an absent key is not an error.
func (t *Txn) Delete(table uint32, key int64) error {
	return t.stage(table, key, nil, true)
}

func (t *Txn) stage(table uint32, key int64, value []byte, del bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWritableLocked(); err != nil {
		return err
	}

	ref := keyRef{table: table, key: key}
	if !t.createdByID[table] {
		exists, err := t.observeTableLocked(table)
		if err != nil {
			return err
		}
		if !exists {
			return errors.Wrapf(dberr.ErrTableNotFound, "table %d", table)
		}
		if err := t.observeKeyLocked(ref); err != nil {
			return err
		}
	}

	var v []byte
	if !del {
		v = make([]byte, len(value))
		copy(v, value)
	}
	t.writes.ReplaceOrInsert(write{keyRef: ref, value: v, del: del})
	return nil
}

// validateLocked compares every observed table and key with the current
// committed state. Any difference means another writer got there first.
func (t *Txn) validateLocked() error {
	for id, existed := range t.tables {
		exists, err := t.reader.HasTable(id)
		if err != nil {
			return err
		}
		if exists != existed {
			return errors.Wrapf(dberr.ErrTransactionConflict, "table %d changed since transaction %d began", id, t.ID)
		}
	}
	for ref, obs := range t.keys {
		value, exists, err := t.reader.Get(ref.table, ref.key)
		if err != nil {
			return err
		}
		if exists != obs.exists || string(value) != string(obs.value) {
			return errors.Wrapf(dberr.ErrTransactionConflict, "key %d in table %d changed since transaction %d began", ref.key, ref.table, t.ID)
		}
	}
	return nil
}

// batchLocked renders the staged writes in key order.
func (t *Txn) batchLocked() *storage.Batch {
	b := &storage.Batch{}
	for _, info := range t.created {
		b.CreateTable(info.ID, info.Name)
	}
	t.writes.Ascend(func(w write) bool {
		if w.del {
			b.Delete(w.table, w.key)
		} else {
			b.Put(w.table, w.key, w.value)
		}
		return true
	})
	return b
}

func (t *Txn) discardLocked() {
	t.writes.Clear(false)
	t.created = nil
	t.createdByID = make(map[uint32]bool)
	t.keys = make(map[keyRef]observed)
	t.tables = make(map[uint32]bool)
}
