// Package txn implements the transaction manager: a single write slot,
// begin/commit/abort transitions and optimistic conflict detection at commit.
package txn

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ancdb/ancdb/internal/dberr"
	"github.com/ancdb/ancdb/internal/metrics"
	"github.com/ancdb/ancdb/internal/storage"
)

// Stats counts transaction outcomes since the manager was created.
type Stats struct {
	Begun     uint64
	Committed uint64
	Aborted   uint64
	Conflicts uint64
}

// Manager owns the write slot. At most one write transaction is active at a
// time; read transactions only hold a reader count.
type Manager struct {
	mu      sync.Mutex
	engine  storage.Engine
	active  *Txn
	readers int
	nextID  uint64
	stats   Stats
	log     zerolog.Logger

	tablesCreated func([]storage.TableInfo)
}

func NewManager(engine storage.Engine, log zerolog.Logger) *Manager {
	return &Manager{
		engine: engine,
		log:    log.With().Str("component", "txn").Logger(),
	}
}

// OnTablesCreated registers fn to receive the tables a write transaction
// created. fn runs inside Commit after the flush and before the write slot
// is released, so it must not call back into the Manager.
func (m *Manager) OnTablesCreated(fn func([]storage.TableInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tablesCreated = fn
}

// Begin starts a transaction. A write begin fails with
// ErrTransactionConflict while another write transaction is active.
func (m *Manager) Begin(mode Mode) (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mode == ModeWrite && m.active != nil {
		m.stats.Conflicts++
		metrics.Inc("txn_conflicts")
		return nil, errors.Wrapf(dberr.ErrTransactionConflict, "write transaction %d is already active", m.active.ID)
	}

	m.nextID++
	tx := newTxn(m.nextID, mode, m.engine)
	if mode == ModeWrite {
		m.active = tx
	} else {
		m.readers++
	}
	m.stats.Begun++
	metrics.Inc("txn_begun")

	m.log.Debug().Uint64("txn", tx.ID).Stringer("mode", mode).Msg("begin")
	return tx, nil
}

// Commit finishes tx. A write transaction is validated against the
// committed state and, if nothing it observed has changed, its write set is
// flushed to the engine as one atomic batch. On a failed validation or flush
// the transaction ends up Aborted.
func (m *Manager) Commit(tx *Txn) error {
	if tx == nil {
		return dberr.ErrNoActiveTransaction
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusActive {
		return errors.Wrapf(dberr.ErrNoActiveTransaction, "transaction %d is %s", tx.ID, tx.status)
	}

	if tx.Mode == ModeRead {
		tx.status = StatusCommitted
		m.releaseLocked(tx)
		m.stats.Committed++
		metrics.Inc("txn_committed")
		return nil
	}

	if err := tx.validateLocked(); err != nil {
		m.abortLocked(tx)
		if errors.Is(err, dberr.ErrTransactionConflict) {
			m.stats.Conflicts++
			metrics.Inc("txn_conflicts")
			m.log.Info().Uint64("txn", tx.ID).Err(err).Msg("commit rejected")
			return err
		}
		return dberr.Storage(err, "validate")
	}

	batch := tx.batchLocked()
	if !batch.Empty() {
		if err := m.engine.Commit(batch); err != nil {
			m.abortLocked(tx)
			if errors.Is(err, dberr.ErrTableAlreadyExists) || errors.Is(err, dberr.ErrTableNotFound) {
				m.stats.Conflicts++
				metrics.Inc("txn_conflicts")
				return errors.Wrapf(dberr.ErrTransactionConflict, "flush of transaction %d: %v", tx.ID, err)
			}
			if errors.Is(err, dberr.ErrStorage) {
				return err
			}
			return dberr.Storage(err, "commit")
		}
	}

	if len(tx.created) > 0 && m.tablesCreated != nil {
		created := make([]storage.TableInfo, len(tx.created))
		copy(created, tx.created)
		m.tablesCreated(created)
	}

	tx.status = StatusCommitted
	m.releaseLocked(tx)
	m.stats.Committed++
	metrics.Inc("txn_committed")
	metrics.Add("txn_writes", int64(batch.Len()))

	m.log.Debug().Uint64("txn", tx.ID).Int("writes", batch.Len()).Msg("commit")
	return nil
}

// Abort discards tx. Aborting nil or an already finished transaction is a
// no-op, so Abort never fails.
func (m *Manager) Abort(tx *Txn) error {
	if tx == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusActive {
		return nil
	}
	m.abortLocked(tx)
	m.log.Debug().Uint64("txn", tx.ID).Msg("abort")
	return nil
}

// AbortActive aborts whatever write transaction holds the slot.
func (m *Manager) AbortActive() {
	m.mu.Lock()
	tx := m.active
	m.mu.Unlock()
	m.Abort(tx)
}

func (m *Manager) abortLocked(tx *Txn) {
	tx.status = StatusAborted
	tx.discardLocked()
	m.releaseLocked(tx)
	m.stats.Aborted++
	metrics.Inc("txn_aborted")
}

func (m *Manager) releaseLocked(tx *Txn) {
	if tx.Mode == ModeWrite {
		if m.active == tx {
			m.active = nil
		}
		return
	}
	if m.readers > 0 {
		m.readers--
	}
}

// Active returns the write transaction holding the slot, or nil.
func (m *Manager) Active() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Readers is the number of active read transactions.
func (m *Manager) Readers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readers
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
