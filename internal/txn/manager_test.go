package txn

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ancdb/ancdb/internal/dberr"
	"github.com/ancdb/ancdb/internal/storage"
)

func newManager(t *testing.T) (*Manager, *storage.MemoryStore) {
	t.Helper()
	e := storage.NewMemoryStore()
	require.NoError(t, e.CreateTable(1, "t"))
	return NewManager(e, zerolog.Nop()), e
}

func TestBeginCommitWrite(t *testing.T) {
	m, e := newManager(t)

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, tx.Status())
	assert.Same(t, tx, m.Active())

	require.NoError(t, tx.Put(1, 10, []byte("a")))
	require.NoError(t, tx.Put(1, 10, []byte("b")))
	require.NoError(t, tx.Put(1, 11, []byte("c")))
	assert.Equal(t, 2, tx.Len())

	// Staged writes are invisible until commit.
	_, ok, _ := e.Get(1, 10)
	assert.False(t, ok)

	require.NoError(t, m.Commit(tx))
	assert.Equal(t, StatusCommitted, tx.Status())
	assert.Nil(t, m.Active())

	v, ok, err := e.Get(1, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", string(v))
}

func TestSecondWriteBeginConflicts(t *testing.T) {
	m, _ := newManager(t)

	tx1, err := m.Begin(ModeWrite)
	require.NoError(t, err)

	_, err = m.Begin(ModeWrite)
	assert.True(t, errors.Is(err, dberr.ErrTransactionConflict), "got %v", err)

	// Readers never conflict, with each other or with the writer.
	r1, err := m.Begin(ModeRead)
	require.NoError(t, err)
	r2, err := m.Begin(ModeRead)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Readers())

	require.NoError(t, m.Commit(r1))
	require.NoError(t, m.Commit(r2))
	assert.Equal(t, 0, m.Readers())

	require.NoError(t, m.Commit(tx1))

	// The slot is free again.
	tx3, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	require.NoError(t, m.Abort(tx3))
}

func TestCommitDetectsChangedKey(t *testing.T) {
	m, e := newManager(t)
	require.NoError(t, e.Put(1, 5, []byte("orig")))

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, 5, []byte("mine")))

	// Another writer changes the same key behind the transaction's back.
	require.NoError(t, e.Put(1, 5, []byte("theirs")))

	err = m.Commit(tx)
	assert.True(t, errors.Is(err, dberr.ErrTransactionConflict), "got %v", err)
	assert.Equal(t, StatusAborted, tx.Status())
	assert.Nil(t, m.Active())

	v, _, _ := e.Get(1, 5)
	assert.Equal(t, "theirs", string(v), "the conflicting write must not overwrite")
	assert.Equal(t, uint64(1), m.Stats().Conflicts)
}

func TestCommitDetectsInsertOfAbsentKey(t *testing.T) {
	m, e := newManager(t)

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(1, 8))

	require.NoError(t, e.Put(1, 8, []byte("appeared")))

	err = m.Commit(tx)
	assert.True(t, errors.Is(err, dberr.ErrTransactionConflict), "got %v", err)
}

func TestCommitDetectsConcurrentTableCreate(t *testing.T) {
	m, e := newManager(t)

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTable(2, "mine"))
	require.NoError(t, tx.Put(2, 1, []byte("x")))

	require.NoError(t, e.CreateTable(2, "theirs"))

	err = m.Commit(tx)
	assert.True(t, errors.Is(err, dberr.ErrTransactionConflict), "got %v", err)

	tables, _ := e.Tables()
	assert.Equal(t, "theirs", tables[1].Name)
}

func TestUnrelatedChangeDoesNotConflict(t *testing.T) {
	m, e := newManager(t)

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, 1, []byte("one")))

	require.NoError(t, e.Put(1, 2, []byte("two")))

	require.NoError(t, m.Commit(tx))
}

func TestStagingErrors(t *testing.T) {
	m, _ := newManager(t)

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)

	err = tx.Put(99, 1, []byte("x"))
	assert.True(t, errors.Is(err, dberr.ErrTableNotFound), "got %v", err)

	err = tx.CreateTable(1, "dup")
	assert.True(t, errors.Is(err, dberr.ErrTableAlreadyExists), "got %v", err)

	require.NoError(t, tx.CreateTable(3, "new"))
	err = tx.CreateTable(3, "again")
	assert.True(t, errors.Is(err, dberr.ErrTableAlreadyExists), "got %v", err)
	assert.True(t, tx.HasStagedTable(3))

	// A failed staging call leaves the transaction usable.
	require.NoError(t, tx.Put(3, 1, []byte("x")))
	require.NoError(t, m.Commit(tx))
	assert.Equal(t, []storage.TableInfo{{ID: 3, Name: "new"}}, tx.CreatedTables())

	ro, err := m.Begin(ModeRead)
	require.NoError(t, err)
	err = ro.Put(1, 1, []byte("x"))
	assert.True(t, errors.Is(err, dberr.ErrReadOnlyTransaction), "got %v", err)

	// Writing through a finished transaction fails.
	err = tx.Put(1, 1, []byte("late"))
	assert.True(t, errors.Is(err, dberr.ErrNoActiveTransaction), "got %v", err)
}

func TestCommitWithoutTransaction(t *testing.T) {
	m, _ := newManager(t)

	err := m.Commit(nil)
	assert.True(t, errors.Is(err, dberr.ErrNoActiveTransaction))

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	require.NoError(t, m.Commit(tx))

	err = m.Commit(tx)
	assert.True(t, errors.Is(err, dberr.ErrNoActiveTransaction), "double commit, got %v", err)
}

func TestAbortIsIdempotent(t *testing.T) {
	m, e := newManager(t)

	for i := 0; i < 3; i++ {
		assert.NoError(t, m.Abort(nil))
	}
	assert.Equal(t, Stats{}, m.Stats())

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, 1, []byte("discard me")))

	require.NoError(t, m.Abort(tx))
	require.NoError(t, m.Abort(tx))
	assert.Equal(t, StatusAborted, tx.Status())
	assert.Equal(t, 0, tx.Len())
	assert.Nil(t, m.Active())
	assert.Equal(t, uint64(1), m.Stats().Aborted)

	_, ok, _ := e.Get(1, 1)
	assert.False(t, ok)

	// Aborting a committed transaction changes nothing.
	tx2, _ := m.Begin(ModeWrite)
	require.NoError(t, m.Commit(tx2))
	require.NoError(t, m.Abort(tx2))
	assert.Equal(t, StatusCommitted, tx2.Status())
}

func TestAbortActive(t *testing.T) {
	m, _ := newManager(t)
	m.AbortActive()

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	m.AbortActive()
	assert.Equal(t, StatusAborted, tx.Status())
	assert.Nil(t, m.Active())
}

func TestParseMode(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"Read", ModeRead, true},
		{"Write", ModeWrite, true},
		{"write", 0, false},
		{"", 0, false},
	} {
		got, err := ParseMode(tt.in)
		if tt.ok {
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}

func TestTablesCreatedRunsBeforeSlotRelease(t *testing.T) {
	m, _ := newManager(t)

	var published []storage.TableInfo
	m.OnTablesCreated(func(created []storage.TableInfo) {
		// The manager lock is still held, so no other writer can begin.
		assert.False(t, m.mu.TryLock())
		assert.NotNil(t, m.active)
		published = created
	})

	tx, err := m.Begin(ModeWrite)
	require.NoError(t, err)
	require.NoError(t, tx.CreateTable(5, "five"))
	require.NoError(t, m.Commit(tx))
	assert.Equal(t, []storage.TableInfo{{ID: 5, Name: "five"}}, published)
	assert.Nil(t, m.Active())

	// Commits without creations do not call the hook.
	published = nil
	tx, err = m.Begin(ModeWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, 1, []byte("x")))
	require.NoError(t, m.Commit(tx))
	assert.Nil(t, published)
}
