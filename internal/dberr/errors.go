// Package dberr holds the error taxonomy shared by the storage, transaction,
// executor and protocol layers. Callers wrap these with context and match
// them with errors.Is.
package dberr

import "github.com/pkg/errors"

var (
	// ErrTransactionConflict is an optimistic-concurrency violation on commit,
	// or a write-mode begin while another write transaction holds the slot.
	ErrTransactionConflict = errors.New("transaction conflict")
	// ErrNoActiveTransaction is returned by commit when nothing is active.
	ErrNoActiveTransaction = errors.New("no active transaction")
	// ErrReadOnlyTransaction is a write attempted inside a read transaction.
	ErrReadOnlyTransaction = errors.New("write in read-only transaction")

	ErrTableAlreadyExists = errors.New("table already exists")
	ErrTableNotFound      = errors.New("table not found")
	// ErrKeyNotFound never reaches clients: reads report absence instead.
	ErrKeyNotFound = errors.New("key not found")

	ErrDecode         = errors.New("decode error")
	ErrNotImplemented = errors.New("not implemented")
	ErrIO             = errors.New("i/o error")
	// ErrStorage marks failures reported by the storage engine itself.
	ErrStorage = errors.New("storage error")
)

// Storage wraps an engine failure so it can be told apart from logical errors.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	return &storageError{op: op, err: err}
}

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return "storage " + e.op + ": " + e.err.Error() }

func (e *storageError) Unwrap() error { return e.err }

func (e *storageError) Is(target error) bool { return target == ErrStorage }
