// Package executor runs decoded protocol commands against a Database on
// behalf of a client session.
package executor

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ancdb/ancdb/internal/db"
	"github.com/ancdb/ancdb/internal/dberr"
	"github.com/ancdb/ancdb/internal/metrics"
	"github.com/ancdb/ancdb/internal/protocol"
	"github.com/ancdb/ancdb/internal/txn"
)

const conflictMessage = "Transaction conflict"

// Session is the per-connection state: the explicit transaction opened by
// BeginTransaction, if any. A Session is used by one goroutine at a time.
type Session struct {
	ID uint64
	tx *txn.Txn
}

// Tx returns the session's explicit transaction, or nil.
func (s *Session) Tx() *txn.Txn {
	return s.tx
}

type Executor struct {
	db       *db.Database
	log      zerolog.Logger
	sessions atomic.Uint64
}

func New(d *db.Database, log zerolog.Logger) *Executor {
	return &Executor{
		db:  d,
		log: log.With().Str("component", "executor").Logger(),
	}
}

// NewSession starts a session with no transaction scope.
func (e *Executor) NewSession() *Session {
	return &Session{ID: e.sessions.Add(1)}
}

// CloseSession aborts the session's open transaction, if any.
func (e *Executor) CloseSession(s *Session) {
	if s.tx == nil {
		return
	}
	e.log.Debug().Uint64("session", s.ID).Uint64("txn", s.tx.ID).Msg("aborting transaction left open by session")
	if err := e.db.Abort(s.tx); err != nil {
		e.log.Warn().Err(err).Uint64("session", s.ID).Msg("abort on session close")
	}
	s.tx = nil
}

// Execute runs c and returns its response. It never fails: every error
// becomes an Error response carrying the command's id.
func (e *Executor) Execute(s *Session, c protocol.Command) protocol.Response {
	start := time.Now()
	result, err := c.Dispatch(&call{e: e, s: s})
	elapsed := time.Since(start)

	metrics.Inc("command_" + c.Name())
	metrics.CommandDuration.WithLabelValues(c.Name()).Observe(elapsed.Seconds())

	if err != nil {
		metrics.Inc("command_errors")
		e.log.Debug().Err(err).Uint64("session", s.ID).Uint32("id", c.CommandID()).
			Str("command", c.Name()).Dur("took", elapsed).Msg("command failed")
		return &protocol.Error{ID: c.CommandID(), Message: Message(err)}
	}
	e.log.Debug().Uint64("session", s.ID).Uint32("id", c.CommandID()).
		Str("command", c.Name()).Dur("took", elapsed).Msg("command done")
	return &protocol.OK{ID: c.CommandID(), Result: result}
}

// Reject builds the response for a payload that could not be decoded.
func (e *Executor) Reject(err error) protocol.Response {
	var id uint32
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		id = de.ID
	}
	metrics.Inc("command_rejected")
	e.log.Debug().Err(err).Uint32("id", id).Msg("rejected payload")
	return &protocol.Error{ID: id, Message: Message(err)}
}

// Message renders err for a client.
func Message(err error) string {
	switch {
	case errors.Is(err, errSessionBusy):
		return conflictMessage + ": transaction already open on this session"
	case errors.Is(err, dberr.ErrTransactionConflict):
		return conflictMessage
	case errors.Is(err, dberr.ErrStorage):
		return "Runtime error: " + err.Error()
	case isKnown(err):
		return err.Error()
	}
	return "Runtime error: " + err.Error()
}

var known = []error{
	dberr.ErrTransactionConflict,
	dberr.ErrNoActiveTransaction,
	dberr.ErrReadOnlyTransaction,
	dberr.ErrTableAlreadyExists,
	dberr.ErrTableNotFound,
	dberr.ErrKeyNotFound,
	dberr.ErrDecode,
	dberr.ErrNotImplemented,
	dberr.ErrIO,
	protocol.ErrFrameTooLarge,
}

func isKnown(err error) bool {
	for _, k := range known {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
