package executor

import (
	"github.com/pkg/errors"

	"github.com/ancdb/ancdb/internal/dberr"
	"github.com/ancdb/ancdb/internal/protocol"
	"github.com/ancdb/ancdb/internal/txn"
)

var errSessionBusy = errors.Wrap(dberr.ErrTransactionConflict, "transaction already open on this session")

// call handles one command for one session.
type call struct {
	e *Executor
	s *Session
}

var _ protocol.Handler = (*call)(nil)

// write runs fn in the session's transaction, or in a transaction of its own
// when the session has none. A storage failure inside the session's
// transaction aborts it.
func (c *call) write(fn func(tx *txn.Txn) error) error {
	tx := c.s.tx
	if tx == nil {
		return c.e.db.Update(fn)
	}
	err := fn(tx)
	if errors.Is(err, dberr.ErrStorage) {
		c.e.db.Abort(tx)
		c.s.tx = nil
	}
	return err
}

func (c *call) CreateTable(cmd *protocol.CreateTable) (protocol.Result, error) {
	err := c.write(func(tx *txn.Txn) error {
		return c.e.db.CreateTable(tx, cmd.TableID, cmd.TableName)
	})
	if err != nil {
		return nil, err
	}
	return protocol.Success{}, nil
}

func (c *call) Put(cmd *protocol.Put) (protocol.Result, error) {
	err := c.write(func(tx *txn.Txn) error {
		return c.e.db.Put(tx, cmd.TableID, cmd.Key, cmd.Value)
	})
	if err != nil {
		return nil, err
	}
	return protocol.Success{}, nil
}

func (c *call) Delete(cmd *protocol.Delete) (protocol.Result, error) {
	err := c.write(func(tx *txn.Txn) error {
		return c.e.db.Delete(tx, cmd.TableID, cmd.Key)
	})
	if err != nil {
		return nil, err
	}
	return protocol.Success{}, nil
}

func (c *call) DirectRead(cmd *protocol.DirectRead) (protocol.Result, error) {
	value, ok, err := c.e.db.Read(cmd.TableID, cmd.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &protocol.Value{}, nil
	}
	if value == nil {
		value = []byte{}
	}
	return &protocol.Value{Data: value}, nil
}

func (c *call) RangeScan(cmd *protocol.RangeScan) (protocol.Result, error) {
	entries, err := c.e.db.RangeScan(cmd.TableID, cmd.StartKey, cmd.EndKey, cmd.Desc, cmd.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Entry, len(entries))
	for i, ent := range entries {
		out[i] = protocol.Entry{Key: ent.Key, Value: ent.Value}
	}
	return &protocol.ScanResult{Entries: out}, nil
}

func (c *call) BeginTransaction(cmd *protocol.BeginTransaction) (protocol.Result, error) {
	if c.s.tx != nil {
		return nil, errSessionBusy
	}
	mode, err := txn.ParseMode(cmd.Mode)
	if err != nil {
		return nil, err
	}
	tx, err := c.e.db.Begin(mode)
	if err != nil {
		return nil, err
	}
	c.s.tx = tx
	return protocol.Success{}, nil
}

func (c *call) CommitTransaction(*protocol.CommitTransaction) (protocol.Result, error) {
	tx := c.s.tx
	if tx == nil {
		return nil, dberr.ErrNoActiveTransaction
	}
	c.s.tx = nil
	if err := c.e.db.Commit(tx); err != nil {
		return nil, err
	}
	return protocol.Success{}, nil
}

func (c *call) AbortTransaction(*protocol.AbortTransaction) (protocol.Result, error) {
	tx := c.s.tx
	if tx == nil {
		return protocol.Success{}, nil
	}
	c.s.tx = nil
	if err := c.e.db.Abort(tx); err != nil {
		return nil, err
	}
	return protocol.Success{}, nil
}
