// Package protocol defines the commands and responses exchanged with clients
// and their MessagePack encoding and length-prefixed framing.
//
// Every message is an externally tagged union: a variant carrying fields is
// a one-entry map from the variant name to an array of its fields in
// declaration order, and a variant without fields is its bare name.
package protocol

// Mode spellings accepted by BeginTransaction.
const (
	ModeRead  = "Read"
	ModeWrite = "Write"
)

// Command is a decoded client request. The set of commands is closed:
// every implementation has a matching Handler method, so adding a command
// does not compile until each Handler handles it.
type Command interface {
	// CommandID is the client-assigned correlation id.
	CommandID() uint32
	// Name is the wire tag of the variant.
	Name() string
	// Dispatch calls the Handler method for the concrete command.
	Dispatch(h Handler) (Result, error)

	arity() int
	encodeFields(e *encoder) error
	decodeFields(d *decoder) error
}

// Handler executes commands.
type Handler interface {
	CreateTable(c *CreateTable) (Result, error)
	Put(c *Put) (Result, error)
	Delete(c *Delete) (Result, error)
	DirectRead(c *DirectRead) (Result, error)
	RangeScan(c *RangeScan) (Result, error)
	BeginTransaction(c *BeginTransaction) (Result, error)
	CommitTransaction(c *CommitTransaction) (Result, error)
	AbortTransaction(c *AbortTransaction) (Result, error)
}

type CreateTable struct {
	ID        uint32
	TableID   uint32
	TableName string
}

type Put struct {
	ID      uint32
	TableID uint32
	Key     int64
	Value   []byte
}

type Delete struct {
	ID      uint32
	TableID uint32
	Key     int64
}

type DirectRead struct {
	ID      uint32
	TableID uint32
	Key     int64
}

// RangeScan selects keys in [StartKey, EndKey], both inclusive.
type RangeScan struct {
	ID       uint32
	TableID  uint32
	StartKey int64
	EndKey   int64
	Desc     bool
	Limit    uint64
}

type BeginTransaction struct {
	ID   uint32
	Mode string
}

type CommitTransaction struct {
	ID uint32
}

type AbortTransaction struct {
	ID uint32
}

const (
	tagCreateTable       = "CreateTable"
	tagPut               = "Put"
	tagDelete            = "Delete"
	tagDirectRead        = "DirectRead"
	tagRangeScan         = "RangeScan"
	tagBeginTransaction  = "BeginTransaction"
	tagCommitTransaction = "CommitTransaction"
	tagAbortTransaction  = "AbortTransaction"
)

// newCommand returns an empty command for a wire tag.
func newCommand(tag string) Command {
	switch tag {
	case tagCreateTable:
		return &CreateTable{}
	case tagPut:
		return &Put{}
	case tagDelete:
		return &Delete{}
	case tagDirectRead:
		return &DirectRead{}
	case tagRangeScan:
		return &RangeScan{}
	case tagBeginTransaction:
		return &BeginTransaction{}
	case tagCommitTransaction:
		return &CommitTransaction{}
	case tagAbortTransaction:
		return &AbortTransaction{}
	}
	return nil
}

func (c *CreateTable) CommandID() uint32                  { return c.ID }
func (c *CreateTable) Name() string                       { return tagCreateTable }
func (c *CreateTable) Dispatch(h Handler) (Result, error) { return h.CreateTable(c) }
func (c *CreateTable) arity() int                         { return 3 }

func (c *CreateTable) encodeFields(e *encoder) error {
	e.uint(uint64(c.ID))
	e.uint(uint64(c.TableID))
	e.string(c.TableName)
	return e.err
}

func (c *CreateTable) decodeFields(d *decoder) error {
	c.ID = d.uint32()
	c.TableID = d.uint32()
	c.TableName = d.string()
	return d.err
}

func (c *Put) CommandID() uint32                  { return c.ID }
func (c *Put) Name() string                       { return tagPut }
func (c *Put) Dispatch(h Handler) (Result, error) { return h.Put(c) }
func (c *Put) arity() int                         { return 4 }

func (c *Put) encodeFields(e *encoder) error {
	e.uint(uint64(c.ID))
	e.uint(uint64(c.TableID))
	e.int(c.Key)
	e.bytes(c.Value)
	return e.err
}

func (c *Put) decodeFields(d *decoder) error {
	c.ID = d.uint32()
	c.TableID = d.uint32()
	c.Key = d.int64()
	c.Value = d.bytes()
	return d.err
}

func (c *Delete) CommandID() uint32                  { return c.ID }
func (c *Delete) Name() string                       { return tagDelete }
func (c *Delete) Dispatch(h Handler) (Result, error) { return h.Delete(c) }
func (c *Delete) arity() int                         { return 3 }

func (c *Delete) encodeFields(e *encoder) error {
	e.uint(uint64(c.ID))
	e.uint(uint64(c.TableID))
	e.int(c.Key)
	return e.err
}

func (c *Delete) decodeFields(d *decoder) error {
	c.ID = d.uint32()
	c.TableID = d.uint32()
	c.Key = d.int64()
	return d.err
}

func (c *DirectRead) CommandID() uint32                  { return c.ID }
func (c *DirectRead) Name() string                       { return tagDirectRead }
func (c *DirectRead) Dispatch(h Handler) (Result, error) { return h.DirectRead(c) }
func (c *DirectRead) arity() int                         { return 3 }

func (c *DirectRead) encodeFields(e *encoder) error {
	e.uint(uint64(c.ID))
	e.uint(uint64(c.TableID))
	e.int(c.Key)
	return e.err
}

func (c *DirectRead) decodeFields(d *decoder) error {
	c.ID = d.uint32()
	c.TableID = d.uint32()
	c.Key = d.int64()
	return d.err
}

func (c *RangeScan) CommandID() uint32                  { return c.ID }
func (c *RangeScan) Name() string                       { return tagRangeScan }
func (c *RangeScan) Dispatch(h Handler) (Result, error) { return h.RangeScan(c) }
func (c *RangeScan) arity() int                         { return 6 }

func (c *RangeScan) encodeFields(e *encoder) error {
	e.uint(uint64(c.ID))
	e.uint(uint64(c.TableID))
	e.int(c.StartKey)
	e.int(c.EndKey)
	e.bool(c.Desc)
	e.uint(c.Limit)
	return e.err
}

func (c *RangeScan) decodeFields(d *decoder) error {
	c.ID = d.uint32()
	c.TableID = d.uint32()
	c.StartKey = d.int64()
	c.EndKey = d.int64()
	c.Desc = d.bool()
	c.Limit = d.uint64()
	return d.err
}

func (c *BeginTransaction) CommandID() uint32                  { return c.ID }
func (c *BeginTransaction) Name() string                       { return tagBeginTransaction }
func (c *BeginTransaction) Dispatch(h Handler) (Result, error) { return h.BeginTransaction(c) }
func (c *BeginTransaction) arity() int                         { return 2 }

func (c *BeginTransaction) encodeFields(e *encoder) error {
	e.uint(uint64(c.ID))
	e.string(c.Mode)
	return e.err
}

func (c *BeginTransaction) decodeFields(d *decoder) error {
	c.ID = d.uint32()
	c.Mode = d.string()
	return d.err
}

func (c *CommitTransaction) CommandID() uint32                  { return c.ID }
func (c *CommitTransaction) Name() string                       { return tagCommitTransaction }
func (c *CommitTransaction) Dispatch(h Handler) (Result, error) { return h.CommitTransaction(c) }
func (c *CommitTransaction) arity() int                         { return 1 }

func (c *CommitTransaction) encodeFields(e *encoder) error {
	e.uint(uint64(c.ID))
	return e.err
}

func (c *CommitTransaction) decodeFields(d *decoder) error {
	c.ID = d.uint32()
	return d.err
}

func (c *AbortTransaction) CommandID() uint32                  { return c.ID }
func (c *AbortTransaction) Name() string                       { return tagAbortTransaction }
func (c *AbortTransaction) Dispatch(h Handler) (Result, error) { return h.AbortTransaction(c) }
func (c *AbortTransaction) arity() int                         { return 1 }

func (c *AbortTransaction) encodeFields(e *encoder) error {
	e.uint(uint64(c.ID))
	return e.err
}

func (c *AbortTransaction) decodeFields(d *decoder) error {
	c.ID = d.uint32()
	return d.err
}
