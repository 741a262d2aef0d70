package storage

// OpKind distinguishes writes inside a Batch.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// BatchOp is a single staged write.
type BatchOp struct {
	Kind  OpKind `msgpack:"k"`
	Table uint32 `msgpack:"t"`
	Key   int64  `msgpack:"key"`
	Value []byte `msgpack:"v,omitempty"`
}

// Batch is the unit of atomic commit. Table creations apply before writes,
// so a batch may write into a table it creates.
type Batch struct {
	Tables []TableInfo `msgpack:"tables,omitempty"`
	Ops    []BatchOp   `msgpack:"ops,omitempty"`
}

func (b *Batch) CreateTable(id uint32, name string) {
	b.Tables = append(b.Tables, TableInfo{ID: id, Name: name})
}

func (b *Batch) Put(table uint32, key int64, value []byte) {
	b.Ops = append(b.Ops, BatchOp{Kind: OpPut, Table: table, Key: key, Value: value})
}

func (b *Batch) Delete(table uint32, key int64) {
	b.Ops = append(b.Ops, BatchOp{Kind: OpDelete, Table: table, Key: key})
}

// Len counts table creations and writes.
func (b *Batch) Len() int {
	return len(b.Tables) + len(b.Ops)
}

func (b *Batch) Empty() bool {
	return b.Len() == 0
}
