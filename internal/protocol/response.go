package protocol

// Response answers exactly one Command and carries its id.
type Response interface {
	ResponseID() uint32
	isResponse()
}

// OK is a successful response.
type OK struct {
	ID     uint32
	Result Result
}

// Error is a failed response. Message is human-readable.
type Error struct {
	ID      uint32
	Message string
}

func (r *OK) ResponseID() uint32    { return r.ID }
func (r *Error) ResponseID() uint32 { return r.ID }
func (*OK) isResponse()             {}
func (*Error) isResponse()          {}

// Result is the payload of an OK response: Success, Value or ScanResult.
type Result interface {
	isResult()
}

// Success reports that a command took effect and returns no data.
type Success struct{}

// Value is the result of a point read. Data is nil when the key is absent;
// a present empty value is a non-nil empty slice.
type Value struct {
	Data []byte
}

// Entry is one key/value pair of a ScanResult.
type Entry struct {
	Key   int64
	Value []byte
}

// ScanResult lists the pairs selected by a RangeScan in scan order.
type ScanResult struct {
	Entries []Entry
}

func (Success) isResult()     {}
func (*Value) isResult()      {}
func (*ScanResult) isResult() {}

const (
	tagOk         = "Ok"
	tagError      = "Error"
	tagSuccess    = "Success"
	tagValue      = "Value"
	tagScanResult = "ScanResult"
)
