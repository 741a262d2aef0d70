package protocol

import (
	"bytes"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/ancdb/ancdb/internal/dberr"
)

// DecodeError reports a payload that could not be turned into a Command.
// ID is the correlation id when the payload was intact enough to yield one,
// and 0 otherwise.
type DecodeError struct {
	ID  uint32
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeCommand serializes a command to its wire form.
func EncodeCommand(c Command) ([]byte, error) {
	e := newEncoder()
	e.mapLen(1)
	e.string(c.Name())
	e.arrayLen(c.arity())
	if err := c.encodeFields(e); err != nil {
		return nil, errors.Wrapf(err, "encode %s", c.Name())
	}
	return e.buf.Bytes(), nil
}

// DecodeCommand parses one complete payload. Every failure is a
// *DecodeError wrapping dberr.ErrDecode, or dberr.ErrNotImplemented when the
// payload is a well-formed variant this server does not know.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.Wrap(dberr.ErrDecode, "empty payload")}
	}

	d := newDecoder(data)
	tag, fields, unit := d.variant()
	if d.err != nil {
		return nil, &DecodeError{Err: d.err}
	}

	c := newCommand(tag)
	if c == nil {
		id := d.peekID(fields)
		return nil, &DecodeError{ID: id, Err: errors.Wrapf(dberr.ErrNotImplemented, "unknown command %q", tag)}
	}
	if unit {
		return nil, &DecodeError{Err: errors.Wrapf(dberr.ErrDecode, "%s: missing fields", tag)}
	}
	if fields != c.arity() {
		id := d.peekID(fields)
		return nil, &DecodeError{ID: id, Err: errors.Wrapf(dberr.ErrDecode, "%s: expected %d fields, got %d", tag, c.arity(), fields)}
	}

	if err := c.decodeFields(d); err != nil {
		return nil, &DecodeError{ID: c.CommandID(), Err: errors.Wrap(err, tag)}
	}
	if d.r.Len() > 0 {
		return nil, &DecodeError{ID: c.CommandID(), Err: errors.Wrapf(dberr.ErrDecode, "%d trailing bytes", d.r.Len())}
	}
	return c, nil
}

// EncodeResponse serializes a response to its wire form.
func EncodeResponse(r Response) ([]byte, error) {
	e := newEncoder()
	e.mapLen(1)
	switch r := r.(type) {
	case *OK:
		e.string(tagOk)
		e.arrayLen(2)
		e.uint(uint64(r.ID))
		e.result(r.Result)
	case *Error:
		e.string(tagError)
		e.arrayLen(2)
		e.uint(uint64(r.ID))
		e.string(r.Message)
	default:
		return nil, errors.Errorf("unknown response type %T", r)
	}
	if e.err != nil {
		return nil, errors.Wrap(e.err, "encode response")
	}
	return e.buf.Bytes(), nil
}

// MustEncodeResponse is EncodeResponse for responses built by this package's
// own types, where encoding cannot fail.
func MustEncodeResponse(r Response) []byte {
	data, err := EncodeResponse(r)
	if err != nil {
		panic(err)
	}
	return data
}

// DecodeResponse parses one complete response payload.
func DecodeResponse(data []byte) (Response, error) {
	d := newDecoder(data)
	tag, fields, unit := d.variant()
	if d.err != nil {
		return nil, d.err
	}
	if unit || fields != 2 {
		return nil, errors.Wrapf(dberr.ErrDecode, "malformed %s response", tag)
	}

	var resp Response
	switch tag {
	case tagOk:
		id := d.uint32()
		resp = &OK{ID: id, Result: d.result()}
	case tagError:
		id := d.uint32()
		resp = &Error{ID: id, Message: d.string()}
	default:
		return nil, errors.Wrapf(dberr.ErrDecode, "unknown response %q", tag)
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.r.Len() > 0 {
		return nil, errors.Wrapf(dberr.ErrDecode, "%d trailing bytes", d.r.Len())
	}
	return resp, nil
}

type encoder struct {
	buf *bytes.Buffer
	enc *msgpack.Encoder
	err error
}

func newEncoder() *encoder {
	buf := &bytes.Buffer{}
	return &encoder{buf: buf, enc: msgpack.NewEncoder(buf)}
}

func (e *encoder) do(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) mapLen(n int) {
	if e.err == nil {
		e.do(e.enc.EncodeMapLen(n))
	}
}

func (e *encoder) arrayLen(n int) {
	if e.err == nil {
		e.do(e.enc.EncodeArrayLen(n))
	}
}

func (e *encoder) uint(v uint64) {
	if e.err == nil {
		e.do(e.enc.EncodeUint(v))
	}
}

func (e *encoder) int(v int64) {
	if e.err == nil {
		e.do(e.enc.EncodeInt(v))
	}
}

func (e *encoder) bool(v bool) {
	if e.err == nil {
		e.do(e.enc.EncodeBool(v))
	}
}

func (e *encoder) string(v string) {
	if e.err == nil {
		e.do(e.enc.EncodeString(v))
	}
}

// bytes always writes a bin value; msgpack's EncodeBytes turns nil into nil.
func (e *encoder) bytes(v []byte) {
	if v == nil {
		v = []byte{}
	}
	if e.err == nil {
		e.do(e.enc.EncodeBytes(v))
	}
}

// result writes r in its canonical form: a nil Result or *Success is
// Success, a nil *Value is an absent value and a nil *ScanResult is empty.
func (e *encoder) result(r Result) {
	switch r := r.(type) {
	case nil, Success, *Success:
		e.string(tagSuccess)
	case *Value:
		e.mapLen(1)
		e.string(tagValue)
		if r == nil || r.Data == nil {
			if e.err == nil {
				e.do(e.enc.EncodeNil())
			}
			return
		}
		e.bytes(r.Data)
	case *ScanResult:
		var entries []Entry
		if r != nil {
			entries = r.Entries
		}
		e.mapLen(1)
		e.string(tagScanResult)
		e.arrayLen(len(entries))
		for _, ent := range entries {
			e.arrayLen(2)
			e.int(ent.Key)
			e.bytes(ent.Value)
		}
	default:
		e.do(errors.Errorf("unknown result type %T", r))
	}
}

// decoder reads fields in order, remembering the first failure. After a
// failure every read returns the zero value.
type decoder struct {
	r   *bytes.Reader
	dec *msgpack.Decoder
	err error
}

func newDecoder(data []byte) *decoder {
	r := bytes.NewReader(data)
	return &decoder{r: r, dec: msgpack.NewDecoder(r)}
}

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = errors.Wrap(dberr.ErrDecode, fmt.Sprintf(format, args...))
	}
}

func (d *decoder) wrap(err error, what string) {
	if err != nil && d.err == nil {
		d.err = errors.Wrapf(dberr.ErrDecode, "%s: %v", what, err)
	}
}

func (d *decoder) peek() (byte, bool) {
	if d.err != nil {
		return 0, false
	}
	c, err := d.dec.PeekCode()
	if err != nil {
		d.wrap(err, "read")
		return 0, false
	}
	return c, true
}

// variant reads the tag of an externally tagged union. For a variant with
// fields it also consumes the array header and returns the field count.
func (d *decoder) variant() (tag string, fields int, unit bool) {
	c, ok := d.peek()
	if !ok {
		return "", 0, false
	}
	if msgpcode.IsString(c) {
		return d.string(), 0, true
	}
	if !isMap(c) {
		d.fail("expected tagged map, got code 0x%02x", c)
		return "", 0, false
	}
	n, err := d.dec.DecodeMapLen()
	if err != nil {
		d.wrap(err, "map header")
		return "", 0, false
	}
	if n != 1 {
		d.fail("tagged map has %d entries", n)
		return "", 0, false
	}
	tag = d.string()
	fields = d.arrayLen()
	return tag, fields, false
}

// peekID best-effort reads a leading id field. A failed read leaves the
// decoder error unchanged.
func (d *decoder) peekID(fields int) uint32 {
	if fields < 1 || d.err != nil {
		return 0
	}
	id := d.uint32()
	if d.err != nil {
		d.err = nil
		return 0
	}
	return id
}

func (d *decoder) arrayLen() int {
	c, ok := d.peek()
	if !ok {
		return 0
	}
	if !isArray(c) {
		d.fail("expected array, got code 0x%02x", c)
		return 0
	}
	n, err := d.dec.DecodeArrayLen()
	d.wrap(err, "array header")
	return n
}

func (d *decoder) string() string {
	c, ok := d.peek()
	if !ok {
		return ""
	}
	if !msgpcode.IsString(c) {
		d.fail("expected string, got code 0x%02x", c)
		return ""
	}
	s, err := d.dec.DecodeString()
	d.wrap(err, "string")
	return s
}

func (d *decoder) bool() bool {
	c, ok := d.peek()
	if !ok {
		return false
	}
	if c != msgpcode.True && c != msgpcode.False {
		d.fail("expected bool, got code 0x%02x", c)
		return false
	}
	v, err := d.dec.DecodeBool()
	d.wrap(err, "bool")
	return v
}

// unsigned reads any integer encoding and rejects negatives and values
// above max.
func (d *decoder) unsigned(max uint64) uint64 {
	c, ok := d.peek()
	if !ok {
		return 0
	}
	if !isInt(c) {
		d.fail("expected integer, got code 0x%02x", c)
		return 0
	}

	var v uint64
	if isSigned(c) {
		i, err := d.dec.DecodeInt64()
		if err != nil {
			d.wrap(err, "integer")
			return 0
		}
		if i < 0 {
			d.fail("negative value %d for unsigned field", i)
			return 0
		}
		v = uint64(i)
	} else {
		u, err := d.dec.DecodeUint64()
		if err != nil {
			d.wrap(err, "integer")
			return 0
		}
		v = u
	}
	if v > max {
		d.fail("value %d out of range", v)
		return 0
	}
	return v
}

func (d *decoder) uint64() uint64 { return d.unsigned(math.MaxUint64) }
func (d *decoder) uint32() uint32 { return uint32(d.unsigned(math.MaxUint32)) }

func (d *decoder) int64() int64 {
	c, ok := d.peek()
	if !ok {
		return 0
	}
	if !isInt(c) {
		d.fail("expected integer, got code 0x%02x", c)
		return 0
	}
	if c == msgpcode.Uint64 {
		u, err := d.dec.DecodeUint64()
		if err != nil {
			d.wrap(err, "integer")
			return 0
		}
		if u > math.MaxInt64 {
			d.fail("value %d out of range", u)
			return 0
		}
		return int64(u)
	}
	i, err := d.dec.DecodeInt64()
	d.wrap(err, "integer")
	return i
}

// bytes accepts a bin value or an array of small unsigned integers.
func (d *decoder) bytes() []byte {
	c, ok := d.peek()
	if !ok {
		return nil
	}
	switch {
	case msgpcode.IsBin(c):
		b, err := d.dec.DecodeBytes()
		if err != nil {
			d.wrap(err, "bytes")
			return nil
		}
		if b == nil {
			b = []byte{}
		}
		return b
	case isArray(c):
		n := d.arrayLen()
		if d.err != nil {
			return nil
		}
		b := make([]byte, 0, minInt(n, d.r.Len()))
		for i := 0; i < n; i++ {
			v := d.unsigned(math.MaxUint8)
			if d.err != nil {
				return nil
			}
			b = append(b, byte(v))
		}
		return b
	}
	d.fail("expected bytes, got code 0x%02x", c)
	return nil
}

func (d *decoder) result() Result {
	c, ok := d.peek()
	if !ok {
		return nil
	}
	if msgpcode.IsString(c) {
		if tag := d.string(); tag != tagSuccess && d.err == nil {
			d.fail("unknown result %q", tag)
		}
		return Success{}
	}
	if !isMap(c) {
		d.fail("expected result, got code 0x%02x", c)
		return nil
	}
	n, err := d.dec.DecodeMapLen()
	if err != nil || n != 1 {
		d.wrap(err, "result header")
		d.fail("result map has %d entries", n)
		return nil
	}

	switch tag := d.string(); tag {
	case tagValue:
		c, ok := d.peek()
		if !ok {
			return nil
		}
		if c == msgpcode.Nil {
			d.wrap(d.dec.DecodeNil(), "value")
			return &Value{}
		}
		return &Value{Data: d.bytes()}
	case tagScanResult:
		n := d.arrayLen()
		if d.err != nil {
			return nil
		}
		entries := make([]Entry, 0, minInt(n, d.r.Len()))
		for i := 0; i < n && d.err == nil; i++ {
			if d.arrayLen() != 2 && d.err == nil {
				d.fail("scan entry must have 2 fields")
			}
			key := d.int64()
			value := d.bytes()
			entries = append(entries, Entry{Key: key, Value: value})
		}
		return &ScanResult{Entries: entries}
	default:
		d.fail("unknown result %q", tag)
		return nil
	}
}

func isMap(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}

func isArray(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

func isInt(c byte) bool {
	if msgpcode.IsFixedNum(c) {
		return true
	}
	switch c {
	case msgpcode.Uint8, msgpcode.Uint16, msgpcode.Uint32, msgpcode.Uint64,
		msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64:
		return true
	}
	return false
}

func isSigned(c byte) bool {
	if msgpcode.IsFixedNum(c) {
		return c >= msgpcode.NegFixedNumLow
	}
	switch c {
	case msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64:
		return true
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
