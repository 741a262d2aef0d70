package protocol

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ancdb/ancdb/internal/dberr"
)

func allCommands() []Command {
	return []Command{
		&CreateTable{ID: 1, TableID: 10, TableName: "test_table"},
		&CreateTable{ID: math.MaxUint32, TableID: math.MaxUint32, TableName: ""},
		&Put{ID: 2, TableID: 10, Key: 1, Value: []byte("hello")},
		&Put{ID: 3, TableID: 0, Key: math.MinInt64, Value: []byte{}},
		&Put{ID: 4, TableID: 7, Key: math.MaxInt64, Value: []byte{0, 0xff, 0x80}},
		&Delete{ID: 5, TableID: 10, Key: -1},
		&DirectRead{ID: 6, TableID: 10, Key: 300},
		&RangeScan{ID: 7, TableID: 10, StartKey: -5, EndKey: 5, Desc: true, Limit: 2},
		&RangeScan{ID: 8, TableID: 10, StartKey: math.MinInt64, EndKey: math.MaxInt64, Limit: math.MaxUint64},
		&BeginTransaction{ID: 9, Mode: ModeWrite},
		&BeginTransaction{ID: 10, Mode: ModeRead},
		&CommitTransaction{ID: 11},
		&AbortTransaction{ID: 12},
	}
}

func TestCommandRoundTrip(t *testing.T) {
	for _, c := range allCommands() {
		data, err := EncodeCommand(c)
		require.NoError(t, err, c.Name())

		got, err := DecodeCommand(data)
		require.NoError(t, err, c.Name())
		assert.Equal(t, c, got)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	responses := []Response{
		&OK{ID: 1, Result: Success{}},
		&OK{ID: 2, Result: &Value{Data: []byte("hello")}},
		&OK{ID: 3, Result: &Value{Data: []byte{}}},
		&OK{ID: 4, Result: &Value{}},
		&OK{ID: 5, Result: &ScanResult{Entries: []Entry{}}},
		&OK{ID: 6, Result: &ScanResult{Entries: []Entry{
			{Key: math.MinInt64, Value: []byte("a")},
			{Key: 3, Value: []byte{}},
		}}},
		&Error{ID: 7, Message: "Transaction conflict"},
		&Error{ID: 0, Message: ""},
	}
	for _, r := range responses {
		data, err := EncodeResponse(r)
		require.NoError(t, err)

		got, err := DecodeResponse(data)
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
}

// Results that have more than one Go spelling encode like their canonical
// form and decode to it.
func TestResponseCanonicalForms(t *testing.T) {
	tests := []struct {
		name      string
		in        Result
		canonical Result
	}{
		{"nil result", nil, Success{}},
		{"success pointer", &Success{}, Success{}},
		{"nil value pointer", (*Value)(nil), &Value{}},
		{"nil scan pointer", (*ScanResult)(nil), &ScanResult{Entries: []Entry{}}},
		{"nil scan entries", &ScanResult{}, &ScanResult{Entries: []Entry{}}},
		{"nil entry value", &ScanResult{Entries: []Entry{{Key: 1}}}, &ScanResult{Entries: []Entry{{Key: 1, Value: []byte{}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeResponse(&OK{ID: 5, Result: tt.in})
			require.NoError(t, err)
			want, err := EncodeResponse(&OK{ID: 5, Result: tt.canonical})
			require.NoError(t, err)
			assert.Equal(t, want, data)

			got, err := DecodeResponse(data)
			require.NoError(t, err)
			assert.Equal(t, &OK{ID: 5, Result: tt.canonical}, got)
		})
	}

	assert.NotPanics(t, func() { MustEncodeResponse(&OK{ID: 5}) })
}

func TestResponseLayout(t *testing.T) {
	data, err := EncodeResponse(&OK{ID: 1, Result: Success{}})
	require.NoError(t, err)
	want := append([]byte{0x81, 0xa2, 'O', 'k', 0x92, 0x01, 0xa7}, "Success"...)
	assert.Equal(t, want, data)

	data, err = EncodeResponse(&OK{ID: 2, Result: &Value{}})
	require.NoError(t, err)
	want = append([]byte{0x81, 0xa2, 'O', 'k', 0x92, 0x02, 0x81, 0xa5}, "Value"...)
	want = append(want, 0xc0)
	assert.Equal(t, want, data)

	data, err = EncodeResponse(&Error{ID: 3, Message: "x"})
	require.NoError(t, err)
	want = append([]byte{0x81, 0xa5}, "Error"...)
	want = append(want, 0x92, 0x03, 0xa1, 'x')
	assert.Equal(t, want, data)
}

func TestDecodeAcceptsByteArraysAndWideInts(t *testing.T) {
	data, err := msgpack.Marshal(map[string]interface{}{
		"Put": []interface{}{uint64(42), int64(10), int8(-3), []int{104, 105}},
	})
	require.NoError(t, err)

	c, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, &Put{ID: 42, TableID: 10, Key: -3, Value: []byte("hi")}, c)

	data, err = msgpack.Marshal(map[string]interface{}{
		"CreateTable": []interface{}{1, 10, "test_table"},
	})
	require.NoError(t, err)

	c, err = DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, &CreateTable{ID: 1, TableID: 10, TableName: "test_table"}, c)
	assert.Equal(t, "CreateTable", c.Name())
}

func TestDecodeErrors(t *testing.T) {
	marshal := func(v interface{}) []byte {
		data, err := msgpack.Marshal(v)
		require.NoError(t, err)
		return data
	}
	valid, err := EncodeCommand(&CommitTransaction{ID: 3})
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		want   error
		wantID uint32
	}{
		{"empty", nil, dberr.ErrDecode, 0},
		{"not a map", marshal(12), dberr.ErrDecode, 0},
		{"two entries", marshal(map[string]interface{}{"Put": []int{1}, "Delete": []int{1}}), dberr.ErrDecode, 0},
		{"unknown variant", marshal(map[string]interface{}{"Compact": []interface{}{7, 1}}), dberr.ErrNotImplemented, 7},
		{"unknown variant bad id", marshal(map[string]interface{}{"Compact": []interface{}{"x", 1}}), dberr.ErrNotImplemented, 0},
		{"unknown unit variant", marshal("Shutdown"), dberr.ErrNotImplemented, 0},
		{"known variant without fields", marshal("CommitTransaction"), dberr.ErrDecode, 0},
		{"wrong arity", marshal(map[string]interface{}{"Put": []interface{}{5, 1, 2}}), dberr.ErrDecode, 5},
		{"negative table id", marshal(map[string]interface{}{"DirectRead": []interface{}{6, -1, 2}}), dberr.ErrDecode, 6},
		{"table id overflow", marshal(map[string]interface{}{"DirectRead": []interface{}{6, uint64(1) << 32, 2}}), dberr.ErrDecode, 6},
		{"key overflow", marshal(map[string]interface{}{"DirectRead": []interface{}{6, 1, uint64(math.MaxUint64)}}), dberr.ErrDecode, 6},
		{"id overflow", marshal(map[string]interface{}{"CommitTransaction": []interface{}{int64(-2)}}), dberr.ErrDecode, 0},
		{"string for int", marshal(map[string]interface{}{"DirectRead": []interface{}{9, "1", 2}}), dberr.ErrDecode, 9},
		{"nil for bool", marshal(map[string]interface{}{"RangeScan": []interface{}{4, 1, 0, 1, nil, 1}}), dberr.ErrDecode, 4},
		{"byte out of range", marshal(map[string]interface{}{"Put": []interface{}{8, 1, 1, []int{256}}}), dberr.ErrDecode, 8},
		{"trailing bytes", append(append([]byte{}, valid...), 0x00), dberr.ErrDecode, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeCommand(tt.data)
			assert.Nil(t, c)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.wantID, de.ID)
		})
	}
}

func TestDecodeTruncatedInputFails(t *testing.T) {
	for _, c := range allCommands() {
		data, err := EncodeCommand(c)
		require.NoError(t, err)

		for n := 0; n < len(data); n++ {
			assert.NotPanics(t, func() {
				_, err := DecodeCommand(data[:n])
				assert.Error(t, err, "%s truncated to %d bytes", c.Name(), n)
			})
		}
	}
}

func TestDecodeCorruptInputNeverPanics(t *testing.T) {
	for _, c := range allCommands() {
		data, err := EncodeCommand(c)
		require.NoError(t, err)

		for i := range data {
			for _, b := range []byte{0x00, 0x7f, 0x80, 0x90, 0xa0, 0xc0, 0xc4, 0xcf, 0xd3, 0xdc, 0xdd, 0xdf, 0xff} {
				mutated := append([]byte{}, data...)
				mutated[i] = b
				assert.NotPanics(t, func() { DecodeCommand(mutated) })
				assert.NotPanics(t, func() { DecodeResponse(mutated) })
			}
		}
	}
}

type recordingHandler struct {
	called string
}

func (h *recordingHandler) CreateTable(*CreateTable) (Result, error) {
	h.called = tagCreateTable
	return Success{}, nil
}

func (h *recordingHandler) Put(*Put) (Result, error) {
	h.called = tagPut
	return Success{}, nil
}

func (h *recordingHandler) Delete(*Delete) (Result, error) {
	h.called = tagDelete
	return Success{}, nil
}

func (h *recordingHandler) DirectRead(*DirectRead) (Result, error) {
	h.called = tagDirectRead
	return &Value{}, nil
}

func (h *recordingHandler) RangeScan(*RangeScan) (Result, error) {
	h.called = tagRangeScan
	return &ScanResult{}, nil
}

func (h *recordingHandler) BeginTransaction(*BeginTransaction) (Result, error) {
	h.called = tagBeginTransaction
	return Success{}, nil
}

func (h *recordingHandler) CommitTransaction(*CommitTransaction) (Result, error) {
	h.called = tagCommitTransaction
	return Success{}, nil
}

func (h *recordingHandler) AbortTransaction(*AbortTransaction) (Result, error) {
	h.called = tagAbortTransaction
	return Success{}, nil
}

func TestDispatch(t *testing.T) {
	h := &recordingHandler{}
	for _, c := range allCommands() {
		_, err := c.Dispatch(h)
		require.NoError(t, err)
		assert.Equal(t, c.Name(), h.called)
	}
}

func TestPeekIDLeavesDecoderClean(t *testing.T) {
	data, err := msgpack.Marshal([]interface{}{"not an id"})
	require.NoError(t, err)

	d := newDecoder(data)
	n := d.arrayLen()
	require.NoError(t, d.err)
	assert.Zero(t, d.peekID(n))
	assert.NoError(t, d.err)
}
