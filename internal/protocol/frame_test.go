package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ancdb/ancdb/internal/dberr"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte{}))
	require.NoError(t, WriteFrame(&buf, []byte("third")))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	for _, want := range []string{"first", "", "third"} {
		got, err := ReadFrame(&buf, DefaultMaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	_, err := ReadFrame(&buf, DefaultMaxFrameSize)
	assert.Equal(t, io.EOF, err)
}

func TestReadFramePartialHeaderIsEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}), DefaultMaxFrameSize)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameShortPayload(t *testing.T) {
	data := []byte{0, 0, 0, 10, 'a', 'b'}
	_, err := ReadFrame(bytes.NewReader(data), DefaultMaxFrameSize)
	assert.True(t, errors.Is(err, ErrShortFrame), "got %v", err)
	assert.True(t, errors.Is(err, dberr.ErrIO), "got %v", err)
}

func TestReadFrameTooLargeIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte{'x'}, 32)))
	require.NoError(t, WriteFrame(&buf, []byte("next")))

	_, err := ReadFrame(&buf, 16)
	assert.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)

	got, err := ReadFrame(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, "next", string(got))
}

func TestReadFrameTooLargeTruncated(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 1000)
	_, err := ReadFrame(bytes.NewReader(append(header, 'x')), 16)
	assert.True(t, errors.Is(err, ErrShortFrame), "got %v", err)
}

func TestZeroLengthFrameDoesNotDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	payload, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)

	_, err = DecodeCommand(payload)
	assert.True(t, errors.Is(err, dberr.ErrDecode), "got %v", err)
}
