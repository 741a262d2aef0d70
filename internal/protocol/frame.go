package protocol

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/ancdb/ancdb/internal/dberr"
)

// DefaultMaxFrameSize bounds a single payload unless configured otherwise.
const DefaultMaxFrameSize = 64 << 20

const headerSize = 4

var (
	// ErrShortFrame means the stream ended inside a payload. The stream is
	// no longer aligned on a frame boundary, so the session must end.
	ErrShortFrame = errors.Wrap(dberr.ErrIO, "short frame payload")

	// ErrFrameTooLarge means a frame exceeded the size limit. Its payload
	// has been skipped and the next frame can be read.
	ErrFrameTooLarge = errors.New("frame too large")
)

// ReadFrame reads one length-prefixed payload from r. A missing or partial
// length prefix is the normal end of the stream and returns io.EOF.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, io.EOF
	}

	n := binary.BigEndian.Uint32(header[:])
	if max > 0 && n > max {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, errors.Wrapf(ErrShortFrame, "discard %d byte frame: %v", n, err)
		}
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes exceeds limit of %d", n, max)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrapf(ErrShortFrame, "want %d bytes: %v", n, err)
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return errors.Errorf("payload of %d bytes cannot be framed", len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return errors.Wrap(err, "write frame")
}
