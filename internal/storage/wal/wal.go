package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ErrCorrupt is returned by Replay when a record fails its checksum.
var ErrCorrupt = errors.New("wal: record checksum mismatch")

const headerSize = 4

// WAL is an append-only log of opaque records.
type WAL struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	noSync bool
}

// Open opens or creates a WAL file. With noSync set, Append does not fsync.
func Open(path string, noSync bool) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal %s", path)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "seek wal %s", path)
	}
	return &WAL{
		f:      f,
		path:   path,
		noSync: noSync,
	}, nil
}

// Path returns the file backing the log.
func (w *WAL) Path() string {
	return w.path
}

// Append writes one record and syncs it.
// Format: Len(4) | Data(N) | CRC(4)
func (w *WAL) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, headerSize+len(data)+4)
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[headerSize:], data)
	binary.BigEndian.PutUint32(buf[headerSize+len(data):], crc32.ChecksumIEEE(data))

	if _, err := w.f.Write(buf); err != nil {
		return errors.Wrap(err, "wal append")
	}
	if w.noSync {
		return nil
	}
	return errors.Wrap(w.f.Sync(), "wal sync")
}

// Replay calls handler for every record from the start of the log, then
// leaves the file positioned for appending. A record cut short by a crash
// is dropped and the file truncated to the last complete record.
func (w *WAL) Replay(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "wal seek")
	}

	info, err := w.f.Stat()
	if err != nil {
		return errors.Wrap(err, "wal stat")
	}
	size := info.Size()

	var offset int64
	lenBuf := make([]byte, headerSize)
	crcBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(w.f, lenBuf); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				return w.truncateLocked(offset)
			}
			return errors.Wrap(err, "wal read")
		}
		length := binary.BigEndian.Uint32(lenBuf)
		// A length running past the end of the file is a torn header.
		if int64(length)+4 > size-offset-headerSize {
			return w.truncateLocked(offset)
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(w.f, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return w.truncateLocked(offset)
			}
			return errors.Wrap(err, "wal read")
		}

		if _, err := io.ReadFull(w.f, crcBuf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return w.truncateLocked(offset)
			}
			return errors.Wrap(err, "wal read")
		}
		if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(crcBuf) {
			return errors.Wrapf(ErrCorrupt, "at offset %d", offset)
		}

		if err := handler(data); err != nil {
			return err
		}
		offset += int64(headerSize) + int64(length) + 4
	}

	_, err = w.f.Seek(0, io.SeekEnd)
	return errors.Wrap(err, "wal seek")
}

func (w *WAL) truncateLocked(offset int64) error {
	if err := w.f.Truncate(offset); err != nil {
		return errors.Wrap(err, "wal truncate torn tail")
	}
	_, err := w.f.Seek(offset, io.SeekStart)
	return errors.Wrap(err, "wal seek")
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
