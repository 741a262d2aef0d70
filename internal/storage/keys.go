package storage

import "encoding/binary"

// EncodeKey maps an int64 to 8 bytes whose byte order matches numeric order:
// big-endian with the sign bit flipped, so negative keys sort first.
func EncodeKey(key int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(key)^(1<<63))
	return buf
}

// DecodeKey reverses EncodeKey.
func DecodeKey(b []byte) (int64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), true
}

// encodeTableID gives table buckets and catalog entries a fixed-width name.
func encodeTableID(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func decodeTableID(b []byte) (uint32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

// emptyRange reports whether [start, end] holds no keys.
func emptyRange(start, end int64) bool {
	return start > end
}

