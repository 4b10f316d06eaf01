package docstore

import (
	"encoding/binary"
	"fmt"
)

// encodeUpdateBundle/decodeUpdateBundle give MemStore a self-describing
// representation for "changes since genesis": a count followed by
// length-prefixed update byte strings. This is MemStore's private
// serialization, not part of the wire protocol (internal/proto owns that).
func encodeUpdateBundle(updates [][]byte) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(updates)))
	for _, u := range updates {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(u)))
		buf = append(buf, lenBuf...)
		buf = append(buf, u...)
	}
	return buf
}

func decodeUpdateBundle(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("docstore: truncated bundle")
	}
	count := binary.BigEndian.Uint32(data)
	pos := 4
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data)-pos < 4 {
			return nil, fmt.Errorf("docstore: truncated bundle entry")
		}
		n := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		if len(data)-pos < int(n) {
			return nil, fmt.Errorf("docstore: truncated bundle payload")
		}
		out = append(out, data[pos:pos+int(n)])
		pos += int(n)
	}
	return out, nil
}
