package blobstore

import "encoding/binary"

// encodeMetaFile/decodeMetaFile give the mime sidecar a self-describing
// binary layout: count, then repeated (hash-len, hash, mime-len, mime).
// Hashes are fixed-form hex digests so this never needs to be anything
// more than a flat list, rewritten whole on each save.
func encodeMetaFile(m map[string]Meta) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(m)))
	for hash, meta := range m {
		buf = appendLP(buf, []byte(hash))
		buf = appendLP(buf, []byte(meta.Mime))
	}
	return buf
}

func appendLP(buf, field []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(field)))
	buf = append(buf, lenBuf...)
	buf = append(buf, field...)
	return buf
}

func decodeMetaFile(data []byte, out map[string]Meta) {
	if len(data) < 4 {
		return
	}
	count := binary.BigEndian.Uint32(data)
	pos := 4
	for i := uint32(0); i < count; i++ {
		hash, next, ok := readLP(data, pos)
		if !ok {
			return
		}
		pos = next
		mime, next, ok := readLP(data, pos)
		if !ok {
			return
		}
		pos = next
		out[string(hash)] = Meta{Mime: string(mime)}
	}
}

func readLP(data []byte, pos int) ([]byte, int, bool) {
	if len(data)-pos < 4 {
		return nil, 0, false
	}
	n := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if len(data)-pos < n {
		return nil, 0, false
	}
	return data[pos : pos+n], pos + n, true
}
