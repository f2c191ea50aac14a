// internal/ble/protocol/chunk.go
package protocol

import (
	"encoding/hex"
	"strconv"
)

// Chunk sizes used by the firmware's upload receivers. Both leave room for
// the CHUNK:<index>: prefix under the ~512 byte ATT write limit; ringtone
// chunks are hex encoded so they double in size on the wire.
const (
	FontChunkSize     = 400
	RingtoneChunkSize = 180
)

// Encoding selects how chunk payload bytes are placed after the
// CHUNK:<index>: prefix.
type Encoding int

const (
	// EncodingRaw appends the payload bytes unchanged (custom font upload).
	EncodingRaw Encoding = iota
	// EncodingHex appends lower-case ASCII hex (ringtone upload).
	EncodingHex
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingHex:
		return "hex"
	default:
		return "encoding(" + strconv.Itoa(int(e)) + ")"
	}
}

// ChunkCount returns ceil(total/size). It returns 0 when size <= 0.
func ChunkCount(total, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// SplitPayload slices payload into consecutive chunks of at most size bytes.
// Every chunk is exactly size bytes except possibly the last. The returned
// slices alias payload. Returns nil for an empty payload or size <= 0.
func SplitPayload(payload []byte, size int) [][]byte {
	n := ChunkCount(len(payload), size)
	if n == 0 {
		return nil
	}
	chunks := make([][]byte, 0, n)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end:end])
	}
	return chunks
}

// StartFrame encodes START:<totalBytes>:<totalChunks>.
func StartFrame(totalBytes, totalChunks int) []byte {
	return []byte("START:" + strconv.Itoa(totalBytes) + ":" + strconv.Itoa(totalChunks))
}

// ChunkFrame encodes CHUNK:<index>:<payload> using enc for the payload part.
func ChunkFrame(index int, chunk []byte, enc Encoding) []byte {
	prefix := "CHUNK:" + strconv.Itoa(index) + ":"
	switch enc {
	case EncodingHex:
		buf := make([]byte, len(prefix)+hex.EncodedLen(len(chunk)))
		copy(buf, prefix)
		hex.Encode(buf[len(prefix):], chunk)
		return buf
	default:
		buf := make([]byte, 0, len(prefix)+len(chunk))
		buf = append(buf, prefix...)
		return append(buf, chunk...)
	}
}

// EndFrame terminates an upload.
func EndFrame() []byte { return []byte(CmdEnd) }
