// internal/ble/protocol/chunk_test.go
package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func makePayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		total, size, want int
	}{
		{0, 400, 0},
		{1, 400, 1},
		{400, 400, 1},
		{401, 400, 2},
		{1000, 400, 3},
		{1000, 180, 6},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := ChunkCount(tt.total, tt.size); got != tt.want {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", tt.total, tt.size, got, tt.want)
		}
	}
}

func TestSplitPayloadSizes(t *testing.T) {
	chunks := SplitPayload(makePayload(1000), FontChunkSize)
	want := []int{400, 400, 200}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if len(c) != want[i] {
			t.Errorf("chunk[%d] len = %d, want %d", i, len(c), want[i])
		}
	}
}

func TestSplitPayloadReassembles(t *testing.T) {
	for _, size := range []int{1, 3, 180, 400} {
		for _, n := range []int{1, 2, 179, 180, 181, 399, 400, 401, 1000, 1234} {
			payload := makePayload(n)
			chunks := SplitPayload(payload, size)
			if len(chunks) != ChunkCount(n, size) {
				t.Fatalf("len=%d size=%d: got %d chunks, want %d", n, size, len(chunks), ChunkCount(n, size))
			}
			for i, c := range chunks[:len(chunks)-1] {
				if len(c) != size {
					t.Errorf("len=%d size=%d: chunk[%d] len = %d", n, size, i, len(c))
				}
			}
			last := chunks[len(chunks)-1]
			wantLast := n % size
			if wantLast == 0 {
				wantLast = size
			}
			if len(last) != wantLast {
				t.Errorf("len=%d size=%d: last chunk len = %d, want %d", n, size, len(last), wantLast)
			}
			if got := bytes.Join(chunks, nil); !bytes.Equal(got, payload) {
				t.Errorf("len=%d size=%d: reassembled payload differs", n, size)
			}
		}
	}
}

func TestSplitPayloadEmpty(t *testing.T) {
	if chunks := SplitPayload(nil, FontChunkSize); chunks != nil {
		t.Errorf("SplitPayload(nil) = %v, want nil", chunks)
	}
	if chunks := SplitPayload([]byte("abc"), 0); chunks != nil {
		t.Errorf("SplitPayload with size 0 = %v, want nil", chunks)
	}
}

func TestSplitPayloadChunksDoNotAliasBeyondEnd(t *testing.T) {
	payload := makePayload(10)
	chunks := SplitPayload(payload, 4)
	// Appending to a chunk must not clobber the next chunk's bytes.
	_ = append(chunks[0], 0xFF)
	if payload[4] != byte(4*7) {
		t.Errorf("append to chunk[0] overwrote payload[4] = %#x", payload[4])
	}
}

func TestStartAndEndFrames(t *testing.T) {
	if got := string(StartFrame(1000, 3)); got != "START:1000:3" {
		t.Errorf("StartFrame = %q, want %q", got, "START:1000:3")
	}
	if got := string(EndFrame()); got != "END" {
		t.Errorf("EndFrame = %q, want END", got)
	}
}

func TestChunkFrameRaw(t *testing.T) {
	chunk := []byte{0x00, 0x3A, 0xFF}
	got := ChunkFrame(2, chunk, EncodingRaw)
	want := append([]byte("CHUNK:2:"), chunk...)
	if !bytes.Equal(got, want) {
		t.Errorf("ChunkFrame raw = %x, want %x", got, want)
	}
}

func TestChunkFrameHex(t *testing.T) {
	got := string(ChunkFrame(0, []byte{0x01, 0xAB, 0xFF}, EncodingHex))
	if got != "CHUNK:0:01abff" {
		t.Errorf("ChunkFrame hex = %q, want %q", got, "CHUNK:0:01abff")
	}
}

func TestChunkFrameHexFitsWriteLimit(t *testing.T) {
	frame := ChunkFrame(99, makePayload(RingtoneChunkSize), EncodingHex)
	if len(frame) > 512 {
		t.Errorf("ringtone chunk frame len = %d, exceeds 512", len(frame))
	}
	frame = ChunkFrame(99, makePayload(FontChunkSize), EncodingRaw)
	if len(frame) > 512 {
		t.Errorf("font chunk frame len = %d, exceeds 512", len(frame))
	}
}

func TestEncodingString(t *testing.T) {
	if EncodingRaw.String() != "raw" || EncodingHex.String() != "hex" {
		t.Errorf("Encoding strings = %q, %q", EncodingRaw, EncodingHex)
	}
	if !strings.HasPrefix(Encoding(9).String(), "encoding(") {
		t.Errorf("unknown encoding string = %q", Encoding(9))
	}
}
