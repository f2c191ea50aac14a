package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/ble/protocol"
)

// recordingWriter is a frameWriter that records frames and can fail or
// block on a given frame.
type recordingWriter struct {
	mu     sync.Mutex
	frames []string
	failAt int // 1-based frame number to fail, 0 = never
	gate   chan struct{}
}

func (w *recordingWriter) writeUploadFrame(op string, ch ble.Channel, frame []byte) error {
	w.mu.Lock()
	w.frames = append(w.frames, string(frame))
	n := len(w.frames)
	gate := w.gate
	w.mu.Unlock()

	if gate != nil && n == 1 {
		<-gate
	}
	if w.failAt == n {
		return channelError(KindWriteFailed, op, ch, errors.New("att error"))
	}
	return nil
}

func (w *recordingWriter) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.frames...)
}

func frameVerbs(frames []string) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i], _, _ = strings.Cut(f, ":")
		if out[i] == "CHUNK" {
			idx, _, _ := strings.Cut(strings.TrimPrefix(f, "CHUNK:"), ":")
			out[i] = "CHUNK:" + idx
		}
	}
	return out
}

func TestUploaderFramesAndProgress(t *testing.T) {
	w := &recordingWriter{}
	u := newUploader(w, slog.Default())

	payload := make([]byte, 1000)
	var progress []float64
	err := u.Run(context.Background(), UploadRequest{
		Channel:  ble.ChannelCustomFont,
		Payload:  payload,
		Encoding: protocol.EncodingRaw,
		Pacing:   Pacing{ChunkSize: 400},
		OnProgress: func(p UploadProgress) {
			if p.Total != 3 {
				t.Errorf("Total = %d, want 3", p.Total)
			}
			progress = append(progress, p.Fraction)
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	frames := w.written()
	if frames[0] != "START:1000:3" {
		t.Errorf("first frame = %q, want START:1000:3", frames[0])
	}
	got := strings.Join(frameVerbs(frames), " ")
	if want := "START CHUNK:0 CHUNK:1 CHUNK:2 END"; got != want {
		t.Errorf("frames = %s, want %s", got, want)
	}
	if n := len(frames[3]) - len("CHUNK:2:"); n != 200 {
		t.Errorf("last chunk = %d bytes, want 200", n)
	}

	want := []float64{1.0 / 3, 2.0 / 3, 1.0}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if math.Abs(progress[i]-want[i]) > 1e-9 {
			t.Errorf("progress[%d] = %v, want %v", i, progress[i], want[i])
		}
	}
}

func TestUploaderHexEncoding(t *testing.T) {
	w := &recordingWriter{}
	u := newUploader(w, slog.Default())

	err := u.Run(context.Background(), UploadRequest{
		Channel:  ble.ChannelRingtone,
		Payload:  []byte{0xde, 0xad, 0xbe, 0xef, 0x01},
		Encoding: protocol.EncodingHex,
		Pacing:   Pacing{ChunkSize: 4},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"START:5:2", "CHUNK:0:deadbeef", "CHUNK:1:01", "END"}
	if got := w.written(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("frames = %q, want %q", got, want)
	}
}

func TestUploaderEmptyPayload(t *testing.T) {
	w := &recordingWriter{}
	u := newUploader(w, slog.Default())

	var progress []UploadProgress
	err := u.Run(context.Background(), UploadRequest{
		Channel:    ble.ChannelCustomFont,
		Pacing:     Pacing{ChunkSize: 400, Settle: time.Hour},
		OnProgress: func(p UploadProgress) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := w.written(); fmt.Sprint(got) != "[START:0:0 END]" {
		t.Errorf("frames = %q, want START:0:0 then END", got)
	}
	if len(progress) != 1 || progress[0].Fraction != 1.0 {
		t.Errorf("progress = %+v, want a single 1.0", progress)
	}
}

func TestUploaderRejectsConcurrentUploadOnSameChannel(t *testing.T) {
	w := &recordingWriter{gate: make(chan struct{})}
	u := newUploader(w, slog.Default())

	done := make(chan error, 1)
	go func() {
		done <- u.Run(context.Background(), UploadRequest{
			Channel: ble.ChannelRingtone,
			Payload: []byte("abc"),
			Pacing:  Pacing{ChunkSize: 180},
		})
	}()
	waitFor(t, "first upload", func() bool { return u.Busy(ble.ChannelRingtone) })

	err := u.Run(context.Background(), UploadRequest{Channel: ble.ChannelRingtone, Payload: []byte("x")})
	if !errors.Is(err, ErrUploadInProgress) {
		t.Errorf("second Run() error = %v, want UploadInProgress", err)
	}
	// Other channels are independent.
	other := &recordingWriter{}
	if err := newUploader(other, slog.Default()).Run(context.Background(), UploadRequest{Channel: ble.ChannelCustomFont}); err != nil {
		t.Errorf("upload on another channel error = %v", err)
	}

	close(w.gate)
	if err := <-done; err != nil {
		t.Errorf("first Run() error = %v", err)
	}
	if u.Busy(ble.ChannelRingtone) {
		t.Error("channel should be released after the upload")
	}
}

func TestUploaderHaltsOnWriteError(t *testing.T) {
	w := &recordingWriter{failAt: 3} // START, CHUNK:0, CHUNK:1 fails
	u := newUploader(w, slog.Default())

	var progress []float64
	err := u.Run(context.Background(), UploadRequest{
		Channel:    ble.ChannelCustomFont,
		Payload:    make([]byte, 1000),
		Pacing:     Pacing{ChunkSize: 400},
		OnProgress: func(p UploadProgress) { progress = append(progress, p.Fraction) },
	})
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Run() error = %v, want WriteFailed", err)
	}
	frames := w.written()
	if len(frames) != 3 {
		t.Errorf("frames = %v, want exactly 3 attempts", frameVerbs(frames))
	}
	for _, f := range frames {
		if f == "END" {
			t.Error("END must not be written after a failed chunk")
		}
	}
	if len(progress) != 1 {
		t.Errorf("progress = %v, want only the first chunk", progress)
	}
	if u.Busy(ble.ChannelCustomFont) {
		t.Error("channel should be released after a failure")
	}
}

func TestUploaderCancelDuringDelay(t *testing.T) {
	w := &recordingWriter{}
	u := newUploader(w, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- u.Run(ctx, UploadRequest{
			Channel: ble.ChannelCustomFont,
			Payload: make([]byte, 10),
			Pacing:  Pacing{ChunkSize: 4, Gap: time.Hour},
		})
	}()
	waitFor(t, "first chunk", func() bool { return len(w.written()) == 2 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Run() error = %v, want NotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := len(w.written()); got != 2 {
		t.Errorf("frames = %d, want 2", got)
	}
}

func TestWait(t *testing.T) {
	if err := wait(context.Background(), 0); err != nil {
		t.Errorf("wait(0) = %v", err)
	}
	if err := wait(context.Background(), time.Millisecond); err != nil {
		t.Errorf("wait(1ms) = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := wait(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("wait on cancelled ctx = %v, want context.Canceled", err)
	}
}
