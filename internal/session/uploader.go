package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/ble/protocol"
)

// frameWriter performs one validated write on behalf of an upload. It must
// re-check that the channel is usable on every call.
type frameWriter interface {
	writeUploadFrame(op string, ch ble.Channel, frame []byte) error
}

// UploadRequest describes one chunked transfer.
type UploadRequest struct {
	Op         string
	Channel    ble.Channel
	Payload    []byte
	Encoding   protocol.Encoding
	Pacing     Pacing
	OnProgress func(UploadProgress)
}

// Uploader runs chunked uploads, at most one per channel.
type Uploader struct {
	w      frameWriter
	logger *slog.Logger

	mu   sync.Mutex
	busy map[ble.Channel]bool
}

func newUploader(w frameWriter, logger *slog.Logger) *Uploader {
	return &Uploader{w: w, logger: logger, busy: make(map[ble.Channel]bool)}
}

// Busy reports whether an upload currently owns ch.
func (u *Uploader) Busy(ch ble.Channel) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.busy[ch]
}

func (u *Uploader) acquire(ch ble.Channel) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.busy[ch] {
		return false
	}
	u.busy[ch] = true
	return true
}

func (u *Uploader) release(ch ble.Channel) {
	u.mu.Lock()
	delete(u.busy, ch)
	u.mu.Unlock()
}

// Run writes START, the chunks in index order and END, pacing the writes as
// req.Pacing says. Progress is reported after every chunk except the last;
// the final 1.0 is reported once END has been written. Cancelling ctx stops
// the sequence before the next write; a partial upload is never resumed.
func (u *Uploader) Run(ctx context.Context, req UploadRequest) error {
	op := req.Op
	if op == "" {
		op = "upload " + req.Channel.String()
	}
	if !u.acquire(req.Channel) {
		return channelError(KindUploadInProgress, op, req.Channel, nil)
	}
	defer u.release(req.Channel)

	size := req.Pacing.ChunkSize
	if size <= 0 {
		size = protocol.FontChunkSize
	}
	chunks := protocol.SplitPayload(req.Payload, size)
	total := len(chunks)
	progress := func(i int, f float64) {
		if req.OnProgress != nil {
			req.OnProgress(UploadProgress{Channel: req.Channel, Index: i, Total: total, Fraction: f})
		}
	}

	u.logger.Info("[BLE] upload starting", "channel", req.Channel, "bytes", len(req.Payload), "chunks", total, "encoding", req.Encoding)

	if err := u.w.writeUploadFrame(op, req.Channel, protocol.StartFrame(len(req.Payload), total)); err != nil {
		return err
	}
	if total > 0 {
		if err := wait(ctx, req.Pacing.Settle); err != nil {
			return cancelled(op, req.Channel, err)
		}
	}
	for i, chunk := range chunks {
		if err := u.w.writeUploadFrame(op, req.Channel, protocol.ChunkFrame(i, chunk, req.Encoding)); err != nil {
			u.logger.Warn("[BLE] upload halted", "channel", req.Channel, "chunk", i, "error", err)
			return err
		}
		last := i == total-1
		if !last {
			progress(i, float64(i+1)/float64(total))
		}
		delay := req.Pacing.Gap
		if last {
			delay = req.Pacing.EndDelay
		}
		if err := wait(ctx, delay); err != nil {
			return cancelled(op, req.Channel, err)
		}
	}
	if err := u.w.writeUploadFrame(op, req.Channel, protocol.EndFrame()); err != nil {
		return err
	}
	progress(max(total-1, 0), 1.0)
	u.logger.Info("[BLE] upload complete", "channel", req.Channel, "chunks", total)
	return nil
}

func cancelled(op string, ch ble.Channel, err error) error {
	return channelError(KindNotConnected, op, ch, err)
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
