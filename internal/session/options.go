package session

import (
	"time"

	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/ble/protocol"
)

// Pacing controls how an upload is split and spaced out.
type Pacing struct {
	ChunkSize int
	Settle    time.Duration // after START
	Gap       time.Duration // between chunks
	EndDelay  time.Duration // after the last chunk, before END
}

// ProvisionDelays are offsets from entering Ready at which each
// provisioning step runs.
type ProvisionDelays struct {
	DateTime     time.Duration
	Font         time.Duration
	Buzzer       time.Duration
	Alarms       time.Duration
	AlarmStagger time.Duration // between consecutive ADD frames
}

// Options configures a Session.
type Options struct {
	TargetName  string
	ServiceUUID string // scan filter; empty reports every device
	DebugMode   bool   // keep scanning after the target is found
	ScanTimeout time.Duration

	ReconnectMaxBackoff  int // seconds
	ReconnectMaxAttempts int // 0 = unlimited

	FontUpload     Pacing
	RingtoneUpload Pacing
	Provision      ProvisionDelays
}

// DefaultOptions mirrors the timings the clock firmware was tuned against.
func DefaultOptions() Options {
	return Options{
		TargetName:          ble.DefaultTargetName,
		ReconnectMaxBackoff: 30,
		FontUpload: Pacing{
			ChunkSize: protocol.FontChunkSize,
			Settle:    300 * time.Millisecond,
			Gap:       150 * time.Millisecond,
			EndDelay:  300 * time.Millisecond,
		},
		RingtoneUpload: Pacing{
			ChunkSize: protocol.RingtoneChunkSize,
			Settle:    200 * time.Millisecond,
			Gap:       100 * time.Millisecond,
			EndDelay:  100 * time.Millisecond,
		},
		Provision: ProvisionDelays{
			DateTime:     500 * time.Millisecond,
			Font:         700 * time.Millisecond,
			Buzzer:       900 * time.Millisecond,
			Alarms:       1000 * time.Millisecond,
			AlarmStagger: 100 * time.Millisecond,
		},
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.TargetName == "" {
		o.TargetName = d.TargetName
	}
	if o.ReconnectMaxBackoff <= 0 {
		o.ReconnectMaxBackoff = d.ReconnectMaxBackoff
	}
	if o.FontUpload.ChunkSize <= 0 {
		o.FontUpload.ChunkSize = d.FontUpload.ChunkSize
	}
	if o.RingtoneUpload.ChunkSize <= 0 {
		o.RingtoneUpload.ChunkSize = d.RingtoneUpload.ChunkSize
	}
}
