// Package protocol implements the ASCII command framing spoken by the ESP32
// desk clock firmware. Every function returns one frame, i.e. the exact bytes
// of a single characteristic write.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Literal commands shared by several channels.
const (
	CmdOff     = "OFF"
	CmdOn      = "ON"
	CmdDismiss = "DISMISS"
	CmdClear   = "CLEAR"
	CmdStart   = "START"
	CmdPause   = "PAUSE"
	CmdReset   = "RESET"
	CmdTest    = "TEST"
	CmdEnd     = "END"
)

// RepeatMask is the 7-bit repeat-days field of an ADD frame
// (Sunday = bit 0 … Saturday = bit 6).
type RepeatMask uint8

// TimeSync encodes t as HH:MM:SS (24-hour) for the time channel.
func TimeSync(t time.Time) []byte {
	return []byte(t.Format("15:04:05"))
}

// DateTimeSync encodes t as YYYY-MM-DD:HH:MM:SS:W where W is the weekday
// with 0 = Sunday.
func DateTimeSync(t time.Time) []byte {
	return []byte(fmt.Sprintf("%04d-%02d-%02d:%02d:%02d:%02d:%d",
		t.Year(), int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second(),
		int(t.Weekday())))
}

// BlinkCount encodes the legacy LED blink counter accepted on the time channel.
func BlinkCount(n int) []byte {
	return []byte(strconv.Itoa(n))
}

// AlarmSet encodes the single-alarm SET:HH:MM:SS command.
func AlarmSet(hour, minute, second int) []byte {
	return []byte("SET:" + hms(hour, minute, second))
}

// AlarmOff disables every alarm on the device.
func AlarmOff() []byte { return []byte(CmdOff) }

// AlarmDismiss stops an alarm that is currently ringing.
func AlarmDismiss() []byte { return []byte(CmdDismiss) }

// AlarmClear removes all alarms stored on the device.
func AlarmClear() []byte { return []byte(CmdClear) }

// AlarmAdd encodes ADD:HH:MM:SS:<mask>:<name>. Colons are the field
// delimiter, so they are stripped from name; a name made only of colons
// yields an empty name field.
func AlarmAdd(hour, minute, second int, mask RepeatMask, name string) []byte {
	return []byte(fmt.Sprintf("ADD:%s:%d:%s",
		hms(hour, minute, second), mask, strings.ReplaceAll(name, ":", "")))
}

// AlarmAddCommand is the decoded form of an ADD frame.
type AlarmAddCommand struct {
	Hour, Minute, Second int
	Mask                 RepeatMask
	Name                 string
}

// ParseAlarmAdd decodes an ADD frame produced by AlarmAdd.
func ParseAlarmAdd(frame []byte) (AlarmAddCommand, error) {
	var cmd AlarmAddCommand
	parts := strings.SplitN(string(frame), ":", 6)
	if len(parts) != 6 || parts[0] != "ADD" {
		return cmd, fmt.Errorf("protocol: malformed ADD frame %q", frame)
	}
	nums := make([]int, 4)
	for i, p := range parts[1:5] {
		n, err := strconv.Atoi(p)
		if err != nil {
			return cmd, fmt.Errorf("protocol: ADD field %d: %w", i+1, err)
		}
		nums[i] = n
	}
	if nums[3] < 0 || nums[3] > 0x7F {
		return cmd, fmt.Errorf("protocol: ADD repeat mask %d out of range", nums[3])
	}
	cmd.Hour, cmd.Minute, cmd.Second = nums[0], nums[1], nums[2]
	cmd.Mask = RepeatMask(nums[3])
	cmd.Name = parts[5]
	return cmd, nil
}

// FontSelect encodes a built-in font index as a decimal string.
func FontSelect(index int) []byte {
	return []byte(strconv.Itoa(index))
}

// TimerSet encodes SET:HH:MM:SS for the countdown timer channel.
func TimerSet(hours, minutes, seconds int) []byte {
	return []byte("SET:" + hms(hours, minutes, seconds))
}

// TimerStart, TimerPause, TimerReset and TimerDismiss are the countdown
// timer control frames.
func TimerStart() []byte   { return []byte(CmdStart) }
func TimerPause() []byte   { return []byte(CmdPause) }
func TimerReset() []byte   { return []byte(CmdReset) }
func TimerDismiss() []byte { return []byte(CmdDismiss) }

// StopwatchStart, StopwatchPause, StopwatchReset and StopwatchDismiss are
// the stopwatch control frames.
func StopwatchStart() []byte   { return []byte(CmdStart) }
func StopwatchPause() []byte   { return []byte(CmdPause) }
func StopwatchReset() []byte   { return []byte(CmdReset) }
func StopwatchDismiss() []byte { return []byte(CmdDismiss) }

// BuzzerState encodes ON or OFF.
func BuzzerState(enabled bool) []byte {
	if enabled {
		return []byte(CmdOn)
	}
	return []byte(CmdOff)
}

// BuzzerVolume encodes VOLUME:<n>, clamping n to 0..100.
func BuzzerVolume(volume int) []byte {
	return []byte("VOLUME:" + strconv.Itoa(ClampVolume(volume)))
}

// BuzzerTest asks the device to sound the buzzer once.
func BuzzerTest() []byte { return []byte(CmdTest) }

// ClampVolume limits a volume percentage to 0..100.
func ClampVolume(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// DecodeStatus renders a device reply as a printable string. Replies are
// opaque status text; trailing NULs and surrounding whitespace are dropped
// and non-printable bytes become '?'.
func DecodeStatus(data []byte) string {
	var b strings.Builder
	for _, c := range data {
		switch {
		case c == 0:
			continue
		case c >= 0x20 && c < 0x7F:
			b.WriteByte(c)
		case c == '\n' || c == '\r' || c == '\t':
			b.WriteByte(' ')
		default:
			b.WriteByte('?')
		}
	}
	return strings.TrimSpace(b.String())
}

// ErrEmptyFrame is returned by ParseCommand for a zero-length frame.
var ErrEmptyFrame = errors.New("protocol: empty frame")

// ParseCommand splits a frame into its verb and colon-separated arguments.
// It is used to log and inspect outgoing frames; chunk frames carrying raw
// binary must not be passed here.
func ParseCommand(frame []byte) (verb string, args []string, err error) {
	if len(frame) == 0 {
		return "", nil, ErrEmptyFrame
	}
	parts := strings.Split(string(frame), ":")
	return parts[0], parts[1:], nil
}

func hms(h, m, s int) string {
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
