package protocol

import (
	"testing"
	"time"
)

func TestTimeSync(t *testing.T) {
	ts := time.Date(2025, 10, 18, 7, 5, 9, 0, time.UTC)
	if got := string(TimeSync(ts)); got != "07:05:09" {
		t.Errorf("TimeSync = %q, want %q", got, "07:05:09")
	}
}

func TestDateTimeSync(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		// 2025-10-19 is a Sunday
		{time.Date(2025, 10, 19, 23, 59, 1, 0, time.UTC), "2025-10-19:23:59:01:0"},
		{time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC), "2025-10-18:00:00:00:6"},
		{time.Date(2024, 2, 5, 13, 4, 5, 0, time.UTC), "2024-02-05:13:04:05:1"},
	}
	for _, tt := range tests {
		if got := string(DateTimeSync(tt.in)); got != tt.want {
			t.Errorf("DateTimeSync(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAlarmFrames(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want string
	}{
		{"set", AlarmSet(6, 0, 30), "SET:06:00:30"},
		{"off", AlarmOff(), "OFF"},
		{"dismiss", AlarmDismiss(), "DISMISS"},
		{"clear", AlarmClear(), "CLEAR"},
		{"add", AlarmAdd(7, 30, 0, 0x3E, "Morning"), "ADD:07:30:00:62:Morning"},
		{"add strips colons", AlarmAdd(12, 0, 0, 0x7F, "Lunch: 12:00"), "ADD:12:00:00:127:Lunch 1200"},
		{"add only colons", AlarmAdd(1, 2, 3, 0, ":::"), "ADD:01:02:03:0:"},
		{"add empty name", AlarmAdd(1, 2, 3, 1, ""), "ADD:01:02:03:1:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.got) != tt.want {
				t.Errorf("frame = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestAlarmAddRoundTrip(t *testing.T) {
	frame := AlarmAdd(7, 30, 0, 0x3E, "Morning")
	if string(frame) != "ADD:07:30:00:62:Morning" {
		t.Fatalf("AlarmAdd = %q", frame)
	}
	cmd, err := ParseAlarmAdd(frame)
	if err != nil {
		t.Fatalf("ParseAlarmAdd() error = %v", err)
	}
	want := AlarmAddCommand{Hour: 7, Minute: 30, Second: 0, Mask: 0x3E, Name: "Morning"}
	if cmd != want {
		t.Errorf("ParseAlarmAdd = %+v, want %+v", cmd, want)
	}
}

func TestParseAlarmAddInvalid(t *testing.T) {
	for _, frame := range []string{"", "ADD", "SET:01:02:03", "ADD:aa:00:00:1:x", "ADD:01:02:03:200:x"} {
		if _, err := ParseAlarmAdd([]byte(frame)); err == nil {
			t.Errorf("ParseAlarmAdd(%q) should fail", frame)
		}
	}
}

func TestTimerAndStopwatchFrames(t *testing.T) {
	tests := []struct {
		got  []byte
		want string
	}{
		{TimerSet(1, 2, 3), "SET:01:02:03"},
		{TimerStart(), "START"},
		{TimerPause(), "PAUSE"},
		{TimerReset(), "RESET"},
		{TimerDismiss(), "DISMISS"},
		{StopwatchStart(), "START"},
		{StopwatchPause(), "PAUSE"},
		{StopwatchReset(), "RESET"},
		{StopwatchDismiss(), "DISMISS"},
	}
	for _, tt := range tests {
		if string(tt.got) != tt.want {
			t.Errorf("frame = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestBuzzerFrames(t *testing.T) {
	if got := string(BuzzerState(true)); got != "ON" {
		t.Errorf("BuzzerState(true) = %q", got)
	}
	if got := string(BuzzerState(false)); got != "OFF" {
		t.Errorf("BuzzerState(false) = %q", got)
	}
	if got := string(BuzzerTest()); got != "TEST" {
		t.Errorf("BuzzerTest() = %q", got)
	}
	volumes := map[int]string{-5: "VOLUME:0", 0: "VOLUME:0", 55: "VOLUME:55", 100: "VOLUME:100", 250: "VOLUME:100"}
	for in, want := range volumes {
		if got := string(BuzzerVolume(in)); got != want {
			t.Errorf("BuzzerVolume(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFontSelectAndBlink(t *testing.T) {
	if got := string(FontSelect(3)); got != "3" {
		t.Errorf("FontSelect(3) = %q", got)
	}
	if got := string(BlinkCount(12)); got != "12" {
		t.Errorf("BlinkCount(12) = %q", got)
	}
}

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("OK\x00\x00"), "OK"},
		{[]byte("  Alarm set\r\n"), "Alarm set"},
		{[]byte{'A', 0x01, 'B'}, "A?B"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := DecodeStatus(tt.in); got != tt.want {
			t.Errorf("DecodeStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	verb, args, err := ParseCommand([]byte("VOLUME:40"))
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if verb != "VOLUME" || len(args) != 1 || args[0] != "40" {
		t.Errorf("ParseCommand = %q %v", verb, args)
	}
	if _, _, err := ParseCommand(nil); err != ErrEmptyFrame {
		t.Errorf("ParseCommand(nil) error = %v, want ErrEmptyFrame", err)
	}
}
