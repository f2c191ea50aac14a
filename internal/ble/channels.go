package ble

import "strings"

// ServiceUUID is the clock's primary GATT service.
const ServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"

// DefaultTargetName is the advertised local name of the clock firmware.
const DefaultTargetName = "ESP32 BLE Clock"

// Channel is a logical sub-protocol of the clock, carried by one characteristic.
type Channel int

const (
	ChannelTime Channel = iota
	ChannelAlarm
	ChannelDateTime
	ChannelFont
	ChannelCustomFont
	ChannelTimer
	ChannelStopwatch
	ChannelBuzzer
	ChannelRingtone
)

var channelInfo = [...]struct {
	name string
	uuid string
}{
	ChannelTime:       {"time", "beb5483e-36e1-4688-b7f5-ea07361b26a8"},
	ChannelAlarm:      {"alarm", "beb5483e-36e1-4688-b7f5-ea07361b26a9"},
	ChannelDateTime:   {"datetime", "beb5483e-36e1-4688-b7f5-ea07361b26aa"},
	ChannelFont:       {"font", "beb5483e-36e1-4688-b7f5-ea07361b26ab"},
	ChannelCustomFont: {"custom-font", "beb5483e-36e1-4688-b7f5-ea07361b26ac"},
	ChannelTimer:      {"timer", "beb5483e-36e1-4688-b7f5-ea07361b26ad"},
	ChannelStopwatch:  {"stopwatch", "beb5483e-36e1-4688-b7f5-ea07361b26ae"},
	ChannelBuzzer:     {"buzzer", "beb5483e-36e1-4688-b7f5-ea07361b26af"},
	ChannelRingtone:   {"ringtone", "beb5483e-36e1-4688-b7f5-ea07361b26b0"},
}

// AllChannels lists every channel in catalog order.
func AllChannels() []Channel {
	out := make([]Channel, len(channelInfo))
	for i := range channelInfo {
		out[i] = Channel(i)
	}
	return out
}

// RequiredChannels must all be resolved before a session is Ready. The
// remaining channels are optional; when missing only their subsystem is
// unavailable.
var RequiredChannels = []Channel{ChannelTime, ChannelAlarm, ChannelDateTime, ChannelFont}

func (c Channel) valid() bool { return c >= 0 && int(c) < len(channelInfo) }

func (c Channel) String() string {
	if !c.valid() {
		return "unknown"
	}
	return channelInfo[c].name
}

// UUID returns the characteristic UUID carrying c.
func (c Channel) UUID() string {
	if !c.valid() {
		return ""
	}
	return channelInfo[c].uuid
}

// ChannelForUUID maps a characteristic UUID (any case) to its channel.
func ChannelForUUID(uuid string) (Channel, bool) {
	uuid = strings.ToLower(uuid)
	for i, info := range channelInfo {
		if info.uuid == uuid {
			return Channel(i), true
		}
	}
	return 0, false
}

// ParseChannel maps a channel name as returned by String back to a Channel.
func ParseChannel(name string) (Channel, bool) {
	for i, info := range channelInfo {
		if info.name == name {
			return Channel(i), true
		}
	}
	return 0, false
}

// MarshalText lets channels be used as JSON map keys.
func (c Channel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
