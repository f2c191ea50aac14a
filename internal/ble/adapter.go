// Package ble provides the transport layer for talking to the ESP32 desk
// clock over Bluetooth Low Energy: an abstract Transport the session depends
// on, the catalog of the clock's characteristics, and a tinygo-org/bluetooth
// implementation.
package ble

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means the radio is off, unsupported or unauthorized.
	ErrUnavailable = errors.New("ble: bluetooth unavailable")
	// ErrNotConnected means the device has no active link.
	ErrNotConnected = errors.New("ble: device not connected")
	// ErrUnknownHandle means a handle does not belong to this transport.
	ErrUnknownHandle = errors.New("ble: unknown characteristic handle")
)

// Advertisement field keys.
const (
	FieldManufacturerData = "manufacturer_data"
	FieldServiceUUIDs     = "service_uuids"
	FieldLocalName        = "local_name"
)

// Advertisement is one advertising report seen while scanning.
type Advertisement struct {
	ID     string // opaque device identifier (CoreBluetooth UUID or MAC)
	Name   string
	RSSI   int
	Fields map[string]any
	SeenAt time.Time
}

// ScanFilter narrows a scan. The zero value reports every device.
type ScanFilter struct {
	ServiceUUID string
}

// Handle is an opaque reference to a discovered characteristic.
type Handle interface {
	// UUID returns the lower-case characteristic UUID.
	UUID() string
}

// LinkEventType classifies a LinkEvent.
type LinkEventType int

const (
	LinkConnected LinkEventType = iota
	LinkDisconnected
)

func (t LinkEventType) String() string {
	switch t {
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// LinkEvent reports an asynchronous change of a device link. For
// LinkDisconnected, Err is nil when the disconnect was requested through
// Transport.Disconnect and non-nil when the link was lost.
type LinkEvent struct {
	Type     LinkEventType
	DeviceID string
	Err      error
}

// Transport abstracts the platform BLE stack so the session can be driven by
// a mock in tests.
type Transport interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan reports advertisements until ctx is cancelled or StopScan is
	// called, then closes the returned channel.
	Scan(ctx context.Context, filter ScanFilter) (<-chan Advertisement, error)
	// StopScan ends a running scan.
	StopScan() error
	// Connect establishes a link to deviceID and blocks until it is up or
	// has failed.
	Connect(ctx context.Context, deviceID string) error
	// Disconnect tears down the link to deviceID.
	Disconnect(deviceID string) error
	// DiscoverChannels resolves every characteristic of the device, keyed by
	// lower-case characteristic UUID.
	DiscoverChannels(ctx context.Context, deviceID string) (map[string]Handle, error)
	// Write sends one frame to a characteristic.
	Write(h Handle, data []byte, withResponse bool) error
	// Subscribe enables notifications on a characteristic.
	Subscribe(h Handle) (<-chan []byte, error)
	// Events delivers link events for all devices. Link loss is only ever
	// reported here.
	Events() <-chan LinkEvent
}
