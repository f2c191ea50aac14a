package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// errLinkLost is reported for disconnects that were not requested.
var errLinkLost = errors.New("ble: link lost")

// TinyGoTransport implements Transport on top of tinygo-org/bluetooth.
// On macOS device identifiers are CoreBluetooth UUIDs, elsewhere MAC
// addresses; both are treated as opaque strings.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger
	events  chan LinkEvent

	// mu protects devices, closing and scanning.
	mu       sync.Mutex
	devices  map[string]*bluetooth.Device
	closing  map[string]bool // disconnects we asked for
	scanning bool
}

// NewTinyGoTransport creates a transport bound to the default adapter.
func NewTinyGoTransport(logger *slog.Logger) *TinyGoTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoTransport{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		events:  make(chan LinkEvent, 16),
		devices: make(map[string]*bluetooth.Device),
		closing: make(map[string]bool),
	}
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)

func (t *TinyGoTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// tinygo fires this with connected=false when a peripheral drops,
	// whether or not we initiated it.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		id := device.Address.String()
		if connected {
			t.emit(LinkEvent{Type: LinkConnected, DeviceID: id})
			return
		}
		t.mu.Lock()
		requested := t.closing[id]
		delete(t.closing, id)
		delete(t.devices, id)
		t.mu.Unlock()

		ev := LinkEvent{Type: LinkDisconnected, DeviceID: id}
		if !requested {
			ev.Err = errLinkLost
		}
		t.emit(ev)
	})
	return nil
}

func (t *TinyGoTransport) emit(ev LinkEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("[BLE] link event dropped, consumer too slow", "type", ev.Type, "device", ev.DeviceID)
	}
}

func (t *TinyGoTransport) Events() <-chan LinkEvent { return t.events }

func (t *TinyGoTransport) Scan(ctx context.Context, filter ScanFilter) (<-chan Advertisement, error) {
	var svc bluetooth.UUID
	hasFilter := filter.ServiceUUID != ""
	if hasFilter {
		u, err := bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		svc = u
	}

	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return nil, errors.New("ble: scan already running")
	}
	t.scanning = true
	t.mu.Unlock()

	out := make(chan Advertisement, 64)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.adapter.StopScan()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer func() {
			t.mu.Lock()
			t.scanning = false
			t.mu.Unlock()
		}()
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if hasFilter && !result.HasServiceUUID(svc) {
				return
			}
			adv := toAdvertisement(result, hasFilter, filter.ServiceUUID)
			select {
			case out <- adv:
			default:
				// Advertisement floods are expected; later reports supersede.
			}
		})
		close(done)
		if err != nil && ctx.Err() == nil {
			t.logger.Error("[BLE] scan stopped", "error", err)
		}
	}()
	return out, nil
}

func toAdvertisement(result bluetooth.ScanResult, hasService bool, serviceUUID string) Advertisement {
	fields := make(map[string]any)
	name := result.LocalName()
	if name != "" {
		fields[FieldLocalName] = name
	}
	if md := result.ManufacturerData(); len(md) > 0 {
		var data []byte
		for _, el := range md {
			data = append(data, byte(el.CompanyID), byte(el.CompanyID>>8))
			data = append(data, el.Data...)
		}
		fields[FieldManufacturerData] = data
	}
	if hasService {
		fields[FieldServiceUUIDs] = []string{strings.ToLower(serviceUUID)}
	}
	return Advertisement{
		ID:     result.Address.String(),
		Name:   name,
		RSSI:   int(result.RSSI),
		Fields: fields,
		SeenAt: time.Now(),
	}
}

func (t *TinyGoTransport) StopScan() error {
	return t.adapter.StopScan()
}

func (t *TinyGoTransport) Connect(ctx context.Context, deviceID string) error {
	var addr bluetooth.Address
	addr.Set(deviceID)

	// tinygo's Connect blocks with its own timeout; wrap it so ctx is honoured.
	device, err := awaitConnect(ctx,
		func() (bluetooth.Device, error) {
			return t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		},
		func(late bluetooth.Device) {
			t.mu.Lock()
			t.closing[deviceID] = true
			t.mu.Unlock()
			t.logger.Info("[BLE] dropping connection completed after cancel", "device", deviceID)
			if err := late.Disconnect(); err != nil {
				t.logger.Debug("[BLE] disconnect abandoned link", "device", deviceID, "error", err)
			}
		})
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", deviceID, err)
	}
	t.mu.Lock()
	t.devices[deviceID] = &device
	t.mu.Unlock()
	return nil
}

func (t *TinyGoTransport) Disconnect(deviceID string) error {
	t.mu.Lock()
	dev, ok := t.devices[deviceID]
	if ok {
		t.closing[deviceID] = true
	}
	t.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return dev.Disconnect()
}

func (t *TinyGoTransport) DiscoverChannels(_ context.Context, deviceID string) (map[string]Handle, error) {
	t.mu.Lock()
	dev, ok := t.devices[deviceID]
	t.mu.Unlock()
	if !ok {
		return nil, ErrNotConnected
	}

	svcs, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	handles := make(map[string]Handle)
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			t.logger.Warn("[BLE] discover characteristics failed", "service", svcs[i].UUID().String(), "error", err)
			continue
		}
		for j := range chars {
			h := &tinygoHandle{char: &chars[j], uuid: strings.ToLower(chars[j].UUID().String())}
			handles[h.uuid] = h
		}
	}
	return handles, nil
}

func (t *TinyGoTransport) Write(h Handle, data []byte, withResponse bool) error {
	th, ok := h.(*tinygoHandle)
	if !ok {
		return ErrUnknownHandle
	}
	var err error
	if withResponse {
		_, err = th.char.Write(data)
	} else {
		_, err = th.char.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("ble: write %s: %w", th.uuid, err)
	}
	return nil
}

func (t *TinyGoTransport) Subscribe(h Handle) (<-chan []byte, error) {
	th, ok := h.(*tinygoHandle)
	if !ok {
		return nil, ErrUnknownHandle
	}
	out := make(chan []byte, 16)
	err := th.char.EnableNotifications(func(buf []byte) {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		select {
		case out <- cp:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ble: enable notifications %s: %w", th.uuid, err)
	}
	return out, nil
}

type tinygoHandle struct {
	char *bluetooth.DeviceCharacteristic
	uuid string
}

func (h *tinygoHandle) UUID() string { return h.uuid }
