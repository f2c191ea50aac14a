package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/clocklink/internal/ble"
)

// mockHandle is a characteristic known to the mock transport.
type mockHandle struct {
	uuid  string
	notes chan []byte
}

func (h *mockHandle) UUID() string { return h.uuid }

type mockWrite struct {
	channel ble.Channel
	data    string
}

// mockTransport simulates the BLE stack. Connect and discovery succeed
// immediately unless told otherwise.
type mockTransport struct {
	mu          sync.Mutex
	enableErr   error
	connectErrs []error // consumed one per Connect call
	connectGate chan struct{}
	onConnect   func(id string)
	discoverErr error
	missing     map[ble.Channel]bool
	writeErr    func(ch ble.Channel, data []byte) error

	connects    []string
	disconnects []string
	stopScans   int
	writes      []mockWrite
	handles     map[string]*mockHandle

	scanOut    chan ble.Advertisement
	scanClosed bool

	events chan ble.LinkEvent
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		missing: make(map[ble.Channel]bool),
		handles: make(map[string]*mockHandle),
		events:  make(chan ble.LinkEvent, 16),
	}
}

var _ ble.Transport = (*mockTransport)(nil)

func (m *mockTransport) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enableErr
}

func (m *mockTransport) Scan(ctx context.Context, _ ble.ScanFilter) (<-chan ble.Advertisement, error) {
	m.mu.Lock()
	out := make(chan ble.Advertisement, 64)
	m.scanOut = out
	m.scanClosed = false
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if m.scanOut == out && !m.scanClosed {
			m.scanClosed = true
			close(out)
		}
		m.mu.Unlock()
	}()
	return out, nil
}

// advertise delivers adv to the running scan, if any.
func (m *mockTransport) advertise(adv ble.Advertisement) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanOut == nil || m.scanClosed {
		return false
	}
	m.scanOut <- adv
	return true
}

func (m *mockTransport) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopScans++
	return nil
}

func (m *mockTransport) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	m.connects = append(m.connects, id)
	gate := m.connectGate
	hook := m.onConnect
	var err error
	if len(m.connectErrs) > 0 {
		err = m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *mockTransport) Disconnect(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, id)
	return nil
}

func (m *mockTransport) DiscoverChannels(context.Context, string) (map[string]ble.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discoverErr != nil {
		return nil, m.discoverErr
	}
	out := make(map[string]ble.Handle)
	for _, ch := range ble.AllChannels() {
		if m.missing[ch] {
			continue
		}
		h := &mockHandle{uuid: ch.UUID(), notes: make(chan []byte, 16)}
		m.handles[h.uuid] = h
		out[h.uuid] = h
	}
	// Characteristics outside the catalog are ignored by the session.
	out["00002a00-0000-1000-8000-00805f9b34fb"] = &mockHandle{uuid: "00002a00-0000-1000-8000-00805f9b34fb"}
	return out, nil
}

func (m *mockTransport) Write(h ble.Handle, data []byte, _ bool) error {
	ch, ok := ble.ChannelForUUID(h.UUID())
	if !ok {
		return ble.ErrUnknownHandle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		if err := m.writeErr(ch, data); err != nil {
			return err
		}
	}
	m.writes = append(m.writes, mockWrite{channel: ch, data: string(data)})
	return nil
}

func (m *mockTransport) Subscribe(h ble.Handle) (<-chan []byte, error) {
	mh, ok := h.(*mockHandle)
	if !ok || mh.notes == nil {
		return nil, errors.New("mock: notifications not supported")
	}
	return mh.notes, nil
}

func (m *mockTransport) Events() <-chan ble.LinkEvent { return m.events }

// SimulateDisconnect reports link loss (err != nil) or a clean disconnect.
func (m *mockTransport) SimulateDisconnect(id string, err error) {
	m.events <- ble.LinkEvent{Type: ble.LinkDisconnected, DeviceID: id, Err: err}
}

// SimulateNotification sends a value from the clock on ch.
func (m *mockTransport) SimulateNotification(ch ble.Channel, data []byte) {
	m.mu.Lock()
	h := m.handles[ch.UUID()]
	m.mu.Unlock()
	if h != nil {
		h.notes <- data
	}
}

func (m *mockTransport) writesOn(ch ble.Channel) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, w := range m.writes {
		if w.channel == ch {
			out = append(out, w.data)
		}
	}
	return out
}

func (m *mockTransport) allWrites() []mockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockWrite(nil), m.writes...)
}

func (m *mockTransport) resetWrites() {
	m.mu.Lock()
	m.writes = nil
	m.mu.Unlock()
}

func (m *mockTransport) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connects)
}

// memSettings is an in-memory SettingsStore.
type memSettings struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func newMemSettings() *memSettings { return &memSettings{values: make(map[string]string)} }

func (m *memSettings) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memSettings) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

func (m *memSettings) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

// zeroDelayOpts removes every pacing and provisioning delay.
func zeroDelayOpts() Options {
	return Options{
		FontUpload:     Pacing{ChunkSize: 400},
		RingtoneUpload: Pacing{ChunkSize: 180},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMockTransportImplementsInterface(t *testing.T) {
	var _ ble.Transport = (*mockTransport)(nil)
}

func TestMockHandleImplementsInterface(t *testing.T) {
	var _ ble.Handle = (*mockHandle)(nil)
}
