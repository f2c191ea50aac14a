// Package session owns the connection to one ESP32 desk clock: scanning,
// connecting, resolving its channels, provisioning it once Ready and
// reconnecting after link loss. All mutable state lives on a single actor
// goroutine; transport callbacks and user actions are posted to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/clocklink/internal/alarm"
	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/ble/protocol"
	"github.com/chaz8081/clocklink/internal/discovery"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscovering
	StateReady
	StateDisconnected
)

var stateNames = [...]string{"Idle", "Scanning", "Connecting", "Discovering", "Ready", "Disconnected"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	State            State                   `json:"state"`
	Scanning         bool                    `json:"scanning"`
	DeviceID         string                  `json:"device_id,omitempty"`
	DeviceName       string                  `json:"device_name,omitempty"`
	Channels         []ble.Channel           `json:"channels"`
	Status           string                  `json:"status"`
	LastError        string                  `json:"last_error,omitempty"`
	LastErrorKind    Kind                    `json:"last_error_kind,omitempty"`
	Uploading        map[ble.Channel]float64 `json:"uploading,omitempty"`
	LastSentTime     time.Time               `json:"last_sent_time,omitzero"`
	ReconnectAttempt int                     `json:"reconnect_attempt,omitempty"`
	DebugMode        bool                    `json:"debug_mode"`
	Settings         Settings                `json:"settings"`
}

// AlarmSource supplies the alarms pushed during provisioning.
type AlarmSource interface {
	Enabled() []alarm.Alarm
}

// Session manages the link to the clock. Create with New, then Start.
type Session struct {
	transport ble.Transport
	registry  *discovery.Registry
	store     SettingsStore
	alarms    AlarmSource
	bus       *Bus
	uploader  *Uploader
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	stopped chan struct{}
	closing sync.Once

	ready atomic.Bool

	snapMu sync.RWMutex
	snap   Snapshot

	// Owned by the actor goroutine.
	state      State
	enabled    bool
	scanning   bool
	scanCancel context.CancelFunc
	scanGen    uint64
	deviceID   string
	deviceName string
	channels   map[ble.Channel]ble.Handle
	link       uint64 // bumped on every connect attempt and teardown
	linkCtx    context.Context
	linkCancel context.CancelFunc

	reconnecting     bool
	reconnectAttempt int
	reconnectCancel  context.CancelFunc

	status    string
	lastErr   *Error
	uploading map[ble.Channel]float64
	lastSent  time.Time
	settings  Settings
	debugMode bool
}

// New creates a session. alarms may be nil until SetAlarmSource is called.
func New(transport ble.Transport, registry *discovery.Registry, store SettingsStore, alarms AlarmSource, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = discovery.NewRegistry()
	}
	opts.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport: transport,
		registry:  registry,
		store:     store,
		alarms:    alarms,
		bus:       newBus(logger),
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		mailbox:   make(chan func(), 64),
		stopped:   make(chan struct{}),
		channels:  make(map[ble.Channel]ble.Handle),
		uploading: make(map[ble.Channel]float64),
		settings:  LoadSettings(ctx, store, logger),
		debugMode: opts.DebugMode,
		status:    "Idle",
	}
	s.uploader = newUploader(s, logger)
	s.refreshLocked()
	go s.run()
	go s.pumpLinkEvents()
	return s
}

// Registry returns the discovery registry fed by scans.
func (s *Session) Registry() *discovery.Registry { return s.registry }

// Subscribe returns a subscription to the given topics (all when empty).
func (s *Session) Subscribe(topics ...string) Subscription { return s.bus.Subscribe(topics...) }

// Unsubscribe detaches sub.
func (s *Session) Unsubscribe(sub Subscription) { s.bus.Unsubscribe(sub) }

// State returns the latest snapshot.
func (s *Session) State() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap := s.snap
	snap.Channels = slices.Clone(s.snap.Channels)
	snap.Uploading = maps.Clone(s.snap.Uploading)
	return snap
}

// Ready reports whether every required channel is resolved.
func (s *Session) Ready() bool { return s.ready.Load() }

// Settings returns the current user settings.
func (s *Session) Settings() Settings { return s.State().Settings }

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// do posts fn to the actor. It returns false once the session is closed.
func (s *Session) do(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// call runs fn on the actor and waits for its result. Never call it from
// the actor itself.
func (s *Session) call(fn func() error) error {
	res := make(chan error, 1)
	if !s.do(func() { res <- fn() }) {
		return errClosed
	}
	select {
	case err := <-res:
		return err
	case <-s.ctx.Done():
		return errClosed
	}
}

func (s *Session) pumpLinkEvents() {
	events := s.transport.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.do(func() { s.onLinkEvent(ev) })
		case <-s.ctx.Done():
			return
		}
	}
}

// Start powers on the radio and begins scanning for the target clock. The
// session is closed when ctx is done.
func (s *Session) Start(ctx context.Context) error {
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s.call(func() error {
		if err := s.enableLocked(); err != nil {
			return err
		}
		return s.startScanLocked()
	})
}

// StartScan clears the registry and scans for devices.
func (s *Session) StartScan() error {
	return s.call(func() error {
		if err := s.enableLocked(); err != nil {
			return err
		}
		return s.startScanLocked()
	})
}

// StopScan ends a running scan.
func (s *Session) StopScan() error {
	return s.call(func() error {
		s.stopScanLocked()
		return nil
	})
}

// Connect connects to deviceID. A second call for a device that is already
// connecting or connected does nothing.
func (s *Session) Connect(deviceID string) error {
	return s.call(func() error {
		if err := s.enableLocked(); err != nil {
			return err
		}
		name := ""
		if d, ok := s.registry.Get(deviceID); ok {
			name = d.Name
		}
		s.cancelReconnectLocked()
		if !s.debugMode {
			s.stopScanLocked()
		}
		s.connectLocked(deviceID, name)
		return nil
	})
}

// Disconnect tears down the link and stops any reconnect in progress.
func (s *Session) Disconnect() error {
	return s.call(func() error {
		s.cancelReconnectLocked()
		id := s.deviceID
		if id == "" {
			return nil
		}
		s.teardownLinkLocked()
		if err := s.transport.Disconnect(id); err != nil && !errors.Is(err, ble.ErrNotConnected) {
			s.logger.Warn("[BLE] disconnect failed", "device", id, "error", err)
		}
		s.deviceID = ""
		s.setStateLocked(StateDisconnected)
		s.setStateLocked(StateIdle)
		s.setStatusLocked("Disconnected")
		return nil
	})
}

// SetDebugMode toggles whether scanning continues after the target is found.
func (s *Session) SetDebugMode(on bool) {
	s.do(func() {
		s.debugMode = on
		s.refreshLocked()
	})
}

// Close disconnects, stops the actor and closes every subscription.
func (s *Session) Close() error {
	s.closing.Do(func() {
		_ = s.call(func() error {
			s.cancelReconnectLocked()
			s.stopScanLocked()
			if id := s.deviceID; id != "" {
				s.teardownLinkLocked()
				_ = s.transport.Disconnect(id)
				s.deviceID = ""
			}
			return nil
		})
		s.cancel()
		<-s.stopped
		s.bus.Close()
	})
	return nil
}

// --- actor-only methods below ---

func (s *Session) enableLocked() error {
	if s.enabled {
		return nil
	}
	if err := s.transport.Enable(); err != nil {
		e := newError(KindTransportUnavailable, "enable", err)
		s.setStateLocked(StateIdle)
		s.failLocked(e, "Bluetooth unavailable")
		return e
	}
	s.enabled = true
	return nil
}

func (s *Session) startScanLocked() error {
	s.stopScanLocked()
	s.registry.Reset()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.opts.ScanTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.opts.ScanTimeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	advs, err := s.transport.Scan(ctx, ble.ScanFilter{ServiceUUID: s.opts.ServiceUUID})
	if err != nil {
		cancel()
		e := newError(KindTransportUnavailable, "scan", err)
		s.failLocked(e, "Scan failed")
		return e
	}
	s.scanGen++
	gen := s.scanGen
	s.scanCancel = cancel
	s.scanning = true
	if !s.linkedLocked() {
		s.setStateLocked(StateScanning)
	}
	s.setStatusLocked("Scanning...")
	s.logger.Info("[BLE] scanning", "target", s.opts.TargetName)

	go s.consumeScan(gen, advs)
	return nil
}

// consumeScan runs off the actor. Registry updates are concurrent-safe; only
// target matches and the end of the scan are posted to the actor.
func (s *Session) consumeScan(gen uint64, advs <-chan ble.Advertisement) {
	for adv := range advs {
		d, isNew := s.registry.Upsert(adv, s.now())
		s.bus.Publish(TopicDevice, DeviceEvent{Device: d, New: isNew})
		if adv.Name != "" && adv.Name == s.opts.TargetName {
			s.do(func() { s.onTargetSeen(gen, adv) })
		}
	}
	s.do(func() { s.onScanEnded(gen) })
}

func (s *Session) onTargetSeen(gen uint64, adv ble.Advertisement) {
	if gen != s.scanGen || !s.scanning {
		return
	}
	if s.reconnecting && s.deviceID == adv.ID {
		return
	}
	if !s.debugMode {
		s.stopScanLocked()
	}
	s.logger.Info("[BLE] target found", "device", adv.ID, "name", adv.Name, "rssi", adv.RSSI)
	s.connectLocked(adv.ID, adv.Name)
}

func (s *Session) onScanEnded(gen uint64) {
	if gen != s.scanGen || !s.scanning {
		return
	}
	s.scanning = false
	s.scanCancel = nil
	if s.state == StateScanning {
		s.setStateLocked(StateIdle)
		s.setStatusLocked(fmt.Sprintf("Scan finished, %d device(s) found", s.registry.Len()))
	}
	s.refreshLocked()
}

func (s *Session) stopScanLocked() {
	if !s.scanning {
		return
	}
	s.scanning = false
	s.scanGen++
	if s.scanCancel != nil {
		s.scanCancel()
		s.scanCancel = nil
	}
	if err := s.transport.StopScan(); err != nil {
		s.logger.Debug("[BLE] stop scan", "error", err)
	}
	if s.state == StateScanning {
		s.setStateLocked(StateIdle)
	}
	s.refreshLocked()
}

// linkedLocked reports whether a device link is up or being established.
func (s *Session) linkedLocked() bool {
	switch s.state {
	case StateConnecting, StateDiscovering, StateReady:
		return true
	}
	return false
}

func (s *Session) connectLocked(id, name string) {
	if id == s.deviceID && s.linkedLocked() {
		s.logger.Debug("[BLE] connect ignored, already in progress", "device", id)
		return
	}
	if s.deviceID != "" && s.deviceID != id && s.linkedLocked() {
		old := s.deviceID
		s.teardownLinkLocked()
		_ = s.transport.Disconnect(old)
	}

	if id != s.deviceID || name != "" {
		s.deviceName = name
	}
	s.deviceID = id
	s.link++
	gen := s.link
	ctx, cancel := context.WithCancel(s.ctx)
	s.linkCtx, s.linkCancel = ctx, cancel

	s.setStateLocked(StateConnecting)
	s.setStatusLocked("Connecting to " + s.displayNameLocked() + "...")
	s.logger.Info("[BLE] connecting", "device", id, "attempt", s.reconnectAttempt+1)

	go func() {
		err := s.transport.Connect(ctx, id)
		s.do(func() { s.onConnectResult(gen, err) })
	}()
}

func (s *Session) onConnectResult(gen uint64, err error) {
	if gen != s.link {
		return
	}
	if err != nil {
		s.attemptFailedLocked("connect", err, false)
		return
	}
	s.logger.Info("[BLE] connected", "device", s.deviceID)
	s.setStateLocked(StateDiscovering)
	s.setStatusLocked("Discovering services...")

	id, ctx := s.deviceID, s.linkCtx
	go func() {
		handles, err := s.transport.DiscoverChannels(ctx, id)
		var subs map[ble.Channel]<-chan []byte
		if err == nil {
			subs = s.subscribeAll(handles)
		}
		s.do(func() { s.onDiscovered(gen, handles, subs, err) })
	}()
}

// subscribeAll enables notifications on every known channel that supports
// them. Runs off the actor.
func (s *Session) subscribeAll(handles map[string]ble.Handle) map[ble.Channel]<-chan []byte {
	subs := make(map[ble.Channel]<-chan []byte)
	for uuid, h := range handles {
		ch, ok := ble.ChannelForUUID(uuid)
		if !ok {
			continue
		}
		notes, err := s.transport.Subscribe(h)
		if err != nil {
			s.logger.Debug("[BLE] notifications unavailable", "channel", ch, "error", err)
			continue
		}
		subs[ch] = notes
	}
	return subs
}

func (s *Session) onDiscovered(gen uint64, handles map[string]ble.Handle, subs map[ble.Channel]<-chan []byte, err error) {
	if gen != s.link {
		return
	}
	if err != nil {
		s.attemptFailedLocked("discover", err, true)
		return
	}

	for uuid, h := range handles {
		ch, ok := ble.ChannelForUUID(uuid)
		if !ok {
			s.logger.Debug("[BLE] ignoring unknown characteristic", "uuid", uuid)
			continue
		}
		s.channels[ch] = h
		s.logger.Debug("[BLE] channel resolved", "channel", ch, "uuid", uuid)
	}
	for ch, notes := range subs {
		go s.forwardNotifications(s.linkCtx, gen, ch, notes)
	}

	var missing []string
	for _, ch := range ble.RequiredChannels {
		if _, ok := s.channels[ch]; !ok {
			missing = append(missing, ch.String())
		}
	}
	if len(missing) > 0 {
		e := newError(KindChannelMissing, "discover", fmt.Errorf("missing %s", strings.Join(missing, ", ")))
		s.failLocked(e, "Missing channels: "+strings.Join(missing, ", "))
		s.refreshLocked()
		return
	}

	s.reconnecting = false
	s.reconnectAttempt = 0
	s.lastErr = nil
	s.ready.Store(true)
	s.setStateLocked(StateReady)
	s.setStatusLocked("Connected to " + s.displayNameLocked())
	s.logger.Info("[BLE] ready", "device", s.deviceID, "channels", len(s.channels))

	go s.provision(s.linkCtx, time.Now())
}

func (s *Session) forwardNotifications(ctx context.Context, gen uint64, ch ble.Channel, notes <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-notes:
			if !ok {
				return
			}
			s.do(func() { s.onNotification(gen, ch, data) })
		}
	}
}

// attemptFailedLocked handles a failed connect or discovery. During a
// reconnect the next attempt is scheduled with backoff; otherwise the
// session returns to Idle. linked is set when the link itself came up.
func (s *Session) attemptFailedLocked(op string, err error, linked bool) {
	s.logger.Warn("[BLE] "+op+" failed", "device", s.deviceID, "attempt", s.reconnectAttempt+1, "error", err)
	id := s.deviceID
	s.teardownLinkLocked()
	if linked {
		_ = s.transport.Disconnect(id)
	}

	if !s.reconnecting {
		s.deviceID = ""
		s.setStateLocked(StateIdle)
		s.failLocked(newError(KindNotConnected, op, err), "Failed to connect")
		return
	}

	s.reconnectAttempt++
	if limit := s.opts.ReconnectMaxAttempts; limit > 0 && s.reconnectAttempt >= limit {
		s.reconnecting = false
		s.deviceID = ""
		s.setStateLocked(StateIdle)
		s.failLocked(newError(KindDisconnectedWithError, "reconnect", err),
			fmt.Sprintf("Reconnect failed after %d attempts", s.reconnectAttempt))
		return
	}
	s.setStateLocked(StateDisconnected)
	s.scheduleReconnectLocked(id)
}

func (s *Session) scheduleReconnectLocked(id string) {
	delay := time.Duration(0)
	if s.reconnectAttempt > 0 {
		delay = backoffDelay(s.reconnectAttempt-1, s.opts.ReconnectMaxBackoff)
	}
	if delay == 0 {
		s.connectLocked(id, "")
		return
	}
	s.logger.Info("[BLE] reconnect backoff", "attempt", s.reconnectAttempt+1, "delay", delay)
	s.setStatusLocked(fmt.Sprintf("Reconnecting in %s...", delay))

	ctx, cancel := context.WithCancel(s.ctx)
	s.reconnectCancel = cancel
	go func() {
		if wait(ctx, delay) != nil {
			return
		}
		s.do(func() {
			if ctx.Err() != nil || !s.reconnecting {
				return
			}
			s.reconnectCancel = nil
			s.connectLocked(id, "")
		})
	}()
}

func (s *Session) cancelReconnectLocked() {
	s.reconnecting = false
	s.reconnectAttempt = 0
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
}

func (s *Session) onLinkEvent(ev ble.LinkEvent) {
	if ev.DeviceID != s.deviceID || ev.Type != ble.LinkDisconnected {
		return
	}
	// While Connecting the outcome comes from Transport.Connect; a late event
	// from an earlier link must not cancel the new attempt.
	if s.state != StateDiscovering && s.state != StateReady {
		return
	}
	id := s.deviceID
	s.teardownLinkLocked()

	if ev.Err == nil {
		s.logger.Info("[BLE] disconnected", "device", id)
		s.deviceID = ""
		s.setStateLocked(StateDisconnected)
		s.setStateLocked(StateIdle)
		s.setStatusLocked("Disconnected")
		return
	}

	s.logger.Warn("[BLE] disconnected, reconnecting...", "device", id, "error", ev.Err)
	s.setStateLocked(StateDisconnected)
	s.failLocked(newError(KindDisconnectedWithError, "link", ev.Err), "Disconnected: "+ev.Err.Error())
	s.reconnecting = true
	s.reconnectAttempt = 0
	s.connectLocked(id, "")
}

// teardownLinkLocked cancels everything bound to the current link and
// clears the channel map.
func (s *Session) teardownLinkLocked() {
	s.link++
	if s.linkCancel != nil {
		s.linkCancel()
		s.linkCancel = nil
	}
	s.linkCtx = nil
	clear(s.channels)
	clear(s.uploading)
	s.ready.Store(false)
	s.refreshLocked()
}

func (s *Session) onNotification(gen uint64, ch ble.Channel, data []byte) {
	if gen != s.link {
		return
	}
	n := Notification{Channel: ch, Text: protocol.DecodeStatus(data), At: s.now()}
	s.logger.Debug("[BLE] notification", "channel", ch, "text", n.Text)
	s.bus.Publish(TopicNotify, n)
	s.setStatusLocked("Received: " + n.Text)
}

func (s *Session) displayNameLocked() string {
	if s.deviceName != "" {
		return s.deviceName
	}
	return s.deviceID
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("[BLE] state", "from", s.state, "to", st)
	s.state = st
	s.refreshLocked()
	s.bus.Publish(TopicState, StateEvent{Snapshot: s.snapshotLocked()})
}

func (s *Session) setStatusLocked(status string) {
	s.status = status
	s.refreshLocked()
	s.bus.Publish(TopicStatus, StatusEvent{Status: status})
}

// failLocked records e and publishes status with its kind.
func (s *Session) failLocked(e *Error, status string) {
	s.lastErr = e
	s.status = status
	s.refreshLocked()
	s.bus.Publish(TopicStatus, StatusEvent{Status: status, Kind: e.Kind})
}

func (s *Session) snapshotLocked() Snapshot {
	chans := make([]ble.Channel, 0, len(s.channels))
	for ch := range s.channels {
		chans = append(chans, ch)
	}
	slices.Sort(chans)
	snap := Snapshot{
		State:            s.state,
		Scanning:         s.scanning,
		DeviceID:         s.deviceID,
		DeviceName:       s.deviceName,
		Channels:         chans,
		Status:           s.status,
		Uploading:        maps.Clone(s.uploading),
		LastSentTime:     s.lastSent,
		ReconnectAttempt: s.reconnectAttempt,
		DebugMode:        s.debugMode,
		Settings:         s.settings,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
		snap.LastErrorKind = s.lastErr.Kind
	}
	return snap
}

func (s *Session) refreshLocked() {
	snap := s.snapshotLocked()
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}
