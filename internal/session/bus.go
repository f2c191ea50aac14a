package session

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/cskr/pubsub"

	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/discovery"
)

// Event topics.
const (
	TopicState  = "state"
	TopicStatus = "status"
	TopicDevice = "device"
	TopicUpload = "upload"
	TopicNotify = "notify"
)

// AllTopics lists every topic a session publishes on.
var AllTopics = []string{TopicState, TopicStatus, TopicDevice, TopicUpload, TopicNotify}

// StateEvent is published on TopicState with the full snapshot after every
// state change.
type StateEvent struct {
	Snapshot Snapshot
}

// StatusEvent is published on TopicStatus with the human readable status line.
type StatusEvent struct {
	Status string
	Kind   Kind // KindUnknown when the status is not an error
}

// DeviceEvent is published on TopicDevice for every advertisement.
type DeviceEvent struct {
	Device discovery.Device
	New    bool
}

// UploadProgress is published on TopicUpload.
type UploadProgress struct {
	Channel  ble.Channel
	Index    int // chunk just written, 0-based
	Total    int
	Fraction float64
}

// Notification is published on TopicNotify for every value the clock sends.
type Notification struct {
	Channel ble.Channel
	Text    string
	At      time.Time
}

// Subscription receives published events. It is closed by Unsubscribe or
// when the session closes. Delivery is best effort: events published while
// the subscription is full are dropped for it.
type Subscription chan any

// Bus fans session events out to subscribers.
type Bus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func newBus(logger *slog.Logger) *Bus {
	return &Bus{
		ps:     pubsub.New(128),
		logger: logger,
	}
}

// Publish never waits on slow subscribers. It is a no-op once the bus is
// closed.
func (b *Bus) Publish(topic string, msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.TryPub(msg, topic)
}

func (b *Bus) Subscribe(topics ...string) Subscription {
	if len(topics) == 0 {
		topics = AllTopics
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		ch := make(Subscription)
		close(ch)
		return ch
	}
	ch := b.ps.Sub(topics...)
	b.logger.Debug("subscribe", "topics", topics)
	return ch
}

func (b *Bus) Unsubscribe(ch Subscription, topics ...string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")
		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
