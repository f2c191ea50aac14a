package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an alarm ID is unknown.
var ErrNotFound = errors.New("alarm: not found")

// Store persists the alarm list.
type Store interface {
	LoadAlarms(ctx context.Context) ([]Alarm, error)
	SaveAlarms(ctx context.Context, alarms []Alarm) error
}

// DeviceSync pushes alarms to the clock.
type DeviceSync interface {
	// Ready reports whether the device can currently accept alarms.
	Ready() bool
	// PushAlarm sends a single ADD.
	PushAlarm(a Alarm) error
	// PushAllAlarms clears the device and re-adds every given alarm.
	PushAllAlarms(alarms []Alarm) error
}

// Upcoming is the next alarm to fire across all enabled alarms.
type Upcoming struct {
	Alarm Alarm
	In    time.Duration
	At    time.Time
}

// Scheduler owns the in-memory alarm list. Every mutation is persisted,
// recomputes the upcoming alarm and, when the device is ready, re-syncs it.
type Scheduler struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	alarms    []Alarm
	next      *Upcoming
	device    DeviceSync
	listeners []func()
}

// NewScheduler creates an empty scheduler backed by store.
func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, logger: logger, now: time.Now}
}

// SetDeviceSync attaches the device the scheduler pushes alarms to.
func (s *Scheduler) SetDeviceSync(d DeviceSync) {
	s.mu.Lock()
	s.device = d
	s.mu.Unlock()
}

// OnChange registers fn to be called after every list or upcoming change.
func (s *Scheduler) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Load replaces the list with the persisted one. On a storage failure the
// list is left empty and the error is returned for reporting.
func (s *Scheduler) Load(ctx context.Context) error {
	alarms, err := s.store.LoadAlarms(ctx)
	if err != nil {
		s.logger.Error("loading alarms failed, starting with none", "error", err)
		alarms = nil
	}
	s.mu.Lock()
	s.alarms = alarms
	s.recomputeLocked()
	s.mu.Unlock()
	s.notify()
	if err != nil {
		return fmt.Errorf("alarm: load: %w", err)
	}
	return nil
}

// Alarms returns a copy of the list.
func (s *Scheduler) Alarms() []Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alarm(nil), s.alarms...)
}

// Enabled returns a copy of the enabled alarms in list order.
func (s *Scheduler) Enabled() []Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return enabledOf(s.alarms)
}

// Get returns the alarm with id.
func (s *Scheduler) Get(id uuid.UUID) (Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.alarms[i], nil
	}
	return Alarm{}, ErrNotFound
}

// Next returns the upcoming alarm, if any.
func (s *Scheduler) Next() (Upcoming, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		return Upcoming{}, false
	}
	return *s.next, true
}

// Add appends a and, when connected, sends only the new alarm.
func (s *Scheduler) Add(ctx context.Context, a Alarm) (Alarm, error) {
	if err := a.Validate(); err != nil {
		return Alarm{}, err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.mu.Lock()
	if s.indexLocked(a.ID) >= 0 {
		s.mu.Unlock()
		return Alarm{}, fmt.Errorf("alarm: duplicate id %s", a.ID)
	}
	a.ScheduledOnDevice = false
	s.alarms = append(s.alarms, a)
	s.commitLocked(ctx)
	dev := s.device
	s.mu.Unlock()

	if a.Enabled && dev != nil && dev.Ready() {
		if err := dev.PushAlarm(a); err != nil {
			s.logger.Warn("pushing new alarm failed", "alarm", a.ID, "error", err)
		} else {
			s.markScheduled(ctx, map[uuid.UUID]bool{a.ID: true}, false)
		}
	}
	s.notify()
	return a, nil
}

// Update replaces the alarm with the same ID and re-syncs the device.
func (s *Scheduler) Update(ctx context.Context, a Alarm) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	i := s.indexLocked(a.ID)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.alarms[i] = a
	s.commitLocked(ctx)
	s.mu.Unlock()

	s.resync(ctx)
	s.notify()
	return nil
}

// Delete removes the alarm and re-syncs the device.
func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.alarms = append(s.alarms[:i], s.alarms[i+1:]...)
	s.commitLocked(ctx)
	s.mu.Unlock()

	s.resync(ctx)
	s.notify()
	return nil
}

// Toggle flips the enabled flag and re-syncs the device.
func (s *Scheduler) Toggle(ctx context.Context, id uuid.UUID) (Alarm, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return Alarm{}, ErrNotFound
	}
	s.alarms[i].Enabled = !s.alarms[i].Enabled
	a := s.alarms[i]
	s.commitLocked(ctx)
	s.mu.Unlock()

	s.resync(ctx)
	s.notify()
	return a, nil
}

// Resync clears the device and re-sends every enabled alarm, if ready.
func (s *Scheduler) Resync(ctx context.Context) {
	s.resync(ctx)
	s.notify()
}

// Recompute refreshes the upcoming alarm against the current time.
func (s *Scheduler) Recompute() {
	s.mu.Lock()
	before := s.next
	s.recomputeLocked()
	changed := !sameUpcoming(before, s.next)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Run recomputes the upcoming alarm every period until ctx is done.
func (s *Scheduler) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Recompute()
		}
	}
}

func (s *Scheduler) resync(ctx context.Context) {
	s.mu.Lock()
	dev := s.device
	enabled := enabledOf(s.alarms)
	s.mu.Unlock()
	if dev == nil || !dev.Ready() {
		return
	}
	if err := dev.PushAllAlarms(enabled); err != nil {
		s.logger.Warn("re-syncing alarms failed", "error", err)
		return
	}
	pushed := make(map[uuid.UUID]bool, len(enabled))
	for _, a := range enabled {
		pushed[a.ID] = true
	}
	s.markScheduled(ctx, pushed, true)
}

// markScheduled sets ScheduledOnDevice for the given IDs. With exclusive,
// every other alarm is marked as not scheduled.
func (s *Scheduler) markScheduled(ctx context.Context, ids map[uuid.UUID]bool, exclusive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for i := range s.alarms {
		want := ids[s.alarms[i].ID]
		if !want && !exclusive {
			continue
		}
		if s.alarms[i].ScheduledOnDevice != want {
			s.alarms[i].ScheduledOnDevice = want
			changed = true
		}
	}
	if changed {
		s.persistLocked(ctx)
	}
}

// commitLocked persists and recomputes after a mutation. Caller holds mu.
func (s *Scheduler) commitLocked(ctx context.Context) {
	s.persistLocked(ctx)
	s.recomputeLocked()
}

func (s *Scheduler) persistLocked(ctx context.Context) {
	if err := s.store.SaveAlarms(ctx, append([]Alarm(nil), s.alarms...)); err != nil {
		// The in-memory list stays authoritative; the next mutation retries.
		s.logger.Error("saving alarms failed", "error", err)
	}
}

func (s *Scheduler) recomputeLocked() {
	s.next = Soonest(s.alarms, s.now())
}

func (s *Scheduler) indexLocked(id uuid.UUID) int {
	for i := range s.alarms {
		if s.alarms[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) notify() {
	s.mu.Lock()
	fns := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Soonest returns the enabled alarm with the smallest time until it fires,
// or nil if none will fire.
func Soonest(alarms []Alarm, now time.Time) *Upcoming {
	var best *Upcoming
	for _, a := range alarms {
		if !a.Enabled {
			continue
		}
		in, ok := NextTrigger(a, now)
		if !ok {
			continue
		}
		if best == nil || in < best.In {
			best = &Upcoming{Alarm: a, In: in, At: now.Add(in)}
		}
	}
	return best
}

func enabledOf(alarms []Alarm) []Alarm {
	var out []Alarm
	for _, a := range alarms {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

func sameUpcoming(a, b *Upcoming) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Alarm.ID == b.Alarm.ID && a.At.Truncate(time.Second).Equal(b.At.Truncate(time.Second))
}
