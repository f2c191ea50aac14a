// Package clock runs the local countdown timer and stopwatch. Each mirrors
// its state to the desk clock through a Device, but keeps counting on its
// own when no device is connected.
package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Device is the subset of the session the timer and stopwatch drive. Errors
// are logged and otherwise ignored.
type Device interface {
	TimerSet(hours, minutes, seconds int) error
	TimerStart() error
	TimerPause() error
	TimerReset() error
	TimerDismiss() error
	StopwatchStart() error
	StopwatchPause() error
	StopwatchReset() error
	StopwatchDismiss() error
}

// ErrNoDuration is returned when starting a countdown with nothing left.
var ErrNoDuration = errors.New("clock: countdown duration is zero")

// tickerFunc starts a ticker and returns its channel and a stop function.
type tickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ticking runs fn on every tick until stop is closed.
func ticking(newTicker tickerFunc, d time.Duration, stop <-chan struct{}, fn func()) {
	c, halt := newTicker(d)
	go func() {
		defer halt()
		for {
			select {
			case <-stop:
				return
			case <-c:
				fn()
			}
		}
	}()
}

// Countdown counts down in whole seconds.
type Countdown struct {
	dev       Device
	logger    *slog.Logger
	interval  time.Duration
	newTicker tickerFunc

	mu        sync.Mutex
	remaining int // seconds
	running   bool
	stop      chan struct{}
	onStart   func()
	onExpire  func()
}

// Set sets the remaining time, rounded down to whole seconds. It fails
// while the countdown is running.
func (c *Countdown) Set(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("clock: negative duration %s", d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("clock: countdown is running")
	}
	c.remaining = int(d / time.Second)
	return nil
}

// Start sends the remaining time to the device and starts counting.
func (c *Countdown) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if c.remaining == 0 {
		c.mu.Unlock()
		return ErrNoDuration
	}
	rem := c.remaining
	c.running = true
	c.stop = make(chan struct{})
	stop, onStart := c.stop, c.onStart
	c.mu.Unlock()

	if onStart != nil {
		onStart()
	}
	c.device("timer set", c.dev.TimerSet(rem/3600, rem%3600/60, rem%60))
	c.device("timer start", c.dev.TimerStart())
	ticking(c.newTicker, c.interval, stop, func() { c.tick(stop) })
	return nil
}

func (c *Countdown) tick(stop chan struct{}) {
	c.mu.Lock()
	if c.stop != stop || !c.running {
		c.mu.Unlock()
		return
	}
	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining > 0 {
		c.mu.Unlock()
		return
	}
	c.haltLocked()
	expire := c.onExpire
	c.mu.Unlock()

	c.device("timer pause", c.dev.TimerPause())
	if expire != nil {
		expire()
	}
}

// Pause stops counting and pauses the device timer.
func (c *Countdown) Pause() {
	c.mu.Lock()
	c.haltLocked()
	c.mu.Unlock()
	c.device("timer pause", c.dev.TimerPause())
}

// Reset clears the countdown locally and on the device.
func (c *Countdown) Reset() {
	c.resetLocal()
	c.device("timer reset", c.dev.TimerReset())
	c.device("timer dismiss", c.dev.TimerDismiss())
}

func (c *Countdown) resetLocal() {
	c.mu.Lock()
	c.haltLocked()
	c.remaining = 0
	c.mu.Unlock()
}

func (c *Countdown) haltLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.running = false
}

// Remaining returns the time left.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.remaining) * time.Second
}

// Running reports whether the countdown is counting.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// OnExpire registers fn to run when the countdown reaches zero.
func (c *Countdown) OnExpire(fn func()) {
	c.mu.Lock()
	c.onExpire = fn
	c.mu.Unlock()
}

func (c *Countdown) String() string {
	rem := c.Remaining()
	return fmt.Sprintf("%02d : %02d", int(rem.Minutes()), int(rem.Seconds())%60)
}

func (c *Countdown) device(op string, err error) {
	if err != nil {
		c.logger.Debug("device command skipped", "op", op, "error", err)
	}
}

// Stopwatch counts up in steps of its tick interval.
type Stopwatch struct {
	dev       Device
	logger    *slog.Logger
	interval  time.Duration
	newTicker tickerFunc

	mu      sync.Mutex
	elapsed time.Duration
	running bool
	stop    chan struct{}
	onStart func()
}

// Start starts counting and starts the device stopwatch.
func (s *Stopwatch) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop, onStart := s.stop, s.onStart
	s.mu.Unlock()

	if onStart != nil {
		onStart()
	}
	s.device("stopwatch start", s.dev.StopwatchStart())
	ticking(s.newTicker, s.interval, stop, func() {
		s.mu.Lock()
		if s.stop == stop && s.running {
			s.elapsed += s.interval
		}
		s.mu.Unlock()
	})
}

// Pause stops counting and pauses the device stopwatch.
func (s *Stopwatch) Pause() {
	s.mu.Lock()
	s.haltLocked()
	s.mu.Unlock()
	s.device("stopwatch pause", s.dev.StopwatchPause())
}

// Reset zeroes the stopwatch locally and on the device.
func (s *Stopwatch) Reset() {
	s.resetLocal()
	s.device("stopwatch reset", s.dev.StopwatchReset())
	s.device("stopwatch dismiss", s.dev.StopwatchDismiss())
}

func (s *Stopwatch) resetLocal() {
	s.mu.Lock()
	s.haltLocked()
	s.elapsed = 0
	s.mu.Unlock()
}

func (s *Stopwatch) haltLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.running = false
}

// Elapsed returns the counted time.
func (s *Stopwatch) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Running reports whether the stopwatch is counting.
func (s *Stopwatch) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Stopwatch) String() string {
	e := s.Elapsed()
	return fmt.Sprintf("%02d : %02d", int(e.Minutes()), int(e.Seconds())%60)
}

func (s *Stopwatch) device(op string, err error) {
	if err != nil {
		s.logger.Debug("device command skipped", "op", op, "error", err)
	}
}

// Options sets the tick intervals. Zero values use 1s and 10ms.
type Options struct {
	CountdownTick time.Duration
	StopwatchTick time.Duration
}

// Clock pairs a countdown and a stopwatch. Starting either one resets the
// other locally.
type Clock struct {
	Countdown *Countdown
	Stopwatch *Stopwatch
}

// New creates a Clock driving dev.
func New(dev Device, opts Options, logger *slog.Logger) *Clock {
	return newClock(dev, opts, logger, realTicker)
}

func newClock(dev Device, opts Options, logger *slog.Logger, newTicker tickerFunc) *Clock {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CountdownTick <= 0 {
		opts.CountdownTick = time.Second
	}
	if opts.StopwatchTick <= 0 {
		opts.StopwatchTick = 10 * time.Millisecond
	}
	c := &Clock{
		Countdown: &Countdown{dev: dev, logger: logger, interval: opts.CountdownTick, newTicker: newTicker},
		Stopwatch: &Stopwatch{dev: dev, logger: logger, interval: opts.StopwatchTick, newTicker: newTicker},
	}
	c.Countdown.onStart = c.Stopwatch.resetLocal
	c.Stopwatch.onStart = c.Countdown.resetLocal
	return c
}

// Stop halts both without touching the device.
func (c *Clock) Stop() {
	c.Countdown.mu.Lock()
	c.Countdown.haltLocked()
	c.Countdown.mu.Unlock()
	c.Stopwatch.mu.Lock()
	c.Stopwatch.haltLocked()
	c.Stopwatch.mu.Unlock()
}
