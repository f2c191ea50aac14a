// Package alarm models the user's local alarms and computes when they fire
// next. Times are wall-clock and timezone-naive: an alarm at 07:30 fires at
// 07:30 in whatever location the reference time carries.
package alarm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RepeatDays is a 7-bit weekday mask, Sunday = bit 0 … Saturday = bit 6.
// Zero means the alarm fires once.
type RepeatDays uint8

const (
	Sunday RepeatDays = 1 << iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

const (
	Once     RepeatDays = 0
	Weekdays            = Monday | Tuesday | Wednesday | Thursday | Friday
	Weekends            = Saturday | Sunday
	Daily               = Weekdays | Weekends
)

var dayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// DayOf returns the mask bit for a weekday.
func DayOf(d time.Weekday) RepeatDays { return 1 << uint(d) }

// Has reports whether d is set.
func (r RepeatDays) Has(d time.Weekday) bool { return r&DayOf(d) != 0 }

// Valid reports whether only the low 7 bits are used.
func (r RepeatDays) Valid() bool { return r&^Daily == 0 }

func (r RepeatDays) String() string {
	switch r {
	case Daily:
		return "Daily"
	case Weekdays:
		return "Weekdays"
	case Weekends:
		return "Weekends"
	case Once:
		return "Once"
	}
	var days []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if r.Has(d) {
			days = append(days, dayNames[d])
		}
	}
	return strings.Join(days, ", ")
}

// ParseRepeatDays accepts "once", "daily", "weekdays", "weekends" or a
// comma separated list of three-letter day names.
func ParseRepeatDays(s string) (RepeatDays, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "once":
		return Once, nil
	case "daily":
		return Daily, nil
	case "weekdays":
		return Weekdays, nil
	case "weekends":
		return Weekends, nil
	}
	var r RepeatDays
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		found := false
		for i, name := range dayNames {
			if strings.EqualFold(part, name) {
				r |= DayOf(time.Weekday(i))
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("alarm: unknown day %q", part)
		}
	}
	return r, nil
}

// Alarm is one user-defined alarm.
type Alarm struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	Hour              int        `json:"hour"`
	Minute            int        `json:"minute"`
	Second            int        `json:"second"`
	Enabled           bool       `json:"enabled"`
	Repeat            RepeatDays `json:"repeat_days"`
	ScheduledOnDevice bool       `json:"scheduled_on_device"`
}

// New returns an enabled alarm with a fresh identity.
func New(name string, hour, minute, second int, repeat RepeatDays) Alarm {
	return Alarm{
		ID:      uuid.New(),
		Name:    name,
		Hour:    hour,
		Minute:  minute,
		Second:  second,
		Enabled: true,
		Repeat:  repeat,
	}
}

var errInvalidTime = errors.New("alarm: time of day out of range")

// Validate checks the time of day and repeat mask.
func (a Alarm) Validate() error {
	if a.Hour < 0 || a.Hour > 23 || a.Minute < 0 || a.Minute > 59 || a.Second < 0 || a.Second > 59 {
		return fmt.Errorf("%w: %02d:%02d:%02d", errInvalidTime, a.Hour, a.Minute, a.Second)
	}
	if !a.Repeat.Valid() {
		return fmt.Errorf("alarm: repeat mask %#x uses more than 7 bits", uint8(a.Repeat))
	}
	return nil
}

// Clock returns the time of day as HH:MM:SS.
func (a Alarm) Clock() string {
	return fmt.Sprintf("%02d:%02d:%02d", a.Hour, a.Minute, a.Second)
}

// TimeString renders the time of day in 12-hour form, e.g. "7:30 AM".
func (a Alarm) TimeString() string {
	return time.Date(2000, 1, 1, a.Hour, a.Minute, a.Second, 0, time.UTC).Format("3:04 PM")
}

func (a Alarm) secondOfDay() int { return a.Hour*3600 + a.Minute*60 + a.Second }

// NextTrigger returns how long after from the alarm next fires. An alarm
// whose time of day equals from on a day it is set for is due now and
// reports zero. A one-shot alarm whose time has already passed today has no
// next trigger. A repeating alarm always fires within the next seven days.
func NextTrigger(a Alarm, from time.Time) (time.Duration, bool) {
	if a.Repeat == Once {
		at := time.Date(from.Year(), from.Month(), from.Day(), a.Hour, a.Minute, a.Second, 0, from.Location())
		if !at.Before(from) {
			return at.Sub(from), true
		}
		return 0, false
	}

	today := from.Weekday()
	cur := from.Hour()*3600 + from.Minute()*60 + from.Second()
	target := a.secondOfDay()
	frac := time.Duration(from.Nanosecond())

	if a.Repeat.Has(today) && (target > cur || (target == cur && frac == 0)) {
		return time.Duration(target-cur)*time.Second - frac, true
	}
	for offset := 1; offset <= 7; offset++ {
		day := time.Weekday((int(today) + offset) % 7)
		if a.Repeat.Has(day) {
			secs := offset*24*3600 - cur + target
			return time.Duration(secs)*time.Second - frac, true
		}
	}
	return 0, false
}
