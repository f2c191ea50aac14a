package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chaz8081/clocklink/internal/alarm"
	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/ble/protocol"
)

// SetAlarmSource sets where provisioning reads the alarm list from.
func (s *Session) SetAlarmSource(src AlarmSource) {
	s.do(func() { s.alarms = src })
}

// send writes one frame on ch. Runs on the actor so writes never interleave.
func (s *Session) send(op string, ch ble.Channel, frame []byte) error {
	return s.call(func() error { return s.writeLocked(op, ch, frame, false) })
}

func (s *Session) writeUploadFrame(op string, ch ble.Channel, frame []byte) error {
	return s.call(func() error { return s.writeLocked(op, ch, frame, true) })
}

// writeLocked checks that ch is usable (link up and handle present) and
// writes frame. Uploads own their channel for their whole run.
func (s *Session) writeLocked(op string, ch ble.Channel, frame []byte, upload bool) error {
	if s.state != StateDiscovering && s.state != StateReady {
		e := channelError(KindNotConnected, op, ch, nil)
		s.failLocked(e, "Not connected")
		return e
	}
	h, ok := s.channels[ch]
	if !ok {
		e := channelError(KindChannelMissing, op, ch, nil)
		s.failLocked(e, fmt.Sprintf("%s channel not available", ch))
		return e
	}
	if !upload && s.uploader.Busy(ch) {
		return channelError(KindUploadInProgress, op, ch, nil)
	}
	if err := s.transport.Write(h, frame, true); err != nil {
		kind := KindWriteFailed
		if errors.Is(err, ble.ErrNotConnected) {
			kind = KindNotConnected
		}
		e := channelError(kind, op, ch, err)
		s.logger.Warn("[BLE] write failed", "channel", ch, "op", op, "error", err)
		s.failLocked(e, "Failed to send "+op)
		return e
	}
	attrs := []any{"channel", ch, "op", op, "bytes", len(frame)}
	if !upload {
		if verb, args, err := protocol.ParseCommand(frame); err == nil {
			attrs = append(attrs, "verb", verb, "args", args)
		}
	}
	s.logger.Debug("[BLE] write", attrs...)
	return nil
}

// sendStatus is send plus a status line on success.
func (s *Session) sendStatus(op string, ch ble.Channel, frame []byte, status string) error {
	return s.call(func() error {
		if err := s.writeLocked(op, ch, frame, false); err != nil {
			return err
		}
		s.setStatusLocked(status)
		return nil
	})
}

// SendTime sends the current wall-clock time.
func (s *Session) SendTime() error {
	return s.call(func() error {
		now := s.now()
		if err := s.writeLocked("send time", ble.ChannelTime, protocol.TimeSync(now), false); err != nil {
			return err
		}
		s.lastSent = now
		s.setStatusLocked("Time sent: " + now.Format("15:04:05"))
		return nil
	})
}

// SendBlinkCount sends the legacy LED blink counter on the time channel.
func (s *Session) SendBlinkCount(n int) error {
	return s.sendStatus("send blink count", ble.ChannelTime, protocol.BlinkCount(n), "Blink count sent: "+strconv.Itoa(n))
}

// SendDateTime sends the current date, time and weekday. auto marks the
// automatic sync done while provisioning.
func (s *Session) SendDateTime(auto bool) error {
	return s.call(func() error {
		now := s.now()
		if err := s.writeLocked("send date/time", ble.ChannelDateTime, protocol.DateTimeSync(now), false); err != nil {
			return err
		}
		s.lastSent = now
		if auto {
			s.setStatusLocked("Auto-synced: " + now.Format("2006-01-02 15:04:05"))
		} else {
			s.setStatusLocked("Date/time sent: " + now.Format("2006-01-02 15:04:05"))
		}
		return nil
	})
}

// SetAlarm sets the single legacy alarm.
func (s *Session) SetAlarm(hour, minute, second int) error {
	return s.sendStatus("set alarm", ble.ChannelAlarm, protocol.AlarmSet(hour, minute, second),
		fmt.Sprintf("Alarm set: %02d:%02d:%02d", hour, minute, second))
}

func (s *Session) DisableAlarm() error {
	return s.sendStatus("disable alarm", ble.ChannelAlarm, protocol.AlarmOff(), "Alarm disabled")
}

func (s *Session) DismissAlarm() error {
	return s.sendStatus("dismiss alarm", ble.ChannelAlarm, protocol.AlarmDismiss(), "Alarm dismissed")
}

func (s *Session) ClearAlarms() error {
	return s.sendStatus("clear alarms", ble.ChannelAlarm, protocol.AlarmClear(), "Alarms cleared")
}

// PushAlarm sends one ADD frame.
func (s *Session) PushAlarm(a alarm.Alarm) error {
	return s.send("add alarm", ble.ChannelAlarm, addFrame(a))
}

// PushAllAlarms clears the device alarms and re-adds every enabled alarm,
// spacing the ADD frames by the configured stagger. The sequence stops if
// the link drops.
func (s *Session) PushAllAlarms(alarms []alarm.Alarm) error {
	ctx, err := s.currentLink()
	if err != nil {
		return err
	}
	return s.pushAlarms(ctx, alarms)
}

func (s *Session) pushAlarms(ctx context.Context, alarms []alarm.Alarm) error {
	if err := s.send("clear alarms", ble.ChannelAlarm, protocol.AlarmClear()); err != nil {
		return err
	}
	var errs []error
	n := 0
	for _, a := range alarms {
		if !a.Enabled {
			continue
		}
		if n > 0 {
			if err := wait(ctx, s.opts.Provision.AlarmStagger); err != nil {
				return channelError(KindNotConnected, "add alarm", ble.ChannelAlarm, err)
			}
		}
		n++
		if err := s.send("add alarm", ble.ChannelAlarm, addFrame(a)); err != nil {
			if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrChannelMissing) {
				return err
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	_ = s.call(func() error {
		s.setStatusLocked(fmt.Sprintf("%d alarm(s) synced", n))
		return nil
	})
	return nil
}

func addFrame(a alarm.Alarm) []byte {
	return protocol.AlarmAdd(a.Hour, a.Minute, a.Second, protocol.RepeatMask(a.Repeat), a.Name)
}

// currentLink returns the context of the live link.
func (s *Session) currentLink() (context.Context, error) {
	var ctx context.Context
	err := s.call(func() error {
		if s.linkCtx == nil || (s.state != StateDiscovering && s.state != StateReady) {
			return newError(KindNotConnected, "sync alarms", nil)
		}
		ctx = s.linkCtx
		return nil
	})
	return ctx, err
}

// SetFont selects a built-in font. The choice is saved even when the
// device is not connected.
func (s *Session) SetFont(index int) error {
	if index < 0 {
		return fmt.Errorf("session: font index %d out of range", index)
	}
	return s.call(func() error {
		s.settings.SelectedFont = index
		persistSetting(s.ctx, s.store, s.logger, keySelectedFont, strconv.Itoa(index))
		s.refreshLocked()
		if !s.ready.Load() {
			return nil
		}
		if err := s.writeLocked("select font", ble.ChannelFont, protocol.FontSelect(index), false); err != nil {
			return err
		}
		s.setStatusLocked(fmt.Sprintf("Font %d selected", index))
		return nil
	})
}

// SetAutoSync toggles automatic date/time sync and syncs right away when
// switched on while Ready.
func (s *Session) SetAutoSync(on bool) error {
	return s.call(func() error {
		s.settings.AutoSync = on
		persistSetting(s.ctx, s.store, s.logger, keyAutoSync, strconv.FormatBool(on))
		s.refreshLocked()
		if !on || !s.ready.Load() {
			return nil
		}
		now := s.now()
		if err := s.writeLocked("send date/time", ble.ChannelDateTime, protocol.DateTimeSync(now), false); err != nil {
			return err
		}
		s.lastSent = now
		s.setStatusLocked("Auto-synced: " + now.Format("2006-01-02 15:04:05"))
		return nil
	})
}

// SetBuzzerEnabled saves and, when Ready, sends the buzzer state.
func (s *Session) SetBuzzerEnabled(on bool) error {
	return s.call(func() error {
		s.settings.BuzzerEnabled = on
		persistSetting(s.ctx, s.store, s.logger, keyBuzzerEnabled, strconv.FormatBool(on))
		s.refreshLocked()
		if !s.ready.Load() {
			return nil
		}
		if err := s.writeLocked("set buzzer", ble.ChannelBuzzer, protocol.BuzzerState(on), false); err != nil {
			return err
		}
		if on {
			s.setStatusLocked("Buzzer enabled")
		} else {
			s.setStatusLocked("Buzzer disabled")
		}
		return nil
	})
}

// SetBuzzerVolume saves and, when Ready, sends the volume clamped to 0–100.
func (s *Session) SetBuzzerVolume(volume int) error {
	volume = protocol.ClampVolume(volume)
	return s.call(func() error {
		s.settings.BuzzerVolume = volume
		persistSetting(s.ctx, s.store, s.logger, keyBuzzerVolume, strconv.Itoa(volume))
		s.refreshLocked()
		if !s.ready.Load() {
			return nil
		}
		if err := s.writeLocked("set volume", ble.ChannelBuzzer, protocol.BuzzerVolume(volume), false); err != nil {
			return err
		}
		s.setStatusLocked(fmt.Sprintf("Volume set to %d%%", volume))
		return nil
	})
}

// TestBuzzer makes the clock beep once.
func (s *Session) TestBuzzer() error {
	return s.sendStatus("test buzzer", ble.ChannelBuzzer, protocol.BuzzerTest(), "Buzzer test sent")
}

// SelectRingtone saves the ringtone name without uploading anything.
func (s *Session) SelectRingtone(name string) {
	s.do(func() {
		s.settings.SelectedRingtone = name
		persistSetting(s.ctx, s.store, s.logger, keySelectedRingtone, name)
		s.refreshLocked()
	})
}

func (s *Session) TimerSet(hours, minutes, seconds int) error {
	return s.send("timer set", ble.ChannelTimer, protocol.TimerSet(hours, minutes, seconds))
}

func (s *Session) TimerStart() error {
	return s.send("timer start", ble.ChannelTimer, protocol.TimerStart())
}

func (s *Session) TimerPause() error {
	return s.send("timer pause", ble.ChannelTimer, protocol.TimerPause())
}

func (s *Session) TimerReset() error {
	return s.send("timer reset", ble.ChannelTimer, protocol.TimerReset())
}

func (s *Session) TimerDismiss() error {
	return s.send("timer dismiss", ble.ChannelTimer, protocol.TimerDismiss())
}

func (s *Session) StopwatchStart() error {
	return s.send("stopwatch start", ble.ChannelStopwatch, protocol.StopwatchStart())
}

func (s *Session) StopwatchPause() error {
	return s.send("stopwatch pause", ble.ChannelStopwatch, protocol.StopwatchPause())
}

func (s *Session) StopwatchReset() error {
	return s.send("stopwatch reset", ble.ChannelStopwatch, protocol.StopwatchReset())
}

func (s *Session) StopwatchDismiss() error {
	return s.send("stopwatch dismiss", ble.ChannelStopwatch, protocol.StopwatchDismiss())
}

// UploadCustomFont transfers a rasterized font bitmap as raw chunks.
func (s *Session) UploadCustomFont(ctx context.Context, data []byte) error {
	err := s.upload(ctx, UploadRequest{
		Op:       "upload font",
		Channel:  ble.ChannelCustomFont,
		Payload:  data,
		Encoding: protocol.EncodingRaw,
		Pacing:   s.opts.FontUpload,
	})
	if err != nil {
		return err
	}
	return s.call(func() error {
		s.setStatusLocked("Custom font uploaded")
		return nil
	})
}

// UploadRingtone transfers an encoded melody as hex chunks and selects it.
func (s *Session) UploadRingtone(ctx context.Context, name string, data []byte) error {
	err := s.upload(ctx, UploadRequest{
		Op:       "upload ringtone",
		Channel:  ble.ChannelRingtone,
		Payload:  data,
		Encoding: protocol.EncodingHex,
		Pacing:   s.opts.RingtoneUpload,
	})
	if err != nil {
		return err
	}
	return s.call(func() error {
		s.settings.SelectedRingtone = name
		persistSetting(s.ctx, s.store, s.logger, keySelectedRingtone, name)
		s.setStatusLocked("Ringtone uploaded: " + name)
		return nil
	})
}

// upload runs req bound to both ctx and the current link, publishing
// progress on TopicUpload.
func (s *Session) upload(ctx context.Context, req UploadRequest) error {
	link, err := s.currentLink()
	if err != nil {
		return channelError(KindNotConnected, req.Op, req.Channel, nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(link, cancel)
	defer stop()

	req.OnProgress = func(p UploadProgress) {
		s.do(func() {
			if _, live := s.channels[p.Channel]; live {
				s.uploading[p.Channel] = p.Fraction
			}
			s.status = fmt.Sprintf("Uploading %s: %d%%", p.Channel, int(p.Fraction*100+0.5))
			s.refreshLocked()
		})
		s.bus.Publish(TopicUpload, p)
	}
	if s.uploader.Busy(req.Channel) {
		return channelError(KindUploadInProgress, req.Op, req.Channel, nil)
	}
	s.do(func() {
		s.uploading[req.Channel] = 0
		s.refreshLocked()
	})
	err = s.uploader.Run(ctx, req)
	if KindOf(err) == KindUploadInProgress {
		// Lost the race to another upload; its progress entry stays.
		return err
	}
	s.do(func() {
		delete(s.uploading, req.Channel)
		s.refreshLocked()
	})
	return err
}

// provision runs the staggered setup sequence after entering Ready. Each
// step is independent; it stops when the link goes away.
func (s *Session) provision(ctx context.Context, readyAt time.Time) {
	d := s.opts.Provision
	settings := s.Settings()
	steps := []struct {
		name string
		at   time.Duration
		run  func() error
	}{
		{"date/time", d.DateTime, func() error {
			if !settings.AutoSync {
				return nil
			}
			return s.SendDateTime(true)
		}},
		{"font", d.Font, func() error {
			return s.send("select font", ble.ChannelFont, protocol.FontSelect(settings.SelectedFont))
		}},
		{"buzzer", d.Buzzer, func() error {
			errState := s.send("set buzzer", ble.ChannelBuzzer, protocol.BuzzerState(settings.BuzzerEnabled))
			errVol := s.send("set volume", ble.ChannelBuzzer, protocol.BuzzerVolume(settings.BuzzerVolume))
			return errors.Join(errState, errVol)
		}},
		{"alarms", d.Alarms, func() error {
			var list []alarm.Alarm
			_ = s.call(func() error {
				if s.alarms != nil {
					list = s.alarms.Enabled()
				}
				return nil
			})
			return s.pushAlarms(ctx, list)
		}},
	}

	for _, step := range steps {
		if err := wait(ctx, time.Until(readyAt.Add(step.at))); err != nil {
			s.logger.Debug("[BLE] provisioning cancelled", "step", step.name)
			return
		}
		if err := step.run(); err != nil {
			s.logger.Warn("[BLE] provisioning step failed", "step", step.name, "error", err)
			continue
		}
		s.logger.Debug("[BLE] provisioned", "step", step.name)
	}
	s.logger.Info("[BLE] provisioning complete")
}
