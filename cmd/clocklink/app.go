package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/clocklink/internal/alarm"
	"github.com/chaz8081/clocklink/internal/api"
	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/clock"
	"github.com/chaz8081/clocklink/internal/config"
	"github.com/chaz8081/clocklink/internal/discovery"
	"github.com/chaz8081/clocklink/internal/ringtone"
	"github.com/chaz8081/clocklink/internal/session"
	"github.com/chaz8081/clocklink/internal/storage"
)

var errUsage = errors.New("usage")

// readyTimeout bounds how long one-shot commands wait for the clock.
const readyTimeout = 30 * time.Second

// Devices not heard from for staleDeviceAge are dropped from the list.
const (
	staleDeviceAge   = 5 * time.Minute
	staleDeviceCheck = time.Minute
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	settings *storage.SettingsRepo
	fonts    *storage.FontRepo
	sched    *alarm.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := storage.Open(ctx, cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		settings: storage.NewSettingsRepo(db),
		fonts:    storage.NewFontRepo(db),
		sched:    alarm.NewScheduler(storage.NewAlarmRepo(db), logger),
	}
	if err := a.sched.Load(ctx); err != nil {
		logger.Warn("continuing without saved alarms", "error", err)
	}
	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "run":
		return a.run(ctx)
	case "scan":
		return a.scan(ctx)
	case "sync-time":
		return a.withDevice(ctx, func(s *session.Session) error {
			return s.SendDateTime(false)
		})
	case "alarm":
		return a.alarmCmd(ctx, args)
	case "font":
		return a.fontCmd(ctx, args)
	case "ringtone":
		return a.ringtoneCmd(ctx, args)
	case "buzzer":
		return a.buzzerCmd(ctx, args)
	}
	return errUsage
}

func (a *app) newSession() *session.Session {
	transport := ble.NewTinyGoTransport(a.logger)
	sess := session.New(transport, discovery.NewRegistry(), a.settings, a.sched, a.cfg.SessionOptions(), a.logger)
	a.sched.SetDeviceSync(sess)
	return sess
}

// run keeps the clock connected and in sync until interrupted.
func (a *app) run(ctx context.Context) error {
	sess := a.newSession()
	defer sess.Close()

	clk := clock.New(sess, clock.Options{}, a.logger)
	defer clk.Stop()
	clk.Countdown.OnExpire(func() { a.logger.Info("Timer finished") })

	go a.logEvents(sess.Subscribe(session.TopicStatus, session.TopicNotify))

	if err := sess.Start(ctx); err != nil {
		return err
	}
	go a.sched.Run(ctx, time.Second)
	go sess.Registry().PruneEvery(ctx, staleDeviceCheck, staleDeviceAge)

	errc := make(chan error, 1)
	if addr := a.cfg.API.Listen; addr != "" {
		srv := api.NewServer(api.Deps{
			Device: sess,
			Alarms: a.sched,
			Fonts:  a.fonts,
			Clock:  clk,
		}, api.Options{AllowedOrigins: a.cfg.API.AllowedOrigins}, a.logger)
		go func() { errc <- srv.ListenAndServe(ctx, addr) }()
	}

	a.logger.Info("Running. Ctrl+C to quit.")
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down...")
		return nil
	case err := <-errc:
		return fmt.Errorf("api: %w", err)
	}
}

func (a *app) logEvents(sub session.Subscription) {
	for msg := range sub {
		switch ev := msg.(type) {
		case session.StatusEvent:
			if ev.Kind != session.KindUnknown {
				a.logger.Warn(ev.Status, "kind", ev.Kind)
			} else {
				a.logger.Info(ev.Status)
			}
		case session.Notification:
			a.logger.Info("Clock says", "channel", ev.Channel, "text", ev.Text)
		}
	}
}

// withDevice connects, waits until the clock is ready, runs fn and
// disconnects.
func (a *app) withDevice(ctx context.Context, fn func(*session.Session) error) error {
	sess := a.newSession()
	defer sess.Close()

	sub := sess.Subscribe(session.TopicState, session.TopicStatus)
	if err := sess.Start(ctx); err != nil {
		drop(sess, sub)
		return err
	}
	err := waitReady(ctx, sess, sub, readyTimeout)
	drop(sess, sub)
	if err != nil {
		return err
	}
	return fn(sess)
}

func drop(sess *session.Session, sub session.Subscription) {
	go func() {
		for range sub {
		}
	}()
	sess.Unsubscribe(sub)
}

func waitReady(ctx context.Context, sess *session.Session, sub session.Subscription, timeout time.Duration) error {
	if sess.Ready() {
		return nil
	}
	fmt.Println("Waiting for the clock...")
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("clock not ready after %s: %s", timeout, sess.State().Status)
		case msg, ok := <-sub:
			if !ok {
				return errors.New("session closed")
			}
			switch ev := msg.(type) {
			case session.StateEvent:
				if ev.Snapshot.State == session.StateReady {
					fmt.Printf("Connected to %s\n", ev.Snapshot.DeviceName)
					return nil
				}
			case session.StatusEvent:
				fmt.Println(ev.Status)
			}
		}
	}
}

// scan lists nearby devices without connecting.
func (a *app) scan(ctx context.Context) error {
	transport := ble.NewTinyGoTransport(a.logger)
	if err := transport.Enable(); err != nil {
		return err
	}
	reg := discovery.NewRegistry()
	scanCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	advs, err := transport.Scan(scanCtx, ble.ScanFilter{ServiceUUID: a.cfg.Device.ServiceUUID})
	if err != nil {
		return err
	}
	fmt.Println("Scanning for 5s...")
	for adv := range advs {
		reg.Upsert(adv, time.Now())
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tRSSI")
	for _, d := range reg.List() {
		marker := ""
		if d.Name == a.cfg.Device.TargetName {
			marker = "  <- target"
		}
		fmt.Fprintf(w, "%s\t%s\t%d%s\n", d.ID, d.DisplayName(), d.RSSI, marker)
	}
	return w.Flush()
}

func (a *app) alarmCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "list":
		alarms := a.sched.Alarms()
		if len(alarms) == 0 {
			fmt.Println("No alarms")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tREPEAT\tENABLED\tNAME")
		for _, al := range alarms {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", al.ID, al.TimeString(), al.Repeat, al.Enabled, al.Name)
		}
		if next, ok := a.sched.Next(); ok {
			fmt.Fprintf(w, "\nNext: %s at %s (in %s)\n", next.Alarm.Name, next.At.Format(time.DateTime), next.In.Round(time.Second))
		}
		return w.Flush()

	case "add":
		return a.addAlarm(ctx, args[1:])

	case "rm", "toggle":
		if len(args) != 2 {
			return errUsage
		}
		id, err := a.findAlarm(args[1])
		if err != nil {
			return err
		}
		if args[0] == "rm" {
			if err := a.sched.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Println("Alarm deleted")
			return nil
		}
		al, err := a.sched.Toggle(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Alarm %s enabled: %t\n", al.TimeString(), al.Enabled)
		return nil
	}
	return errUsage
}

func (a *app) addAlarm(ctx context.Context, args []string) error {
	var (
		repeat alarm.RepeatDays
		rest   []string
	)
	for i := 0; i < len(args); i++ {
		if args[i] == "-repeat" && i+1 < len(args) {
			r, err := alarm.ParseRepeatDays(args[i+1])
			if err != nil {
				return err
			}
			repeat = r
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	if len(rest) == 0 {
		return errUsage
	}
	h, m, s, err := parseClock(rest[0])
	if err != nil {
		return err
	}
	al, err := a.sched.Add(ctx, alarm.New(strings.Join(rest[1:], " "), h, m, s, repeat))
	if err != nil {
		return err
	}
	fmt.Printf("Added alarm %s at %s (%s)\n", al.ID, al.TimeString(), al.Repeat)
	return nil
}

// findAlarm accepts a full ID or a unique prefix.
func (a *app) findAlarm(ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	var found []uuid.UUID
	for _, al := range a.sched.Alarms() {
		if strings.HasPrefix(al.ID.String(), strings.ToLower(ref)) {
			found = append(found, al.ID)
		}
	}
	switch len(found) {
	case 0:
		return uuid.Nil, alarm.ErrNotFound
	case 1:
		return found[0], nil
	}
	return uuid.Nil, fmt.Errorf("alarm id prefix %q is ambiguous", ref)
}

// parseClock parses HH:MM or HH:MM:SS.
func parseClock(s string) (hour, minute, second int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("invalid time %q, want HH:MM[:SS]", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		if vals[i], err = strconv.Atoi(p); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid time %q, want HH:MM[:SS]", s)
		}
	}
	return vals[0], vals[1], vals[2], nil
}

func (a *app) fontCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "select":
		if len(args) != 2 {
			return errUsage
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid font index %q", args[1])
		}
		return a.withDevice(ctx, func(s *session.Session) error { return s.SetFont(n) })

	case "list":
		fonts, err := a.fonts.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSIZE\tADDED")
		for _, f := range fonts {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", f.ID, f.Name, f.Size, f.AddedAt.Format(time.DateTime))
		}
		return w.Flush()

	case "upload":
		if len(args) < 2 {
			return errUsage
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		name := filepath.Base(args[1])
		if len(args) > 2 {
			name = strings.Join(args[2:], " ")
		}
		f, err := a.fonts.Save(ctx, name, data)
		if err != nil {
			return err
		}
		fmt.Printf("Saved font %q (%d bytes)\n", f.Name, f.Size)
		return a.withDevice(ctx, func(s *session.Session) error {
			return a.upload(ctx, s, func(ctx context.Context) error { return s.UploadCustomFont(ctx, data) })
		})
	}
	return errUsage
}

func (a *app) ringtoneCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	if a.cfg.RingtonesFile == "" {
		return errors.New("ringtones_file is not set in the config")
	}
	melodies, err := ringtone.LoadFile(a.cfg.RingtonesFile)
	if err != nil {
		return err
	}
	switch args[0] {
	case "list":
		for _, m := range melodies {
			fmt.Printf("%s (%d notes, tempo %d)\n", m.Name, len(m.Notes), m.Tempo)
		}
		return nil

	case "upload":
		if len(args) < 2 {
			return errUsage
		}
		m, ok := ringtone.Find(melodies, strings.Join(args[1:], " "))
		if !ok {
			return fmt.Errorf("no ringtone named %q in %s", strings.Join(args[1:], " "), a.cfg.RingtonesFile)
		}
		return a.withDevice(ctx, func(s *session.Session) error {
			err := a.upload(ctx, s, func(ctx context.Context) error { return s.UploadRingtone(ctx, m.Name, m.Bytes()) })
			if err == nil {
				s.SelectRingtone(m.Name)
			}
			return err
		})
	}
	return errUsage
}

// upload runs fn while printing progress.
func (a *app) upload(ctx context.Context, s *session.Session, fn func(context.Context) error) error {
	sub := s.Subscribe(session.TopicUpload)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub {
			if p, ok := msg.(session.UploadProgress); ok {
				fmt.Printf("\r%s upload: %3.0f%%", p.Channel, p.Fraction*100)
			}
		}
		fmt.Println()
	}()
	err := fn(ctx)
	s.Unsubscribe(sub)
	<-done
	return err
}

func (a *app) buzzerCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "on", "off":
		on := args[0] == "on"
		return a.withDevice(ctx, func(s *session.Session) error { return s.SetBuzzerEnabled(on) })
	case "test":
		return a.withDevice(ctx, func(s *session.Session) error { return s.TestBuzzer() })
	case "volume":
		if len(args) != 2 {
			return errUsage
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid volume %q", args[1])
		}
		return a.withDevice(ctx, func(s *session.Session) error { return s.SetBuzzerVolume(v) })
	}
	return errUsage
}
