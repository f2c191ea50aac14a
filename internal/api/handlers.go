package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chaz8081/clocklink/internal/alarm"
	"github.com/chaz8081/clocklink/internal/ringtone"
	"github.com/chaz8081/clocklink/internal/session"
	"github.com/chaz8081/clocklink/internal/storage"
)

// ========== State ==========

type upcomingResponse struct {
	Alarm     alarm.Alarm `json:"alarm"`
	InSeconds int64       `json:"in_seconds"`
	At        time.Time   `json:"at"`
}

type timerResponse struct {
	RemainingSeconds int  `json:"remaining_seconds"`
	Running          bool `json:"running"`
}

type stopwatchResponse struct {
	ElapsedMillis int64 `json:"elapsed_ms"`
	Running       bool  `json:"running"`
}

type stateResponse struct {
	Session   session.Snapshot   `json:"session"`
	NextAlarm *upcomingResponse  `json:"next_alarm,omitempty"`
	Timer     *timerResponse     `json:"timer,omitempty"`
	Stopwatch *stopwatchResponse `json:"stopwatch,omitempty"`
}

// HandleState returns the session snapshot with the next alarm and the
// local timer and stopwatch.
func (s *Server) HandleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{Session: s.deps.Device.State()}
	if next, ok := s.deps.Alarms.Next(); ok {
		resp.NextAlarm = &upcomingResponse{Alarm: next.Alarm, InSeconds: int64(next.In / time.Second), At: next.At}
	}
	if c := s.deps.Clock; c != nil {
		resp.Timer = &timerResponse{
			RemainingSeconds: int(c.Countdown.Remaining() / time.Second),
			Running:          c.Countdown.Running(),
		}
		resp.Stopwatch = &stopwatchResponse{
			ElapsedMillis: c.Stopwatch.Elapsed().Milliseconds(),
			Running:       c.Stopwatch.Running(),
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// ========== Connection ==========

// HandleListDevices lists the devices seen by the last scan.
func (s *Server) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.deps.Device.Registry().List()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"total":   len(devices),
	})
}

func (s *Server) HandleStartScan(w http.ResponseWriter, r *http.Request) {
	s.respondResult(w, s.deps.Device.StartScan())
}

func (s *Server) HandleStopScan(w http.ResponseWriter, r *http.Request) {
	s.respondResult(w, s.deps.Device.StopScan())
}

// HandleConnect starts connecting to a device. The result is reported
// through the state and events endpoints.
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "device id is required")
		return
	}
	if err := s.deps.Device.Connect(id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, s.deps.Device.State())
}

func (s *Server) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.respondResult(w, s.deps.Device.Disconnect())
}

type debugRequest struct {
	Enabled *bool `json:"enabled"`
}

// HandleDebugMode toggles whether scanning continues after the clock is
// found. The change is applied asynchronously.
func (s *Server) HandleDebugMode(w http.ResponseWriter, r *http.Request) {
	var req debugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.deps.Device.SetDebugMode(*req.Enabled)
	s.respondJSON(w, http.StatusAccepted, map[string]bool{"debug_mode": *req.Enabled})
}

// ========== Alarms ==========

type alarmRequest struct {
	Name    string `json:"name"`
	Hour    int    `json:"hour"`
	Minute  int    `json:"minute"`
	Second  int    `json:"second"`
	Enabled *bool  `json:"enabled"`
	// Repeat accepts "Daily", "Weekdays", "Mon, Wed" and the like.
	Repeat     string            `json:"repeat"`
	RepeatDays *alarm.RepeatDays `json:"repeat_days"`
}

func (req alarmRequest) apply(a *alarm.Alarm) error {
	a.Name = req.Name
	a.Hour, a.Minute, a.Second = req.Hour, req.Minute, req.Second
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	switch {
	case req.Repeat != "":
		days, err := alarm.ParseRepeatDays(req.Repeat)
		if err != nil {
			return err
		}
		a.Repeat = days
	case req.RepeatDays != nil:
		a.Repeat = *req.RepeatDays
	}
	return a.Validate()
}

func (s *Server) HandleListAlarms(w http.ResponseWriter, r *http.Request) {
	alarms := s.deps.Alarms.Alarms()
	if alarms == nil {
		alarms = []alarm.Alarm{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"alarms": alarms,
		"total":  len(alarms),
	})
}

// HandleResyncAlarms clears the device's alarms and re-sends the enabled
// ones. It does nothing while the clock is not ready.
func (s *Server) HandleResyncAlarms(w http.ResponseWriter, r *http.Request) {
	s.deps.Alarms.Resync(r.Context())
	s.HandleListAlarms(w, r)
}

func (s *Server) HandleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a := alarm.New("", 0, 0, 0, alarm.Once)
	if err := req.apply(&a); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.deps.Alarms.Add(r.Context(), a)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) HandleGetAlarm(w http.ResponseWriter, r *http.Request) {
	id, ok := s.alarmID(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Alarms.Get(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) HandleUpdateAlarm(w http.ResponseWriter, r *http.Request) {
	id, ok := s.alarmID(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Alarms.Get(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var req alarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.apply(&a); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Alarms.Update(r.Context(), a); err != nil {
		s.respondErr(w, err)
		return
	}
	updated, err := s.deps.Alarms.Get(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, updated)
}

func (s *Server) HandleDeleteAlarm(w http.ResponseWriter, r *http.Request) {
	id, ok := s.alarmID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Alarms.Delete(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleToggleAlarm(w http.ResponseWriter, r *http.Request) {
	id, ok := s.alarmID(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Alarms.Toggle(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) alarmID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid alarm id")
		return uuid.Nil, false
	}
	return id, true
}

// ========== Device settings ==========

func (s *Server) HandleSyncTime(w http.ResponseWriter, r *http.Request) {
	s.respondResult(w, s.deps.Device.SendDateTime(false))
}

func (s *Server) HandleSelectFont(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.respondError(w, http.StatusBadRequest, "invalid font index")
		return
	}
	s.respondResult(w, s.deps.Device.SetFont(index))
}

type buzzerRequest struct {
	Enabled *bool `json:"enabled"`
	Volume  *int  `json:"volume"`
	Test    bool  `json:"test"`
}

// HandleBuzzer applies any of enabled, volume and test, in that order.
func (s *Server) HandleBuzzer(w http.ResponseWriter, r *http.Request) {
	var req buzzerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Enabled == nil && req.Volume == nil && !req.Test {
		s.respondError(w, http.StatusBadRequest, "nothing to do")
		return
	}
	if req.Enabled != nil {
		if err := s.deps.Device.SetBuzzerEnabled(*req.Enabled); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	if req.Volume != nil {
		if err := s.deps.Device.SetBuzzerVolume(*req.Volume); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	if req.Test {
		if err := s.deps.Device.TestBuzzer(); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, s.deps.Device.State().Settings)
}

type ringtoneRequest struct {
	Name      string  `json:"name"`
	Tempo     int     `json:"tempo"`
	Notes     []int16 `json:"notes"`
	Durations []int8  `json:"durations"`
}

// HandleUploadRingtone encodes a melody and uploads it. It returns once the
// upload has finished.
func (s *Server) HandleUploadRingtone(w http.ResponseWriter, r *http.Request) {
	var req ringtoneRequest
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m := ringtone.Melody{Name: req.Name, Tempo: req.Tempo, Notes: req.Notes, Durations: req.Durations}
	if err := m.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondResult(w, s.deps.Device.UploadRingtone(r.Context(), m.Name, m.Bytes()))
}

// ========== Fonts ==========

func (s *Server) HandleListFonts(w http.ResponseWriter, r *http.Request) {
	fonts, err := s.deps.Fonts.List(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if fonts == nil {
		fonts = []storage.StoredFont{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"fonts": fonts,
		"total": len(fonts),
	})
}

// HandleSaveFont stores a rasterized font bitmap sent as the raw request
// body. The name comes from the "name" query parameter.
func (s *Server) HandleSaveFont(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes))
	if err != nil {
		s.respondError(w, http.StatusRequestEntityTooLarge, "font too large")
		return
	}
	if len(data) == 0 {
		s.respondError(w, http.StatusBadRequest, "empty font")
		return
	}
	f, err := s.deps.Fonts.Save(r.Context(), r.URL.Query().Get("name"), data)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, f)
}

func (s *Server) HandleDeleteFont(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid font id")
		return
	}
	if err := s.deps.Fonts.Delete(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUploadFont sends a saved font to the clock.
func (s *Server) HandleUploadFont(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid font id")
		return
	}
	_, data, err := s.deps.Fonts.Load(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondResult(w, s.deps.Device.UploadCustomFont(r.Context(), data))
}

// ========== Timer and stopwatch ==========

type clockRequest struct {
	Action  string `json:"action"` // start, pause or reset
	Seconds *int   `json:"seconds"`
}

func (s *Server) HandleTimer(w http.ResponseWriter, r *http.Request) {
	var req clockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cd := s.deps.Clock.Countdown
	switch req.Action {
	case "start":
		if req.Seconds != nil {
			if err := cd.Set(time.Duration(*req.Seconds) * time.Second); err != nil {
				s.respondError(w, http.StatusConflict, err.Error())
				return
			}
		}
		if err := cd.Start(); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	case "pause":
		cd.Pause()
	case "reset":
		cd.Reset()
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}
	s.respondJSON(w, http.StatusOK, timerResponse{
		RemainingSeconds: int(cd.Remaining() / time.Second),
		Running:          cd.Running(),
	})
}

func (s *Server) HandleStopwatch(w http.ResponseWriter, r *http.Request) {
	var req clockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sw := s.deps.Clock.Stopwatch
	switch req.Action {
	case "start":
		sw.Start()
	case "pause":
		sw.Pause()
	case "reset":
		sw.Reset()
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}
	s.respondJSON(w, http.StatusOK, stopwatchResponse{
		ElapsedMillis: sw.Elapsed().Milliseconds(),
		Running:       sw.Running(),
	})
}

// ========== Responses ==========

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// respondJSON responds with JSON.
func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

// respondError responds with a plain error message.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}

// respondErr maps err to a status code and responds with its kind.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, alarm.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	kind := session.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case session.KindNotConnected, session.KindUploadInProgress:
		status = http.StatusConflict
	case session.KindChannelMissing:
		status = http.StatusFailedDependency
	case session.KindTransportUnavailable:
		status = http.StatusServiceUnavailable
	case session.KindWriteFailed, session.KindDisconnectedWithError:
		status = http.StatusBadGateway
	}
	resp := errorResponse{Error: err.Error()}
	if kind != session.KindUnknown {
		resp.Kind = kind.String()
	}
	if status >= 500 {
		s.logger.Warn("request failed", "kind", kind, "error", err)
	}
	s.respondJSON(w, status, resp)
}

// respondResult responds with the session state on success.
func (s *Server) respondResult(w http.ResponseWriter, err error) {
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Device.State())
}
