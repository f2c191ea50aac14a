// Package api exposes the session over a local HTTP API and streams
// session events to websocket clients, so a desktop or web UI can drive the
// clock without linking against the BLE stack.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/chaz8081/clocklink/internal/alarm"
	"github.com/chaz8081/clocklink/internal/clock"
	"github.com/chaz8081/clocklink/internal/discovery"
	"github.com/chaz8081/clocklink/internal/session"
	"github.com/chaz8081/clocklink/internal/storage"
)

// Device is the part of the session the API drives.
type Device interface {
	State() session.Snapshot
	Registry() *discovery.Registry
	StartScan() error
	StopScan() error
	Connect(deviceID string) error
	Disconnect() error
	SetDebugMode(on bool)
	SendDateTime(auto bool) error
	SetFont(index int) error
	SetBuzzerEnabled(on bool) error
	SetBuzzerVolume(volume int) error
	TestBuzzer() error
	UploadCustomFont(ctx context.Context, data []byte) error
	UploadRingtone(ctx context.Context, name string, data []byte) error
	Subscribe(topics ...string) session.Subscription
	Unsubscribe(sub session.Subscription)
}

// Alarms is the alarm scheduler.
type Alarms interface {
	Alarms() []alarm.Alarm
	Get(id uuid.UUID) (alarm.Alarm, error)
	Next() (alarm.Upcoming, bool)
	Add(ctx context.Context, a alarm.Alarm) (alarm.Alarm, error)
	Update(ctx context.Context, a alarm.Alarm) error
	Delete(ctx context.Context, id uuid.UUID) error
	Toggle(ctx context.Context, id uuid.UUID) (alarm.Alarm, error)
	Resync(ctx context.Context)
}

// Fonts is the saved custom font library.
type Fonts interface {
	Save(ctx context.Context, name string, data []byte) (storage.StoredFont, error)
	List(ctx context.Context) ([]storage.StoredFont, error)
	Load(ctx context.Context, id uuid.UUID) (storage.StoredFont, []byte, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Deps are the components served. Fonts and Clock may be nil, which
// disables their routes.
type Deps struct {
	Device Device
	Alarms Alarms
	Fonts  Fonts
	Clock  *clock.Clock
}

// Options configures the server.
type Options struct {
	AllowedOrigins []string
	// MaxUploadBytes limits font and ringtone request bodies.
	MaxUploadBytes int64
}

// Server is the local control API.
type Server struct {
	deps   Deps
	opts   Options
	hub    *Hub
	logger *slog.Logger
	router chi.Router
	server *http.Server
}

// NewServer creates the server and its routes.
func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 1 << 20
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		hub:    NewHub(logger),
		logger: logger,
		router: chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe serves on addr and pumps session events to websocket
// clients until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sub := s.deps.Device.Subscribe()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.hub.Pump(sub)
	}()

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", ln.Addr().String())
		errc <- s.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		s.deps.Device.Unsubscribe(sub)
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	s.deps.Device.Unsubscribe(sub)
	select {
	case <-pumpDone:
	case <-shutdownCtx.Done():
	}
	s.hub.Close()
	return err
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" || slices.Contains(s.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin)
}
