// Package web serves a small dashboard and control API for a talking head
// conversation: status, transcript and a live amplitude feed.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-talkinghead/pkg/conversation"
	"github.com/teslashibe/go-talkinghead/pkg/hub"
)

// transcriptLimit is how many transcript entries are kept for /api/transcript.
const transcriptLimit = 500

// Controller is the conversation the dashboard drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	SendText(text string) error
	Stats() conversation.Stats
}

// StatusEvent is pushed on /ws/status.
type StatusEvent struct {
	Status conversation.Status `json:"status"`
	Error  string              `json:"error,omitempty"`
}

// AmplitudeEvent is pushed on /ws/amplitude.
type AmplitudeEvent struct {
	Amplitude float64 `json:"amplitude"`
}

// Server is the web dashboard server
type Server struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger
	ctrl   Controller

	// Transcript buffer (last transcriptLimit entries)
	transcript   []conversation.TranscriptEntry
	transcriptMu sync.RWMutex

	// Hubs for websocket broadcast
	statusHub     *hub.Hub
	transcriptHub *hub.Hub
	amplitudeHub  *hub.Hub
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger    *slog.Logger
	staticDir string
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *serverOptions) {
		o.logger = l
	}
}

// WithStaticDir serves files from dir at /.
func WithStaticDir(dir string) Option {
	return func(o *serverOptions) {
		o.staticDir = dir
	}
}

// NewServer creates a new web dashboard server
func NewServer(addr string, ctrl Controller, opts ...Option) *Server {
	o := serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "web")

	s := &Server{
		addr:          addr,
		logger:        logger,
		ctrl:          ctrl,
		transcript:    make([]conversation.TranscriptEntry, 0, 64),
		statusHub:     hub.New("status", hub.WithLogger(logger), hub.WithRetainLast()),
		transcriptHub: hub.New("transcript", hub.WithLogger(logger)),
		amplitudeHub:  hub.New("amplitude", hub.WithLogger(logger), hub.WithRetainLast()),
	}

	app := fiber.New(fiber.Config{
		AppName:               "talkinghead",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	if o.staticDir != "" {
		app.Static("/", o.staticDir)
	}

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/transcript", s.handleGetTranscript)
	api.Post("/start", s.handleStart)
	api.Post("/stop", s.handleStop)
	api.Post("/text", s.handleSendText)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket routes
	app.Get("/ws/status", websocket.New(s.hubHandler(s.statusHub)))
	app.Get("/ws/transcript", websocket.New(s.hubHandler(s.transcriptHub)))
	app.Get("/ws/amplitude", websocket.New(s.hubHandler(s.amplitudeHub)))

	s.app = app
	return s
}

// Watch subscribes the dashboard to a session's events.
func (s *Server) Watch(sess *conversation.Session) {
	sess.OnStatus(func(st conversation.Status) {
		s.PublishStatus(st, nil)
	})
	sess.OnError(func(err error) {
		s.PublishStatus(sess.Status(), err)
	})
	sess.OnTranscript(s.AddTranscript)
	sess.OnAmplitude(s.PublishAmplitude)
}

// Run starts the hubs and serves until ctx is cancelled. The address is
// bound before Run serves, so a bind failure is returned directly.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.addr, err)
	}

	go s.statusHub.Run(ctx)
	go s.transcriptHub.Run(ctx)
	go s.amplitudeHub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		errCh <- s.app.Listener(ln)
	}()

	select {
	case err := <-errCh:
		ln.Close()
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.logger.Warn("dashboard shutdown", "error", err)
		}
		// Shutdown only stops a server that is already serving.
		ln.Close()
		if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// PublishStatus broadcasts a status change, with the error that caused it
// if any.
func (s *Server) PublishStatus(st conversation.Status, err error) {
	ev := StatusEvent{Status: st}
	if err != nil {
		ev.Error = err.Error()
	}
	if err := s.statusHub.BroadcastJSON(ev); err != nil {
		s.logger.Warn("broadcast status", "error", err)
	}
}

// PublishAmplitude broadcasts the speaking amplitude.
func (s *Server) PublishAmplitude(a float64) {
	if err := s.amplitudeHub.BroadcastJSON(AmplitudeEvent{Amplitude: a}); err != nil {
		s.logger.Warn("broadcast amplitude", "error", err)
	}
}

// AddTranscript records a transcript entry and broadcasts it.
func (s *Server) AddTranscript(e conversation.TranscriptEntry) {
	s.transcriptMu.Lock()
	s.transcript = append(s.transcript, e)
	if len(s.transcript) > transcriptLimit {
		s.transcript = s.transcript[len(s.transcript)-transcriptLimit:]
	}
	s.transcriptMu.Unlock()

	if err := s.transcriptHub.BroadcastJSON(e); err != nil {
		s.logger.Warn("broadcast transcript", "error", err)
	}
}

// Transcript returns a copy of the buffered transcript.
func (s *Server) Transcript() []conversation.TranscriptEntry {
	s.transcriptMu.RLock()
	defer s.transcriptMu.RUnlock()
	return append([]conversation.TranscriptEntry(nil), s.transcript...)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}
