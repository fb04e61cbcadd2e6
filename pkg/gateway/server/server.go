package server

import (
	"log/slog"
	"net/http"

	"github.com/voxline/callbridge/pkg/booking"
	"github.com/voxline/callbridge/pkg/gateway/config"
	"github.com/voxline/callbridge/pkg/gateway/handlers"
	"github.com/voxline/callbridge/pkg/gateway/live/session"
	"github.com/voxline/callbridge/pkg/gateway/mw"
	"github.com/voxline/callbridge/pkg/store"
)

// Dependencies carries the shared clients the handlers need. Pinger is
// optional; when nil, readiness skips the database check.
type Dependencies struct {
	Store     store.Store
	Pinger    handlers.Pinger
	Knowledge session.KnowledgeLookup
	Text      session.TextOps
	Calendar  booking.Calendar
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Store: s.deps.Pinger})

	s.mux.Handle("/voice", handlers.VoiceHandler{
		Config: s.cfg,
		Logger: s.logger,
	})
	s.mux.Handle("/media", handlers.MediaHandler{
		Config:    s.cfg,
		Store:     s.deps.Store,
		Knowledge: s.deps.Knowledge,
		Text:      s.deps.Text,
		Calendar:  s.deps.Calendar,
		Logger:    s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
