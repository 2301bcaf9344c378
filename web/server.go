// Package web exposes custodian's liveness and status endpoints.
package web

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/shelfmark/custodian/runtime"
	"github.com/shelfmark/custodian/workers"
)

// Server serves / and /status
type Server struct {
	rt         *runtime.Runtime
	service    *workers.Service
	httpServer *http.Server
	started    time.Time
	log        *slog.Logger
}

func NewServer(rt *runtime.Runtime, service *workers.Service) *Server {
	s := &Server{rt: rt, service: service, log: slog.With("comp", "web")}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/", s.handleIndex)
	router.Get("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", rt.Config.Address, rt.Config.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	s.started = time.Now()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("error serving http", "error", err)
		}
	}()
	s.log.Info("server started", "address", s.httpServer.Addr)
}

func (s *Server) Stop() {
	if err := s.httpServer.Close(); err != nil {
		s.log.Error("error closing http server", "error", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(fmt.Sprintf("custodian %s", s.rt.Config.Version)))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"version": s.rt.Config.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"stats":   s.service.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonx.MustMarshal(status))
}
