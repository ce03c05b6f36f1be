// SPDX-License-Identifier: MIT

// Package api exposes the HTTP control surface: room status, worker
// start/stop, live frames and uploaded-video sessions.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/roomsense/internal/log"
	"github.com/ManuGH/roomsense/internal/registry"
	"github.com/ManuGH/roomsense/internal/supervisor"
)

// DefaultMaxUploadBytes bounds uploaded video size.
const DefaultMaxUploadBytes = 256 << 20

// Options wires the server's collaborators.
type Options struct {
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	DataDir    string
	Version    string

	// MaxUploadBytes defaults to DefaultMaxUploadBytes when zero.
	MaxUploadBytes int64

	// BaseContext is the lifecycle context handed to started workers, so a
	// worker outlives the request that started it. Defaults to Background.
	BaseContext context.Context
}

// Server holds the handler state. Construct with New, mount via Router.
type Server struct {
	reg       *registry.Registry
	sup       *supervisor.Supervisor
	dataDir   string
	version   string
	maxUpload int64
	baseCtx   context.Context
	logger    zerolog.Logger
}

func New(opts Options) *Server {
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		reg:       opts.Registry,
		sup:       opts.Supervisor,
		dataDir:   opts.DataDir,
		version:   opts.Version,
		maxUpload: maxUpload,
		baseCtx:   baseCtx,
		logger:    log.WithComponent("api"),
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(httpMetrics)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms", s.handleListRooms)
		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Get("/", s.handleGetRoom)
			r.Post("/start", s.handleStartRoom)
			r.Post("/stop", s.handleStopRoom)
			r.Get("/frame", s.handleFrame)
			r.Get("/stream", s.handleStream)
		})

		r.Route("/video", func(r chi.Router) {
			r.With(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
				Post("/upload", s.handleUpload)
			r.Get("/status/{sessionID}", s.handleSessionStatus)
			r.Get("/stream/{sessionID}", s.handleSessionStream)
			r.Post("/cleanup/{sessionID}", s.handleSessionCleanup)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}
