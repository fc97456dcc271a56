// Package daemon serves the local HTTP API the desktop shell talks to. It
// is the only path from a renderer to the execution engine: plans are parsed
// and confined to an allowed project root here, then handed to the engine
// with the tier the license session resolved.
package daemon

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/audit"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/engine"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/license"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/logging"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/stream"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/workspace"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const persistTimeout = 10 * time.Second

// Options configures the HTTP surface.
type Options struct {
	Version string
	// AuthToken is the bearer token required on /v1 routes. Empty disables auth.
	AuthToken      string
	AllowedOrigins []string
	AllowedRoots   workspace.Roots
}

// Deps are the collaborators a Server drives. Store may be nil, in which
// case runs are not persisted and the /v1/runs routes answer 503.
type Deps struct {
	Engine  *engine.Engine
	Doctor  *engine.Engine
	Hub     *stream.Hub
	Store   *audit.Store
	License *license.Session
}

// Server owns the router and the runs it started.
type Server struct {
	opts Options
	deps Deps
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
}

// NewServer builds a server. Runs started by it outlive the request that
// started them and end at the latest on Shutdown.
func NewServer(opts Options, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		deps:   deps,
		log:    logging.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}
	if strings.TrimSpace(opts.AuthToken) == "" {
		s.log.Warn().Msg("no auth token configured, API is open to any local client")
	}
	if len(opts.AllowedRoots) == 0 {
		s.log.Warn().Msg("no allowed workspace roots configured, every plan will be rejected")
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.opts.AllowedOrigins))

	r.Get("/version", s.handleVersion)
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(api chi.Router) {
		api.Use(bearerAuth(s.opts.AuthToken))
		api.Use(middleware.AllowContentType("application/json"))
		api.Route("/v1", func(v1 chi.Router) {
			v1.Get("/tools", s.listTools)
			v1.Get("/license", s.getLicense)
			v1.Post("/agent/plan", s.agentPlan)

			v1.Post("/plan/execute", s.executePlan)
			v1.Post("/plan/stream", s.executePlanStream)
			v1.Post("/plan/{runId}/stop", s.stopPlan)
			v1.Post("/doctor/plan", s.doctorPlan)
			v1.Post("/step/stream", s.executeStepStream)
			v1.Post("/stream/{streamId}/cancel", s.cancelStream)

			v1.Get("/runs", s.listRuns)
			v1.Get("/runs/{runId}", s.getRun)
			v1.Get("/runs/{runId}/events", s.getRunEvents)
			v1.Get("/runs/{runId}/verify", s.verifyRun)
		})
	})
	return r
}

// Shutdown force-cancels every open run and waits until their reports are
// persisted or ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.CancelAll()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.opts.Version})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "openRuns": len(s.deps.Hub.IDs())})
}
