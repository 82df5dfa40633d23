package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/livelog"
	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/metrics"
	"github.com/antergos/antbs/pkg/monitor"
	"github.com/antergos/antbs/pkg/store"
	"github.com/antergos/antbs/pkg/webhook"
)

// Server wires the HTTP surface to the store, the webhook dispatcher,
// the live output streamer and the upstream monitor.
type Server struct {
	st      *store.Client
	cfg     *config.Config
	hooks   *webhook.Dispatcher
	streams *livelog.Streamer
	mon     *monitor.Monitor
	router  chi.Router
	logger  zerolog.Logger
}

// New assembles the router. mon may be nil when upstream polling is
// disabled.
func New(st *store.Client, cfg *config.Config, hooks *webhook.Dispatcher, streams *livelog.Streamer, mon *monitor.Monitor) *Server {
	s := &Server{
		st:      st,
		cfg:     cfg,
		hooks:   hooks,
		streams: streams,
		mon:     mon,
		logger:  log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.pokeMonitor)

	r.Route("/api", func(r chi.Router) {
		// The source host probes with GET before the first delivery.
		r.Get("/hook", s.handleHook)
		r.Post("/hook", s.handleHook)

		r.Get("/get_log", s.handleGetLog)
		r.Get("/get_log/{bnum}", s.handleGetLog)
		r.Get("/get_status", s.handleGetStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/ajax", s.handleAjax)
			r.Post("/ajax", s.handleAjax)
			r.Post("/build_pkg_now", s.handleBuildPkgNow)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/pkg_review", s.handleReview)
		r.Post("/pkg_review/{page}", s.handleReview)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// Handler returns the assembled router, ready to serve.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled. SSE clients hold their connections
// open indefinitely, so shutdown drains regular requests briefly and
// then closes whatever is left.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info().Str("listen", s.cfg.Server.Listen).Msg("api server listening")

	select {
	case err := <-errc:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		srv.Close()
	}
	return ctx.Err()
}

// handleHook hands the request to the webhook dispatcher and encodes
// whatever it decided.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	res := s.hooks.Handle(r.Context(), r)
	writeJSON(w, res.Status, res.Body)
}

// healthzResponse is the component aggregate plus the scheduler
// snapshot operators actually look for.
type healthzResponse struct {
	metrics.Health
	Idle bool `json:"idle"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.st.Ping(ctx); err != nil {
		metrics.SetComponent("store", false, err.Error())
	} else {
		metrics.SetComponent("store", true, "")
	}

	idle, err := entity.Status(s.st).Idle(ctx)
	if err != nil {
		idle = false
	}

	resp := healthzResponse{Health: metrics.GetHealth(), Idle: idle}
	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// requestLogger logs one line per request. SSE streams log when the
// stream ends, elapsed covering the whole follow.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Str("req_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// recoverer turns a handler panic into a 500 instead of taking the
// process down with it.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeMsg(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// pokeMonitor lets the upstream monitor schedule its periodic check
// off request traffic; the TTL flag inside keeps it from running more
// than once per window no matter how busy the server is.
func (s *Server) pokeMonitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.mon != nil {
			if err := s.mon.MaybeEnqueue(r.Context()); err != nil {
				s.logger.Warn().Err(err).Msg("failed to schedule upstream check")
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"msg": msg})
}
