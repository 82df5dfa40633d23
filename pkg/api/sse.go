package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/livelog"
	"github.com/antergos/antbs/pkg/metrics"
)

// sseWriter frames server-sent events, flushing per write so lines
// reach the browser as they happen.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer cannot stream")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) event(name, data string) {
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.f.Flush()
}

// comment is the keepalive: EventSource ignores it, proxies see bytes
// moving and keep the connection.
func (s *sseWriter) comment() {
	io.WriteString(s.w, ":\n\n")
	s.f.Flush()
}

// handleGetLog streams one build's output. Without a bnum it follows
// the build at the head of now_building; an idle server has nothing to
// stream and 404s, which is what the build page expects.
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := entity.Status(s.st)

	idle, err := status.Idle(ctx)
	if err != nil {
		writeMsg(w, http.StatusInternalServerError, "internal error")
		return
	}
	building, err := status.NowBuilding(ctx)
	if err != nil {
		writeMsg(w, http.StatusInternalServerError, "internal error")
		return
	}
	if idle || len(building) == 0 {
		http.NotFound(w, r)
		return
	}

	bnum := building[0]
	if raw := chi.URLParam(r, "bnum"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeMsg(w, http.StatusBadRequest, "bad build number")
			return
		}
		bnum = n
	}

	follow, err := s.streams.FollowBuild(ctx, bnum)
	if err != nil {
		writeMsg(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer follow.Close()

	sse, err := startSSE(w)
	if err != nil {
		writeMsg(w, http.StatusInternalServerError, "internal error")
		return
	}

	metrics.SSEClients.WithLabelValues("build_output").Inc()
	defer metrics.SSEClients.WithLabelValues("build_output").Dec()

	ticker := time.NewTicker(livelog.BuildTick)
	defer ticker.Stop()

	quiet := 0
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-follow.Lines():
			if !ok {
				return
			}
			// "1" is the publisher's blank-slate placeholder, never
			// real output.
			if line == "" || line == "1" {
				continue
			}
			sse.event("build_output", line)
			quiet = 0
		case <-ticker.C:
			quiet++
			if quiet > livelog.BuildKeepaliveTicks {
				quiet = 0
				sse.comment()
			}
		}
	}
}

// handleGetStatus streams the server status line, emitting only on
// transitions: "Idle" when nothing is happening, otherwise whatever
// the workers set as the current status.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := entity.Status(s.st)

	sse, err := startSSE(w)
	if err != nil {
		writeMsg(w, http.StatusInternalServerError, "internal error")
		return
	}

	metrics.SSEClients.WithLabelValues("status").Inc()
	defer metrics.SSEClients.WithLabelValues("status").Dec()

	ticker := time.NewTicker(livelog.StatusTick)
	defer ticker.Stop()

	var last string
	quiet := 0
	for {
		idle, err := status.Idle(ctx)
		if err != nil {
			return
		}
		cur := "Idle"
		if !idle {
			if cur, err = status.CurrentStatus(ctx); err != nil {
				return
			}
		}

		if cur != last {
			last = cur
			sse.event("status", cur)
			quiet = 0
		} else {
			quiet++
			if quiet > livelog.StatusKeepaliveTicks {
				quiet = 0
				sse.comment()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
