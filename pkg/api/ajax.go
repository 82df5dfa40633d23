package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/repo"
	"github.com/antergos/antbs/pkg/store"
	"github.com/antergos/antbs/pkg/webhook"
)

// ajaxRequest is the JSON body of the per-package actions.
type ajaxRequest struct {
	Pkg    string `json:"pkg"`
	Dev    string `json:"dev"`
	Result string `json:"result"`
}

// handleAjax is the grab-bag admin endpoint the UI drives: package
// actions (rebuild, remove) arrive in the body, server actions
// (iso release, queue reset, transaction rerun) as query params.
func (s *Server) handleAjax(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ajaxRequest
	if r.Body != nil {
		// Query-only calls carry no body; a decode miss is fine.
		_ = json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req)
	}
	if req.Pkg != "" && req.Dev != "" && req.Result != "" {
		s.handlePackageAction(w, r, req)
		return
	}

	q := r.URL.Query()
	switch {
	case q.Get("do_iso_release") != "":
		job, err := queue.NewJob(queue.OpISORelease, nil, s.cfg.Queues.BuildTimeout.Std())
		if err == nil {
			err = queue.Enqueue(ctx, s.st, queue.Transactions, job)
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to queue iso release")
			writeMsg(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.logger.Info().Str("dev", requestDev(r)).Msg("iso release queued")
		writeMsg(w, http.StatusOK, "Ok")

	case q.Get("reset_build_queue") != "":
		if err := s.resetQueues(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to reset queues")
			writeMsg(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.logger.Info().Str("dev", requestDev(r)).Msg("build queues reset")
		writeMsg(w, http.StatusOK, "Ok")

	case q.Get("rerun_transaction") != "":
		id, err := strconv.ParseInt(q.Get("rerun_transaction"), 10, 64)
		if err != nil || id <= 0 {
			writeMsg(w, http.StatusBadRequest, "rerun_transaction must be an event id")
			return
		}
		if err := s.rerunTransaction(ctx, id, requestDev(r)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeMsg(w, http.StatusNotFound, "event not found")
				return
			}
			s.logger.Error().Err(err).Int64("event_id", id).Msg("failed to rerun transaction")
			writeMsg(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeMsg(w, http.StatusOK, "Ok")

	default:
		writeMsg(w, http.StatusBadRequest, "nothing to do")
	}
}

func (s *Server) handlePackageAction(w http.ResponseWriter, r *http.Request, req ajaxRequest) {
	ctx := r.Context()

	switch req.Result {
	case "rebuild":
		if err := s.enqueueAdminBuild(ctx, req.Dev, req.Pkg); err != nil {
			s.logger.Error().Err(err).Str("pkg", req.Pkg).Msg("failed to queue rebuild")
			writeMsg(w, http.StatusInternalServerError, "internal error")
			return
		}
	case "remove":
		upd := repo.UpdateRequest{RepoRole: repo.RoleMain, Remove: []string{req.Pkg}}
		job, err := queue.NewJob(queue.OpUpdateRepo, upd, s.cfg.Queues.RepoTimeout.Std())
		if err == nil {
			err = queue.Enqueue(ctx, s.st, queue.UpdateRepo, job)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("pkg", req.Pkg).Msg("failed to queue removal")
			writeMsg(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.logger.Info().Str("pkg", req.Pkg).Str("dev", req.Dev).Msg("package removal queued")
	default:
		writeMsg(w, http.StatusBadRequest, "result must be rebuild or remove")
		return
	}
	writeMsg(w, http.StatusOK, "Ok")
}

// handleBuildPkgNow queues one package for an immediate build, unless
// its latest completed build still awaits review; building over a
// pending review would orphan the staged artifacts.
func (s *Server) handleBuildPkgNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeMsg(w, http.StatusBadRequest, "invalid form")
		return
	}
	pkgname := strings.TrimSpace(r.PostFormValue("pkgname"))
	dev := strings.TrimSpace(r.PostFormValue("dev"))
	if pkgname == "" || dev == "" {
		writeMsg(w, http.StatusBadRequest, "pkgname and dev are required")
		return
	}

	pending, err := s.reviewPending(ctx, pkgname)
	if err != nil {
		s.logger.Error().Err(err).Str("pkg", pkgname).Msg("failed to check pending reviews")
		writeMsg(w, http.StatusInternalServerError, "internal error")
		return
	}
	if pending {
		writeMsg(w, http.StatusOK, fmt.Sprintf(`Unable to build %s because it is in "pending review" status.`, pkgname))
		return
	}

	// Queueing an ISO raises the release flag so the dashboard shows a
	// release in flight; the release run lowers it again.
	if entity.IsISOName(pkgname) {
		status := entity.Status(s.st)
		if err := status.SetIsoFlag(ctx, true); err != nil {
			s.logger.Error().Err(err).Str("pkg", pkgname).Msg("failed to set iso flag")
			writeMsg(w, http.StatusInternalServerError, "internal error")
			return
		}
		if err := status.SetIsoMinimal(ctx, strings.Contains(pkgname, "minimal")); err != nil {
			s.logger.Error().Err(err).Str("pkg", pkgname).Msg("failed to set iso minimal flag")
			writeMsg(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	if err := s.enqueueAdminBuild(ctx, dev, pkgname); err != nil {
		s.logger.Error().Err(err).Str("pkg", pkgname).Msg("failed to queue build")
		writeMsg(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeMsg(w, http.StatusOK, "Ok")
}

// enqueueAdminBuild routes an admin-triggered build through the
// webhook worker; the hook queue keeps its single writer and the
// timeline records who asked.
func (s *Server) enqueueAdminBuild(ctx context.Context, dev string, pkgs ...string) error {
	ev := webhook.Event{Source: webhook.SourceAdmin, Pusher: dev, Packages: pkgs}
	job, err := queue.NewJob(queue.OpProcessHook, ev, s.cfg.Queues.WebhookTimeout.Std())
	if err != nil {
		return err
	}
	return queue.Enqueue(ctx, s.st, queue.Webhook, job)
}

// resetQueues empties every durable queue, drains the transaction
// queue and forces idle. A job already executing keeps its sandbox;
// the reset only covers work that has not started.
func (s *Server) resetQueues(ctx context.Context) error {
	for _, name := range []string{queue.Transactions, queue.UpdateRepo, queue.Webhook} {
		if err := queue.Purge(ctx, s.st, name); err != nil {
			return err
		}
	}
	status := entity.Status(s.st)
	if err := status.ClearTransactionQueue(ctx); err != nil {
		return err
	}
	return status.SetIdle(ctx, true, "Idle.")
}

// rerunTransaction re-queues every package a previous timeline event
// named.
func (s *Server) rerunTransaction(ctx context.Context, eventID int64, dev string) error {
	ev, err := entity.GetTimelineEvent(ctx, s.st, eventID)
	if err != nil {
		return err
	}
	pkgs, err := ev.Packages(ctx)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		return nil
	}
	return s.enqueueAdminBuild(ctx, dev, pkgs...)
}

// reviewPending reports whether the package's most recent completed
// build is still waiting on review.
func (s *Server) reviewPending(ctx context.Context, pkgname string) (bool, error) {
	completed, err := entity.Status(s.st).Completed(ctx)
	if err != nil {
		return false, err
	}
	for _, bnum := range completed {
		bld, err := entity.GetBuild(ctx, s.st, bnum)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return false, err
		}
		name, err := bld.Pkgname(ctx)
		if err != nil {
			return false, err
		}
		if name != pkgname {
			continue
		}
		rs, err := bld.ReviewStatus(ctx)
		if err != nil {
			return false, err
		}
		if rs == entity.ReviewPending {
			return true, nil
		}
	}
	return false, nil
}
