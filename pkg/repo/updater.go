package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio"
	"github.com/rs/zerolog"

	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/livelog"
	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/sandbox"
	"github.com/antergos/antbs/pkg/store"
)

// ErrUpdateFailed reports a non-zero exit from the repo tool. The repo
// databases are left as they were; a reconcile still runs so the views
// reflect whatever state the tool left behind.
var ErrUpdateFailed = errors.New("repo update failed")

// Repo roles, re-exported so updater callers need not import entity.
const (
	RoleMain    = entity.RoleMain
	RoleStaging = entity.RoleStaging
)

// Status lines shown while a repo update runs. StatusProcessingReview
// is set by the review processor; updates triggered during a review
// leave it in place.
const (
	statusUpdatingMain    = "Updating antergos repo database."
	statusUpdatingStaging = "Updating antergos-staging repo database."

	StatusProcessingReview = "Processing developer review result."
)

const updaterSandboxName = "update_repo"

// UpdateRequest describes one repo database mutation.
type UpdateRequest struct {
	// RepoRole selects the target repo: RoleMain or RoleStaging.
	RepoRole string `json:"repo_role"`

	// Bnum is the build that produced the packages, 0 when the update
	// has no triggering build. Output streams to the build's live
	// channel when set.
	Bnum int64 `json:"bnum,omitempty"`

	// Add and Remove are package filenames (add) and package names
	// (remove) passed through to the repo tool.
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`

	// ReviewResult is set when the update applies a developer review
	// decision. It suppresses output streaming and the status line
	// changes; the review processor already holds the status.
	ReviewResult string `json:"review_result,omitempty"`
}

// Updater runs the repo tool in a sandbox and keeps the repo views and
// the lastupdate stamp in step. It must only ever run on the update_repo
// worker; that worker being the sole writer is what makes the repo dirs
// and databases safe without locks.
type Updater struct {
	st      *store.Client
	exec    sandbox.Executor
	streams *livelog.Streamer
	scanner *Scanner
	cfg     *config.Config
	logger  zerolog.Logger
}

// NewUpdater creates an updater.
func NewUpdater(st *store.Client, exec sandbox.Executor, streams *livelog.Streamer, cfg *config.Config) *Updater {
	return &Updater{
		st:      st,
		exec:    exec,
		streams: streams,
		scanner: NewScanner(st),
		cfg:     cfg,
		logger:  log.WithComponent("repo"),
	}
}

// Update runs one repo mutation end to end: swap the server status line
// in, remove any stale update sandbox, run the repo tool, reconcile, and
// restore the status line. Exit 0 also stamps lastupdate.
func (u *Updater) Update(ctx context.Context, req UpdateRequest) error {
	repoName, err := u.repoName(req.RepoRole)
	if err != nil {
		return err
	}
	r, err := entity.GetRepo(ctx, u.st, repoName)
	if err != nil {
		return err
	}

	// Review-triggered updates run under the review processor's status
	// line and leave it alone; everything else swaps in an update line.
	if req.ReviewResult == "" {
		saved, err := u.swapStatus(ctx, req)
		if err != nil {
			return err
		}
		defer u.restoreStatus(ctx, saved)
	}

	// The flag is informational (the worker already serializes writers);
	// it lets operator views show a rewrite in progress.
	if err := r.SetLocked(ctx, true); err != nil {
		return err
	}
	runErr := u.runTool(ctx, req, repoName)
	if err := r.SetLocked(context.WithoutCancel(ctx), false); err != nil {
		u.logger.Error().Err(err).Str("repo", repoName).Msg("failed to clear repo lock flag")
	}

	// Reconcile either way so the views match whatever is on disk now.
	if err := u.scanner.Reconcile(ctx, r); err != nil {
		u.logger.Error().Err(err).Str("repo", repoName).Msg("failed to reconcile after update")
	}

	if runErr != nil {
		return runErr
	}

	if err := r.MarkUpdated(ctx); err != nil {
		return err
	}
	if err := u.writeStamp(req.RepoRole); err != nil {
		u.logger.Error().Err(err).Str("repo", repoName).Msg("failed to write lastupdate stamp")
	}

	u.logger.Info().
		Str("repo", repoName).
		Int("added", len(req.Add)).
		Int("removed", len(req.Remove)).
		Msg("repo update complete")
	return nil
}

func (u *Updater) runTool(ctx context.Context, req UpdateRequest, repoName string) error {
	// A previous run may have left its sandbox behind; same name, so
	// removing by name clears it.
	if err := u.exec.Remove(ctx, updaterSandboxName); err != nil {
		return fmt.Errorf("failed to remove stale updater sandbox: %w", err)
	}

	env, err := u.buildEnv(ctx, req, repoName)
	if err != nil {
		return err
	}

	// Scratch dir the repo tool redirects its output into, fresh per run.
	updResult := filepath.Join(u.cfg.Paths.BuildBase, "upd_result")
	if err := os.RemoveAll(updResult); err != nil {
		return fmt.Errorf("failed to clear updater result dir: %w", err)
	}
	if err := os.MkdirAll(updResult, 0o777); err != nil {
		return fmt.Errorf("failed to create updater result dir: %w", err)
	}

	cmd := []string{"/makepkg/build.sh"}
	cmd = append(cmd, req.Add...)
	cmd = append(cmd, req.Remove...)

	spec := sandbox.CreateSpec{
		Name:  updaterSandboxName,
		Image: u.cfg.Sandbox.BuildImage,
		Cmd:   cmd,
		Env:   env,
		Binds: []string{
			u.cfg.Paths.MakepkgDir + ":/makepkg",
			u.cfg.Paths.GPGDir + ":/root/.gnupg",
			filepath.Dir(u.cfg.Paths.Main64) + ":/main",
			filepath.Dir(u.cfg.Paths.Staging64) + ":/staging",
			updResult + ":/result",
		},
	}

	if err := u.exec.EnsureImage(ctx, spec.Image); err != nil {
		return err
	}
	// The finished sandbox stays around for post-mortems; the next run's
	// remove-by-name clears it.
	id, warnings, err := u.exec.Create(ctx, spec)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		u.logger.Warn().Str("repo", repoName).Msg(w)
	}

	if err := u.exec.Start(ctx, id); err != nil {
		return err
	}

	// Review updates run while the reviewing dev watches the review
	// page, not the build page; only build-triggered updates stream.
	pumpDone := make(chan struct{})
	if req.Bnum != 0 && req.ReviewResult == "" {
		logs, err := u.exec.Logs(ctx, id)
		if err != nil {
			return err
		}
		go func() {
			defer close(pumpDone)
			if err := u.streams.Pump(ctx, req.Bnum, logs); err != nil {
				u.logger.Error().Err(err).Int64("bnum", req.Bnum).Msg("failed to stream updater output")
			}
		}()
	} else {
		close(pumpDone)
	}

	code, err := u.exec.Wait(ctx, id)
	<-pumpDone
	if err != nil {
		return err
	}
	if code != 0 {
		u.logger.Error().Uint32("exit_code", code).Str("repo", repoName).Msg("repo tool exited non-zero")
		return fmt.Errorf("%w: repo tool exited with status %d", ErrUpdateFailed, code)
	}
	return nil
}

func (u *Updater) buildEnv(ctx context.Context, req UpdateRequest, repoName string) ([]string, error) {
	var pkgname, version string
	if req.Bnum != 0 {
		bld, err := entity.GetBuild(ctx, u.st, req.Bnum)
		if err != nil {
			return nil, err
		}
		if pkgname, err = bld.Pkgname(ctx); err != nil {
			return nil, err
		}
		if version, err = bld.VersionStr(ctx); err != nil {
			return nil, err
		}
	}

	return []string{
		"_PKGNAME=" + pkgname,
		"_PKGVER=" + version,
		"_RESULT=" + req.ReviewResult,
		"_UPDREPO=True",
		"_REPO=" + repoName,
		"_REPO_DIR=" + req.RepoRole,
	}, nil
}

// swapStatus points current_status at the update message. A transaction
// mid-build gets its status line back afterwards.
func (u *Updater) swapStatus(ctx context.Context, req UpdateRequest) (string, error) {
	status := entity.Status(u.st)
	idle, err := status.Idle(ctx)
	if err != nil {
		return "", err
	}
	current, err := status.CurrentStatus(ctx)
	if err != nil {
		return "", err
	}
	running, err := status.RunningTransCount(ctx)
	if err != nil {
		return "", err
	}
	queued, err := status.TransactionQueue(ctx)
	if err != nil {
		return "", err
	}

	var saved string
	transActive := running > 0 || len(queued) > 0
	switch {
	case !idle && transActive && !isUpdaterStatus(current):
		saved = current
	case idle:
		if err := status.SetIdle(ctx, false, ""); err != nil {
			return "", err
		}
	}

	msg := statusUpdatingStaging
	if req.RepoRole == RoleMain {
		msg = statusUpdatingMain
	}
	if err := status.SetCurrentStatus(ctx, msg); err != nil {
		return "", err
	}
	return saved, nil
}

// restoreStatus puts back the saved status line, or goes idle when
// nothing is building anymore.
func (u *Updater) restoreStatus(ctx context.Context, saved string) {
	ctx = context.WithoutCancel(ctx)
	status := entity.Status(u.st)

	idle, err := status.Idle(ctx)
	if err != nil || idle {
		return
	}

	if saved != "" {
		if err := status.SetCurrentStatus(ctx, saved); err != nil {
			u.logger.Error().Err(err).Msg("failed to restore status line")
		}
		return
	}

	running, err := status.RunningTransCount(ctx)
	if err != nil {
		return
	}
	building, err := status.NowBuilding(ctx)
	if err != nil {
		return
	}
	if running == 0 && len(building) == 0 {
		if err := status.SetIdle(ctx, true, "Idle."); err != nil {
			u.logger.Error().Err(err).Msg("failed to go idle after update")
		}
	}
}

func isUpdaterStatus(msg string) bool {
	switch msg {
	case statusUpdatingMain, statusUpdatingStaging, StatusProcessingReview:
		return true
	}
	return false
}

func (u *Updater) repoName(role string) (string, error) {
	switch role {
	case RoleMain:
		return u.cfg.Repos.MainName, nil
	case RoleStaging:
		return u.cfg.Repos.StagingName, nil
	}
	return "", fmt.Errorf("unknown repo role %q", role)
}

// writeStamp writes the repo's lastupdate file, read by mirrors to
// decide when to sync. renameio keeps partial writes invisible.
func (u *Updater) writeStamp(role string) error {
	dir := filepath.Dir(u.cfg.Paths.Main64)
	if role == RoleStaging {
		dir = filepath.Dir(u.cfg.Paths.Staging64)
	}
	stamp := strconv.FormatInt(time.Now().Unix(), 10) + "\n"
	return renameio.WriteFile(filepath.Join(dir, "lastupdate"), []byte(stamp), 0o644)
}
