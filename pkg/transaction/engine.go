package transaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/livelog"
	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/pkgbuild"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/repo"
	"github.com/antergos/antbs/pkg/sandbox"
	"github.com/antergos/antbs/pkg/store"
	"github.com/antergos/antbs/pkg/tool"
)

// Tools is the slice of the external-command surface the engine uses.
// *tool.Runner satisfies it.
type Tools interface {
	Run(ctx context.Context, dir, name string, args ...string) (tool.Result, error)
	CloneShallow(ctx context.Context, url, dest string) error
	SignDetached(ctx context.Context, gpgDir string, paths ...string) error
	PullTranslations(ctx context.Context, dir string) error
	CompileMessages(ctx context.Context, src, dest string) error
}

// Engine executes build transactions: it turns a list of package names
// into an ordered queue of sandbox builds and shepherds every build to a
// terminal state. One engine instance serves the transactions worker;
// transactions never run concurrently.
type Engine struct {
	st      *store.Client
	exec    sandbox.Executor
	updater *repo.Updater
	scanner *repo.Scanner
	streams *livelog.Streamer
	tools   Tools
	cfg     *config.Config
	logger  zerolog.Logger
}

// New creates an engine.
func New(st *store.Client, exec sandbox.Executor, updater *repo.Updater, streams *livelog.Streamer, tools Tools, cfg *config.Config) *Engine {
	return &Engine{
		st:      st,
		exec:    exec,
		updater: updater,
		scanner: repo.NewScanner(st),
		streams: streams,
		tools:   tools,
		cfg:     cfg,
		logger:  log.WithComponent("engine"),
	}
}

// run carries the per-transaction state that never leaves the engine.
type run struct {
	tx         *entity.Transaction
	tnum       int64
	workdir    string
	cloneDir   string
	resultDir  string
	recipeDirs map[string]string
	versions   map[string]string
	logger     zerolog.Logger
}

// HandleHook is the handle_hook op: drain the hook queue into a new
// transaction, then run every queued transaction in order. The server
// goes idle only once the transaction queue is empty.
func (e *Engine) HandleHook(ctx context.Context, _ queue.Job) error {
	status := entity.Status(e.st)

	pkgs, err := status.DrainHookQueue(ctx)
	if err != nil {
		return err
	}
	if len(pkgs) > 0 {
		tx, err := entity.NewTransaction(ctx, e.st, pkgs, entity.OriginHook)
		if err != nil {
			return err
		}
		if err := status.PushTransaction(ctx, tx.Tnum); err != nil {
			return err
		}
		e.logger.Info().Int64("tnum", tx.Tnum).Strs("packages", pkgs).Msg("transaction created from hook queue")
	}

	return e.runQueued(ctx)
}

// HandleISORelease is the iso_release op: one transaction building every
// configured ISO variant.
func (e *Engine) HandleISORelease(ctx context.Context, _ queue.Job) error {
	status := entity.Status(e.st)

	tx, err := entity.NewTransaction(ctx, e.st, e.cfg.ISO.Packages, entity.OriginISO)
	if err != nil {
		return err
	}
	if err := status.PushTransaction(ctx, tx.Tnum); err != nil {
		return err
	}
	e.logger.Info().Int64("tnum", tx.Tnum).Msg("iso release transaction created")

	if err := e.runQueued(ctx); err != nil {
		return err
	}

	// The release satisfied whatever raised the flag.
	if err := status.SetIsoFlag(ctx, false); err != nil {
		return err
	}
	return status.SetIsoMinimal(ctx, false)
}

// HandleUpdateRepo is the update_repo op.
func (e *Engine) HandleUpdateRepo(ctx context.Context, job queue.Job) error {
	var req repo.UpdateRequest
	if err := job.DecodeArgs(&req); err != nil {
		return fmt.Errorf("failed to decode update request: %w", err)
	}
	return e.updater.Update(ctx, req)
}

// HandleProcessDevReview is the process_dev_review op: apply a review
// verdict to the main repo database, then drop the review status line.
// The line comes down even when the update fails, so a parked job never
// leaves the server claiming to process a review.
func (e *Engine) HandleProcessDevReview(ctx context.Context, job queue.Job) error {
	var req repo.UpdateRequest
	if err := job.DecodeArgs(&req); err != nil {
		return fmt.Errorf("failed to decode review request: %w", err)
	}
	updErr := e.updater.Update(ctx, req)

	ctx = context.WithoutCancel(ctx)
	status := entity.Status(e.st)
	running, err := status.RunningTransCount(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to read running transactions after review")
		return updErr
	}
	building, err := status.NowBuilding(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to read now_building after review")
		return updErr
	}
	if running == 0 && len(building) == 0 {
		if err := status.SetIdle(ctx, true, "Idle."); err != nil {
			e.logger.Error().Err(err).Msg("failed to go idle after review")
		}
	}
	return updErr
}

// HandleReconcile is the reconcile op: refresh both repos' views.
func (e *Engine) HandleReconcile(ctx context.Context, _ queue.Job) error {
	for _, name := range []string{e.cfg.Repos.MainName, e.cfg.Repos.StagingName} {
		r, err := entity.GetRepo(ctx, e.st, name)
		if err != nil {
			return err
		}
		if err := e.scanner.Reconcile(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// runQueued pops and runs transactions until the queue is empty, then
// brings the server back to idle. A failing transaction stops the drain
// so the job's retry can pick up the remainder.
func (e *Engine) runQueued(ctx context.Context) error {
	status := entity.Status(e.st)

	for {
		tnum, err := status.PopTransaction(ctx)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if err := e.Run(ctx, tnum); err != nil {
			return fmt.Errorf("transaction %d: %w", tnum, err)
		}
	}

	return status.SetIdle(ctx, true, "Idle.")
}

// Run executes one transaction to completion. Individual build failures
// are recorded and do not abort the run; store failures, an unclonable
// recipe repo and an unsatisfiable build order do.
func (e *Engine) Run(ctx context.Context, tnum int64) error {
	tx, err := entity.GetTransaction(ctx, e.st, tnum)
	if err != nil {
		return err
	}

	status := entity.Status(e.st)
	if err := status.SetIdle(ctx, false, "Initializing build transaction."); err != nil {
		return err
	}
	if err := status.AddRunningTrans(ctx, tnum); err != nil {
		return err
	}
	if err := tx.MarkStarted(ctx); err != nil {
		return err
	}

	r := &run{
		tx:         tx,
		tnum:       tnum,
		recipeDirs: make(map[string]string),
		versions:   make(map[string]string),
		logger:     log.WithTransaction(tnum),
	}
	defer e.teardown(ctx, r)

	if err := e.setupWorkdir(ctx, r); err != nil {
		return err
	}

	if err := status.SetCurrentStatus(ctx, "Processing packages."); err != nil {
		return err
	}
	if err := e.plan(ctx, r); err != nil {
		return err
	}

	if err := status.SetCurrentStatus(ctx, "Cleaning pacman package cache."); err != nil {
		return err
	}
	e.cleanPacmanCache(r.logger)

	return e.buildAll(ctx, r)
}

// setupWorkdir creates the transaction's scratch tree and clones the
// recipe repo into it. Clone failure is fatal for the transaction.
func (e *Engine) setupWorkdir(ctx context.Context, r *run) error {
	if err := os.MkdirAll(e.cfg.Paths.BuildBase, 0o755); err != nil {
		return fmt.Errorf("failed to create build base: %w", err)
	}

	workdir, err := os.MkdirTemp(e.cfg.Paths.BuildBase, fmt.Sprintf("%d_", r.tnum))
	if err != nil {
		return fmt.Errorf("failed to create transaction workdir: %w", err)
	}
	r.workdir = workdir
	r.resultDir = filepath.Join(workdir, "result")
	r.cloneDir = filepath.Join(workdir, e.cfg.Recipes.DirName)

	for _, dir := range []string{r.resultDir, filepath.Join(workdir, "upd_result")} {
		if err := os.Mkdir(dir, 0o777); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := r.tx.SetDirs(ctx, workdir, r.resultDir); err != nil {
		return err
	}

	if err := e.tools.CloneShallow(ctx, e.cfg.Recipes.URL, r.cloneDir); err != nil {
		return err
	}
	return nil
}

// plan resolves recipes, records versions and dependencies, runs the
// special-case handlers and persists the computed build order.
func (e *Engine) plan(ctx context.Context, r *run) error {
	status := entity.Status(e.st)

	pkgs, err := r.tx.Packages(ctx)
	if err != nil {
		return err
	}

	var planned []string
	for _, pkg := range pkgs {
		if pkg == "" {
			continue
		}
		logger := r.logger.With().Str("package", pkg).Logger()

		recipeDir, err := e.recipeDir(r.cloneDir, pkg)
		if err != nil {
			logger.Error().Err(err).Msg("skipping package with no recipe")
			continue
		}

		rec, err := pkgbuild.ParseFile(filepath.Join(recipeDir, "PKGBUILD"))
		if err != nil {
			logger.Error().Err(err).Msg("skipping package with unreadable recipe")
			continue
		}
		version := rec.Version()
		if version == "" {
			logger.Warn().Msg("skipping package with no version in recipe")
			continue
		}

		pkgObj, err := entity.EnsurePackage(ctx, e.st, pkg)
		if err != nil {
			return err
		}
		if err := pkgObj.SetPkgbuildPath(ctx, recipeDir); err != nil {
			return err
		}
		if err := pkgObj.SyncRecipe(ctx, rec); err != nil {
			return err
		}

		msg := fmt.Sprintf("Updating pkgver in database for %s to %s.", pkg, version)
		logger.Info().Str("version", version).Msg("recipe resolved")
		if err := status.SetCurrentStatus(ctx, msg); err != nil {
			return err
		}

		if err := e.applySpecialCases(ctx, r, pkg, recipeDir); err != nil {
			logger.Error().Err(err).Msg("special-case handler failed, dropping package")
			continue
		}

		r.recipeDirs[pkg] = recipeDir
		r.versions[pkg] = version
		planned = append(planned, pkg)
	}

	// Edges are computed against the planned set, not the requested one,
	// so a dropped package cannot wedge the sort.
	inPlan := make(map[string]bool, len(planned))
	for _, pkg := range planned {
		inPlan[pkg] = true
	}

	entries := make([]OrderEntry, 0, len(planned))
	for _, pkg := range planned {
		deps, err := entity.Pkg(e.st, pkg).Depends(ctx)
		if err != nil {
			return err
		}
		var internal []string
		for _, dep := range deps {
			if inPlan[dep] && dep != pkg {
				internal = append(internal, dep)
			}
		}
		entries = append(entries, OrderEntry{Name: pkg, Deps: internal})
	}

	if err := status.SetCurrentStatus(ctx, "Using package dependencies to determine build order."); err != nil {
		return err
	}
	order, err := BuildOrder(entries)
	if err != nil {
		_, tlErr := entity.NewTimelineEvent(ctx, e.st, entity.Event{
			Type:     entity.TLInfo,
			Msg:      fmt.Sprintf("Transaction %d aborted: %v.", r.tnum, err),
			Packages: planned,
			Tnum:     r.tnum,
		})
		if tlErr != nil {
			r.logger.Error().Err(tlErr).Msg("failed to record abort event")
		}
		return err
	}
	return r.tx.SetQueue(ctx, order)
}

// recipeDir locates a package's recipe: the cinnamon subtree is tried
// first, then the repo root.
func (e *Engine) recipeDir(cloneDir, pkg string) (string, error) {
	candidates := make([]string, 0, len(e.cfg.Recipes.Subdirs)+1)
	for _, sub := range e.cfg.Recipes.Subdirs {
		candidates = append(candidates, filepath.Join(cloneDir, sub, pkg))
	}
	candidates = append(candidates, filepath.Join(cloneDir, pkg))

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRecipeMissing, pkg)
}

// buildAll drains the build queue. ISO names go to the ISO path, the
// rest to the package path; a build failing never aborts the drain.
func (e *Engine) buildAll(ctx context.Context, r *run) error {
	status := entity.Status(e.st)

	for {
		pkg, err := r.tx.PopQueue(ctx)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}

		pkgObj, err := entity.EnsurePackage(ctx, e.st, pkg)
		if err != nil {
			return err
		}
		isISO, err := pkgObj.IsISO(ctx)
		if err != nil {
			return err
		}

		if isISO {
			err = e.buildISO(ctx, r, pkgObj)
		} else {
			err = e.buildPackage(ctx, r, pkgObj)
		}
		if err != nil {
			return err
		}

		if err := pkgObj.UpdateRates(ctx, status); err != nil {
			return err
		}
	}
	return nil
}

// teardown runs whether the transaction succeeded or not: terminal
// state, running-set membership and the scratch tree all go.
func (e *Engine) teardown(ctx context.Context, r *run) {
	ctx = context.WithoutCancel(ctx)

	if err := r.tx.MarkFinished(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to mark transaction finished")
	}
	if err := entity.Status(e.st).RemoveRunningTrans(ctx, r.tnum); err != nil {
		r.logger.Error().Err(err).Msg("failed to leave running set")
	}
	if r.workdir != "" {
		if err := os.RemoveAll(r.workdir); err != nil {
			r.logger.Error().Err(err).Msg("failed to remove transaction workdir")
		}
	}
}

// cleanPacmanCache drops cached packages older than the configured max
// age. Best effort; a failed cleanup never blocks a transaction.
func (e *Engine) cleanPacmanCache(logger zerolog.Logger) {
	maxAge := e.cfg.Paths.CacheMaxAge.Std()
	if maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-maxAge)

	for _, dir := range []string{e.cfg.Paths.PacmanCache, e.cfg.Paths.PacmanCache32} {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("dir", dir).Msg("cannot read package cache")
			}
			continue
		}

		removed := 0
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				logger.Warn().Err(err).Str("file", entry.Name()).Msg("cannot remove cached package")
				continue
			}
			removed++
		}
		if removed > 0 {
			logger.Info().Str("dir", dir).Int("removed", removed).Msg("pacman cache cleaned")
		}
	}
}
