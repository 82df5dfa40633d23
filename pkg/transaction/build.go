package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/metrics"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/repo"
	"github.com/antergos/antbs/pkg/sandbox"
)

// startBuild creates the durable build record and announces it: start
// timeline event, transaction build list, now_building.
func (e *Engine) startBuild(ctx context.Context, r *run, pkgObj *entity.Package, version string) (*entity.Build, error) {
	bld, err := entity.NewBuild(ctx, e.st, pkgObj, r.tnum)
	if err != nil {
		return nil, err
	}
	if err := bld.MarkStarted(ctx); err != nil {
		return nil, err
	}
	if err := r.tx.AddBuild(ctx, bld.Bnum); err != nil {
		return nil, err
	}
	if err := entity.Status(e.st).PushNowBuilding(ctx, bld.Bnum); err != nil {
		return nil, err
	}

	_, err = entity.NewTimelineEvent(ctx, e.st, entity.Event{
		Type:       entity.TLBuildStart,
		Msg:        fmt.Sprintf("Build %d for %s-%s started.", bld.Bnum, pkgObj.Name, version),
		Pkgname:    pkgObj.Name,
		Bnum:       bld.Bnum,
		Tnum:       r.tnum,
		VersionStr: version,
	})
	if err != nil {
		return nil, err
	}
	return bld, nil
}

// buildPackage runs one package build from sandbox creation through
// result bookkeeping. Sandbox trouble marks the build failed and
// returns nil; only store failures propagate.
func (e *Engine) buildPackage(ctx context.Context, r *run, pkgObj *entity.Package) error {
	pkg := pkgObj.Name
	version := r.versions[pkg]
	recipeDir := r.recipeDirs[pkg]
	status := entity.Status(e.st)

	if err := r.tx.SetBuilding(ctx, pkg); err != nil {
		return err
	}
	msg := fmt.Sprintf("Building %s-%s with makepkg.", pkg, version)
	if err := status.SetCurrentStatus(ctx, msg); err != nil {
		return err
	}

	bld, err := e.startBuild(ctx, r, pkgObj, version)
	if err != nil {
		return err
	}
	logger := r.logger.With().Str("package", pkg).Int64("bnum", bld.Bnum).Logger()
	logger.Info().Str("version", version).Msg(msg)

	timer := metrics.NewTimer()
	built := e.runBuildSandbox(ctx, logger, r, bld, pkgObj, recipeDir)
	timer.ObserveDuration(metrics.BuildDuration)

	var artifacts []string
	signed := false
	if built {
		artifacts, err = e.signArtifacts(ctx, logger, r.resultDir)
		if err != nil {
			logger.Error().Err(err).Msg("treating build as failed")
		} else {
			signed = true
		}
	}

	if signed {
		if err := e.finishBuildPass(ctx, r, bld, pkgObj, version, artifacts); err != nil {
			return err
		}
	} else {
		if err := e.finishBuildFail(ctx, r, bld, pkgObj, version); err != nil {
			return err
		}
	}

	if err := bld.SaveLogStr(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to flatten build log")
	}
	if err := r.tx.SetBuilding(ctx, ""); err != nil {
		return err
	}
	if err := status.RemoveNowBuilding(ctx, bld.Bnum); err != nil {
		return err
	}
	if err := e.exec.Remove(ctx, pkg); err != nil {
		logger.Debug().Err(err).Msg("sandbox already gone")
	}
	return nil
}

// runBuildSandbox takes one build through the executor and reports
// whether it exited cleanly.
func (e *Engine) runBuildSandbox(ctx context.Context, logger zerolog.Logger, r *run, bld *entity.Build, pkgObj *entity.Package, recipeDir string) bool {
	pkg := pkgObj.Name

	// A crashed earlier run can leave a sandbox squatting on the name.
	if err := e.exec.Remove(ctx, pkg); err != nil {
		logger.Debug().Err(err).Msg("no stale sandbox to remove")
	}

	dir32bit := filepath.Join(recipeDir, "32bit")
	dir32build := filepath.Join(recipeDir, "32build")
	for _, dir := range []string{dir32bit, dir32build} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("failed to create build dir")
			return false
		}
	}

	autosum, err := pkgObj.Autosum(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read autosum flag")
		return false
	}
	env := []string{
		"_AUTOSUMS=" + titleBool(autosum),
		"_ALEXPKG=" + titleBool(strings.Contains(recipeDir, "/cinnamon/")),
	}

	spec := sandbox.CreateSpec{
		Name:   pkg,
		Image:  e.cfg.Sandbox.BuildImage,
		Cmd:    []string{"/makepkg/build.sh"},
		Env:    env,
		CPUSet: e.cfg.Sandbox.CPUSet,
		Binds: []string{
			e.cfg.Paths.PacmanCache + ":/var/cache/pacman",
			e.cfg.Paths.MakepkgDir + ":/makepkg",
			r.cloneDir + ":/antergos",
			recipeDir + ":/pkg",
			e.cfg.Paths.GPGDir + ":/root/.gnupg",
			e.cfg.Paths.Staging64 + ":/staging",
			dir32bit + ":/32bit",
			dir32build + ":/32build",
			r.resultDir + ":/result",
			e.cfg.Paths.PacmanCache32 + ":/var/cache/pacman_i686",
		},
	}

	if err := e.exec.EnsureImage(ctx, spec.Image); err != nil {
		logger.Error().Err(err).Msg("failed to pull build image")
		return false
	}
	id, warnings, err := e.exec.Create(ctx, spec)
	for _, w := range warnings {
		logger.Warn().Str("warning", w).Msg("sandbox create warning")
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to create sandbox")
		return false
	}
	if err := bld.SetContainer(ctx, id); err != nil {
		logger.Error().Err(err).Msg("failed to record sandbox handle")
	}

	if err := e.exec.Start(ctx, id); err != nil {
		logger.Error().Err(err).Msg("failed to start sandbox")
		return false
	}

	pumpDone := make(chan struct{})
	out, err := e.exec.Logs(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to attach to sandbox output")
		close(pumpDone)
	} else {
		go func() {
			defer close(pumpDone)
			defer out.Close()
			if err := e.streams.Pump(ctx, bld.Bnum, out); err != nil {
				logger.Error().Err(err).Msg("build output pump failed")
			}
		}()
	}

	code, err := e.exec.Wait(ctx, id)
	<-pumpDone
	if err != nil {
		logger.Error().Err(err).Msg("failed to wait for sandbox")
		return false
	}
	if code != 0 {
		logger.Error().Uint32("exit_code", code).Msg("sandbox exited with a non-zero return code")
		return false
	}
	logger.Info().Msg("sandbox exited cleanly")
	return true
}

// signArtifacts detach-signs every package file in dir and returns
// their basenames, the add-list for the staging repo update.
func (e *Engine) signArtifacts(ctx context.Context, logger zerolog.Logger, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read result dir: %v", ErrSignFailed, err)
	}

	var names, paths []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".sig") {
			continue
		}
		names = append(names, entry.Name())
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	if len(paths) == 0 {
		logger.Warn().Str("dir", dir).Msg("build produced no artifacts to sign")
		return nil, nil
	}

	if err := e.tools.SignDetached(ctx, e.cfg.Paths.GPGDir, paths...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	logger.Info().Strs("artifacts", names).Msg("artifacts signed")
	return names, nil
}

// finishBuildPass records a successful, signed build: pass timeline
// event, completed lists, staging update job, and retirement of the
// previous build's pending review.
func (e *Engine) finishBuildPass(ctx context.Context, r *run, bld *entity.Build, pkgObj *entity.Package, version string, artifacts []string) error {
	status := entity.Status(e.st)

	if err := bld.MarkCompleted(ctx); err != nil {
		return err
	}
	metrics.BuildsTotal.WithLabelValues("completed").Inc()
	_, err := entity.NewTimelineEvent(ctx, e.st, entity.Event{
		Type:       entity.TLBuildPass,
		Msg:        fmt.Sprintf("Build %d for %s-%s was successful.", bld.Bnum, pkgObj.Name, version),
		Pkgname:    pkgObj.Name,
		Bnum:       bld.Bnum,
		Tnum:       r.tnum,
		VersionStr: version,
	})
	if err != nil {
		return err
	}
	if err := status.AddCompleted(ctx, bld.Bnum, e.cfg.Queues.StatusListCap); err != nil {
		return err
	}
	if err := r.tx.AddCompleted(ctx, bld.Bnum); err != nil {
		return err
	}

	req := repo.UpdateRequest{RepoRole: repo.RoleStaging, Bnum: bld.Bnum, Add: artifacts}
	job, err := queue.NewJob(queue.OpUpdateRepo, req, e.cfg.Queues.RepoTimeout.Std())
	if err != nil {
		return err
	}
	if err := queue.Enqueue(ctx, e.st, queue.UpdateRepo, job); err != nil {
		return err
	}

	return e.retirePreviousReview(ctx, r, bld, pkgObj)
}

// retirePreviousReview marks the package's previous build "skip" if its
// review is still pending; the new build supersedes it.
func (e *Engine) retirePreviousReview(ctx context.Context, r *run, bld *entity.Build, pkgObj *entity.Package) error {
	builds, err := pkgObj.Builds(ctx)
	if err != nil {
		return err
	}
	if len(builds) < 2 {
		return nil
	}
	prev := builds[len(builds)-2]
	if prev == bld.Bnum {
		return nil
	}

	prevBld, err := entity.GetBuild(ctx, e.st, prev)
	if err != nil {
		r.logger.Warn().Err(err).Int64("bnum", prev).Msg("previous build record missing")
		return nil
	}
	rs, err := prevBld.ReviewStatus(ctx)
	if err != nil {
		return err
	}
	if rs != entity.ReviewPending {
		return nil
	}
	r.logger.Info().Int64("bnum", prev).Msg("retiring superseded pending review")
	return prevBld.SetReviewStatus(ctx, entity.ReviewSkip)
}

// finishBuildFail records a failed build.
func (e *Engine) finishBuildFail(ctx context.Context, r *run, bld *entity.Build, pkgObj *entity.Package, version string) error {
	if err := bld.MarkFailed(ctx); err != nil {
		return err
	}
	metrics.BuildsTotal.WithLabelValues("failed").Inc()
	_, err := entity.NewTimelineEvent(ctx, e.st, entity.Event{
		Type:       entity.TLBuildFail,
		Msg:        fmt.Sprintf("Build %d for %s-%s failed.", bld.Bnum, pkgObj.Name, version),
		Pkgname:    pkgObj.Name,
		Bnum:       bld.Bnum,
		Tnum:       r.tnum,
		VersionStr: version,
	})
	if err != nil {
		return err
	}
	if err := entity.Status(e.st).AddFailed(ctx, bld.Bnum, e.cfg.Queues.StatusListCap); err != nil {
		return err
	}
	return r.tx.AddFailed(ctx, bld.Bnum)
}

// titleBool renders a bool the way the build scripts expect it.
func titleBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
