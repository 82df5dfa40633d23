package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/rs/zerolog"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/sandbox"
)

// An ISO run gets the initial attempt plus two retries before it is
// declared failed.
const isoMaxAttempts = 3

// buildISO masters one installer image. mkarchiso gives no useful exit
// discipline, so success is judged by the output dir growing past its
// pre-build file count.
func (e *Engine) buildISO(ctx context.Context, r *run, pkgObj *entity.Package) error {
	name := pkgObj.Name
	status := entity.Status(e.st)

	if err := status.SetIsoBuilding(ctx, true); err != nil {
		return err
	}
	defer func() {
		if err := status.SetIsoBuilding(context.WithoutCancel(ctx), false); err != nil {
			r.logger.Error().Err(err).Msg("failed to clear iso_building flag")
		}
	}()

	version, err := pkgObj.VersionStr(ctx)
	if err != nil {
		return err
	}
	bld, err := e.startBuild(ctx, r, pkgObj, version)
	if err != nil {
		return err
	}
	logger := r.logger.With().Str("package", name).Int64("bnum", bld.Bnum).Logger()
	logger.Info().Msg("iso build starting")

	e.fetchTranslations(ctx, logger, []string{"cnchi_updater", "antergos-gfxboot"}, "")

	success := false
	if err := e.setISOFlags(name); err != nil {
		logger.Error().Err(err).Msg("failed to set iso variant flags")
	} else if baseline, err := countDir(e.cfg.Paths.ISOTesting); err != nil {
		logger.Error().Err(err).Msg("cannot snapshot iso output dir")
	} else {
		for attempt := 1; attempt <= isoMaxAttempts; attempt++ {
			code, runErr := e.runISOAttempt(ctx, logger, bld, name)
			if runErr != nil {
				logger.Error().Err(runErr).Int("attempt", attempt).Msg("iso sandbox failed")
				break
			}
			if code == 0 {
				break
			}
			logger.Warn().Uint32("exit_code", code).Int("attempt", attempt).Msg("iso attempt exited non-zero")
		}

		count, err := countDir(e.cfg.Paths.ISOTesting)
		if err != nil {
			logger.Error().Err(err).Msg("cannot count iso output dir")
		}
		success = count > baseline
	}

	if success {
		if err := e.finishISOPass(ctx, r, logger, bld, name); err != nil {
			return err
		}
	} else {
		// The sandbox stays around for post-mortems.
		if err := e.finishISOFail(ctx, r, bld, name); err != nil {
			return err
		}
	}

	if err := bld.SaveLogStr(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to flatten build log")
	}
	return status.RemoveNowBuilding(ctx, bld.Bnum)
}

// setISOFlags maintains the variant flag files the mastering script
// reads from the output dir: .ISO32 selects the 32-bit build, .MINIMAL
// the minimal package set. Absence selects the default.
func (e *Engine) setISOFlags(name string) error {
	for _, flag := range []struct {
		file string
		want bool
	}{
		{".ISO32", strings.Contains(name, "i686")},
		{".MINIMAL", strings.Contains(name, "minimal")},
	} {
		path := filepath.Join(e.cfg.Paths.ISOTesting, flag.file)
		if flag.want {
			if err := touch(path); err != nil {
				return err
			}
		} else if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// runISOAttempt runs the mastering sandbox once. Each attempt gets a
// fresh sandbox; the returned error means the executor itself failed
// and further attempts are pointless.
func (e *Engine) runISOAttempt(ctx context.Context, logger zerolog.Logger, bld *entity.Build, name string) (uint32, error) {
	if err := e.exec.Remove(ctx, name); err != nil {
		logger.Debug().Err(err).Msg("no stale sandbox to remove")
	}

	spec := sandbox.CreateSpec{
		Name:       name,
		Image:      e.cfg.Sandbox.ISOImage,
		Cmd:        []string{"/start/run.sh"},
		Privileged: true,
		MemLimit:   e.cfg.Sandbox.ISOMemLimitMB << 20,
		CPUSet:     e.cfg.Sandbox.CPUSet,
		Binds: []string{
			e.cfg.Paths.MkarchisoDir + ":/start",
			"/run/dbus:/var/run/dbus",
			e.cfg.Paths.ISOTesting + ":/out",
		},
	}

	if err := e.exec.EnsureImage(ctx, spec.Image); err != nil {
		return 0, fmt.Errorf("failed to pull iso image: %w", err)
	}
	id, warnings, err := e.exec.Create(ctx, spec)
	for _, w := range warnings {
		logger.Warn().Str("warning", w).Msg("sandbox create warning")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create sandbox: %w", err)
	}
	if err := bld.SetContainer(ctx, id); err != nil {
		logger.Error().Err(err).Msg("failed to record sandbox handle")
	}

	// The mastering script does extra setup when this marker exists.
	if err := touch(filepath.Join(e.cfg.Paths.MkarchisoDir, "first-run")); err != nil {
		logger.Warn().Err(err).Msg("failed to touch first-run marker")
	}

	if err := e.exec.Start(ctx, id); err != nil {
		return 0, fmt.Errorf("failed to start sandbox: %w", err)
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
		return 0, fmt.Errorf("failed to wait for sandbox: %w", err)
	}
	return code, nil
}

func (e *Engine) finishISOPass(ctx context.Context, r *run, logger zerolog.Logger, bld *entity.Build, name string) error {
	if err := bld.MarkCompleted(ctx); err != nil {
		return err
	}
	_, err := entity.NewTimelineEvent(ctx, e.st, entity.Event{
		Type:    entity.TLBuildPass,
		Msg:     fmt.Sprintf("Build %d for %s was successful.", bld.Bnum, name),
		Pkgname: name,
		Bnum:    bld.Bnum,
		Tnum:    r.tnum,
	})
	if err != nil {
		return err
	}
	if err := entity.Status(e.st).AddCompleted(ctx, bld.Bnum, e.cfg.Queues.StatusListCap); err != nil {
		return err
	}
	if err := r.tx.AddCompleted(ctx, bld.Bnum); err != nil {
		return err
	}

	e.updateLatestSymlink(logger, name)

	// A delivered image satisfies whatever raised the release flag,
	// whether a full release run or a single image queued by hand.
	status := entity.Status(e.st)
	if err := status.SetIsoFlag(ctx, false); err != nil {
		logger.Error().Err(err).Msg("failed to lower iso flag")
	} else if err := status.SetIsoMinimal(ctx, false); err != nil {
		logger.Error().Err(err).Msg("failed to lower iso minimal flag")
	}

	if err := os.RemoveAll(filepath.Join(e.cfg.Paths.MkarchisoDir, "antergos-iso")); err != nil {
		logger.Error().Err(err).Msg("failed to remove mastering build tree")
	}
	if err := e.exec.Remove(ctx, name); err != nil {
		logger.Debug().Err(err).Msg("sandbox already gone")
	}
	return nil
}

func (e *Engine) finishISOFail(ctx context.Context, r *run, bld *entity.Build, name string) error {
	if err := bld.MarkFailed(ctx); err != nil {
		return err
	}
	_, err := entity.NewTimelineEvent(ctx, e.st, entity.Event{
		Type:    entity.TLBuildFail,
		Msg:     fmt.Sprintf("Build %d for %s failed.", bld.Bnum, name),
		Pkgname: name,
		Bnum:    bld.Bnum,
		Tnum:    r.tnum,
	})
	if err != nil {
		return err
	}
	if err := entity.Status(e.st).AddFailed(ctx, bld.Bnum, e.cfg.Queues.StatusListCap); err != nil {
		return err
	}
	return r.tx.AddFailed(ctx, bld.Bnum)
}

// updateLatestSymlink points latest-<name> at the newest image so
// mirrors and download pages track releases without knowing dates.
func (e *Engine) updateLatestSymlink(logger zerolog.Logger, name string) {
	matches, err := filepath.Glob(filepath.Join(e.cfg.Paths.ISOTesting, name+"-*.iso"))
	if err != nil || len(matches) == 0 {
		logger.Warn().Msg("no iso images found for latest symlink")
		return
	}

	newest := matches[0]
	var newestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); mod >= newestMod {
			newest, newestMod = m, mod
		}
	}

	link := filepath.Join(e.cfg.Paths.ISOTesting, "latest-"+name)
	if err := renameio.Symlink(filepath.Base(newest), link); err != nil {
		logger.Error().Err(err).Msg("failed to update latest symlink")
		return
	}
	logger.Info().Str("target", filepath.Base(newest)).Msg("latest symlink updated")
}

func countDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
