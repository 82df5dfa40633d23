package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/store"
)

// Watcher notices repo dirs changing underneath us: a mirror script, a
// manual rm, anything that bypasses the updater. It only detects; the
// mutation stays on the update_repo worker, which it nudges with a
// reconcile job. The updater reconciles after its own runs too, so a
// self-caused event at worst schedules a no-op.
type Watcher struct {
	st       *store.Client
	dirs     []string
	debounce time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewWatcher creates a watcher over the given repo arch dirs. Events
// are coalesced for debounce before a reconcile job is enqueued.
func NewWatcher(st *store.Client, dirs []string, debounce, jobTimeout time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		st:       st,
		dirs:     dirs,
		debounce: debounce,
		timeout:  jobTimeout,
		logger:   log.WithComponent("repo-watcher"),
	}
}

// Run watches until ctx is done. Missing dirs are skipped with a
// warning; a repo with no watchable dirs is an error.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	defer fw.Close()

	watched := 0
	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("cannot watch repo dir")
			continue
		}
		watched++
	}
	if watched == 0 {
		return fmt.Errorf("no repo dirs could be watched")
	}
	w.logger.Info().Int("dirs", watched).Msg("watching repo dirs for drift")

	var pending bool
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug().Str("op", ev.Op.String()).Str("path", ev.Name).Msg("repo dir changed")
			if !pending {
				pending = true
			} else if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("fs watcher error")

		case <-timer.C:
			pending = false
			if err := w.enqueueReconcile(ctx); err != nil {
				w.logger.Error().Err(err).Msg("failed to enqueue reconcile")
			}
		}
	}
}

func (w *Watcher) enqueueReconcile(ctx context.Context) error {
	job, err := queue.NewJob(queue.OpReconcile, nil, w.timeout)
	if err != nil {
		return err
	}
	if err := queue.Enqueue(ctx, w.st, queue.UpdateRepo, job); err != nil {
		return err
	}
	w.logger.Info().Str("job_id", job.ID).Msg("repo drift detected, reconcile queued")
	return nil
}

// relevant filters the event stream down to package and database files
// coming or going. Chmod noise and editor temp files do not count.
func relevant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	name := ev.Name
	return strings.Contains(name, ".pkg.") || strings.Contains(name, ".db.") || strings.Contains(name, ".files.")
}
