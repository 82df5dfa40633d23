package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/metrics"
	"github.com/antergos/antbs/pkg/store"
)

// HandlerFunc processes one job. The context carries the job timeout.
type HandlerFunc func(ctx context.Context, job Job) error

// Worker serves one named queue. Jobs are leased into a processing list
// so a crash mid-job leaves evidence for recovery instead of losing the
// job. Exactly one Worker per queue name may run.
type Worker struct {
	st       *store.Client
	name     string
	poll     time.Duration
	handlers map[string]HandlerFunc
	logger   zerolog.Logger
}

// NewWorker creates a worker for the named queue. poll bounds how long a
// blocking pop waits before rechecking for shutdown.
func NewWorker(st *store.Client, name string, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Worker{
		st:       st,
		name:     name,
		poll:     poll,
		handlers: make(map[string]HandlerFunc),
		logger:   log.WithComponent("queue").With().Str("queue", name).Logger(),
	}
}

// Register binds op to fn. Jobs with an unregistered op fail.
func (w *Worker) Register(op string, fn HandlerFunc) {
	w.handlers[op] = fn
}

// Run serves the queue until ctx is cancelled. Call Recover first on
// process startup.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker started")

	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("worker stopped")
			return nil
		}

		raw, err := w.st.BRPopLPush(ctx, key(w.name), processingKey(w.name), w.poll)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				w.logger.Info().Msg("worker stopped")
				return nil
			}
			w.logger.Error().Err(err).Msg("failed to pop job")
			select {
			case <-time.After(w.poll):
			case <-ctx.Done():
			}
			continue
		}

		w.serve(ctx, raw)
	}
}

func (w *Worker) serve(ctx context.Context, raw string) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.logger.Error().Err(err).Msg("parking malformed job")
		w.finish(ctx, raw, job)
		if perr := w.park(ctx, raw); perr != nil {
			w.logger.Error().Err(perr).Msg("failed to park job")
		}
		return
	}

	lease := leaseKey(w.name, job.ID)
	if err := w.st.SetStringTTL(ctx, lease, "1", job.timeout()); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to take lease")
	}

	err := w.dispatch(ctx, job)
	w.finish(ctx, raw, job)

	if err == nil {
		metrics.QueueJobsTotal.WithLabelValues(w.name, "completed").Inc()
		w.logger.Debug().Str("job_id", job.ID).Str("op", job.Op).Msg("job completed")
		return
	}

	w.logger.Error().Err(err).Str("job_id", job.ID).Str("op", job.Op).Int("retries", job.Retries).Msg("job failed")

	job.Retries++
	if job.Retries <= 1 {
		metrics.QueueJobsTotal.WithLabelValues(w.name, "retried").Inc()
		if rerr := w.requeue(ctx, job); rerr != nil {
			w.logger.Error().Err(rerr).Str("job_id", job.ID).Msg("failed to requeue job")
		}
		return
	}

	metrics.QueueJobsTotal.WithLabelValues(w.name, "failed").Inc()
	job.Error = err.Error()
	if perr := w.parkJob(ctx, job); perr != nil {
		w.logger.Error().Err(perr).Str("job_id", job.ID).Msg("failed to park job")
	}
}

// dispatch runs the handler under the job timeout, converting panics to
// errors so one bad job cannot take the worker down.
func (w *Worker) dispatch(ctx context.Context, job Job) (err error) {
	fn, ok := w.handlers[job.Op]
	if !ok {
		return fmt.Errorf("no handler registered for op %q", job.Op)
	}

	jobCtx, cancel := context.WithTimeout(ctx, job.timeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	if err := fn(jobCtx, job); err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrJobTimeout, err)
		}
		return err
	}
	return nil
}

func (w *Worker) finish(ctx context.Context, raw string, job Job) {
	if _, err := w.st.LRem(ctx, processingKey(w.name), 1, raw); err != nil {
		w.logger.Error().Err(err).Msg("failed to clear processing entry")
	}
	if job.ID != "" {
		if err := w.st.Delete(ctx, leaseKey(w.name, job.ID)); err != nil {
			w.logger.Error().Err(err).Msg("failed to release lease")
		}
	}
}

// requeue pushes at the tail so the retry runs before anything queued
// behind it.
func (w *Worker) requeue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return w.st.RPush(ctx, key(w.name), string(raw))
}

func (w *Worker) parkJob(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return w.park(ctx, string(raw))
}

func (w *Worker) park(ctx context.Context, raw string) error {
	return w.st.RPush(ctx, failedKey(w.name), raw)
}

// Recover re-dispatches jobs stranded on the processing list by an
// earlier crash. Entries whose lease is still live are left alone; the
// rest are requeued, or parked if the stranded run was already a retry.
func (w *Worker) Recover(ctx context.Context) error {
	raws, err := w.st.LRange(ctx, processingKey(w.name), 0, -1)
	if err != nil {
		return fmt.Errorf("failed to read processing list: %w", err)
	}

	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			if _, err := w.st.LRem(ctx, processingKey(w.name), 1, raw); err != nil {
				return err
			}
			if err := w.park(ctx, raw); err != nil {
				return err
			}
			continue
		}

		alive, err := w.st.Exists(ctx, leaseKey(w.name, job.ID))
		if err != nil {
			return err
		}
		if alive {
			continue
		}

		if _, err := w.st.LRem(ctx, processingKey(w.name), 1, raw); err != nil {
			return err
		}

		job.Retries++
		if job.Retries <= 1 {
			w.logger.Warn().Str("job_id", job.ID).Str("op", job.Op).Msg("requeueing stranded job")
			if err := w.requeue(ctx, job); err != nil {
				return err
			}
			continue
		}

		w.logger.Warn().Str("job_id", job.ID).Str("op", job.Op).Msg("parking stranded job")
		job.Error = "stranded in processing after restart"
		if err := w.parkJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}
