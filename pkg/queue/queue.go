package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antergos/antbs/pkg/store"
)

// Queue names. Each queue is served by exactly one worker goroutine so
// every op family has a single writer.
const (
	Transactions = "transactions"
	UpdateRepo   = "update_repo"
	Webhook      = "webhook"
)

// Op names understood by the workers. Enqueue sites and handlers share
// this vocabulary.
const (
	OpHandleHook       = "handle_hook"
	OpISORelease       = "iso_release"
	OpUpdateRepo       = "update_repo"
	OpProcessDevReview = "process_dev_review"
	OpCheckUpstream    = "check_upstream"
	OpReconcile        = "reconcile"
	OpProcessHook      = "process_hook"
)

// ErrJobTimeout is wrapped by handler failures caused by the job timeout.
var ErrJobTimeout = errors.New("queue: job timed out")

// Job is one unit of queued work, serialized as JSON in the store.
type Job struct {
	ID         string          `json:"id"`
	Op         string          `json:"op"`
	Args       json.RawMessage `json:"args,omitempty"`
	Timeout    int64           `json:"timeout"` // seconds
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Retries    int             `json:"retries"`
	Error      string          `json:"error,omitempty"` // set when parked on the failed list
}

// NewJob builds a job for op. args may be nil; otherwise it is JSON
// encoded into the job payload.
func NewJob(op string, args interface{}, timeout time.Duration) (Job, error) {
	j := Job{
		ID:         uuid.NewString(),
		Op:         op,
		Timeout:    int64(timeout / time.Second),
		EnqueuedAt: time.Now().UTC(),
	}

	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Job{}, fmt.Errorf("failed to encode job args: %w", err)
		}
		j.Args = raw
	}
	return j, nil
}

// DecodeArgs unmarshals the job payload into v.
func (j Job) DecodeArgs(v interface{}) error {
	if len(j.Args) == 0 {
		return fmt.Errorf("job %s has no args", j.ID)
	}
	if err := json.Unmarshal(j.Args, v); err != nil {
		return fmt.Errorf("failed to decode job args: %w", err)
	}
	return nil
}

func (j Job) timeout() time.Duration {
	if j.Timeout <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(j.Timeout) * time.Second
}

func key(name string) string {
	return store.Key("queue", name)
}

func processingKey(name string) string {
	return key(name) + ":processing"
}

func failedKey(name string) string {
	return key(name) + ":failed"
}

func leaseKey(name, id string) string {
	return store.Key("queue", name, "lease", id)
}

// Enqueue pushes job onto the named queue.
func Enqueue(ctx context.Context, st *store.Client, name string, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := st.LPush(ctx, key(name), string(raw)); err != nil {
		return fmt.Errorf("failed to enqueue %s job on %s: %w", job.Op, name, err)
	}
	return nil
}

// Depth returns the number of jobs waiting on the named queue.
func Depth(ctx context.Context, st *store.Client, name string) (int64, error) {
	return st.LLen(ctx, key(name))
}

// Waiting returns the jobs queued on the named queue, next-to-run first.
func Waiting(ctx context.Context, st *store.Client, name string) ([]Job, error) {
	raws, err := st.LRange(ctx, key(name), 0, -1)
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var j Job
		if err := json.Unmarshal([]byte(raws[i]), &j); err != nil {
			return nil, fmt.Errorf("failed to decode queued job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Purge drops every waiting job on the named queue. In-flight jobs are
// untouched.
func Purge(ctx context.Context, st *store.Client, name string) error {
	return st.Delete(ctx, key(name))
}

// FailedJobs returns the jobs parked on the failed list, oldest first.
func FailedJobs(ctx context.Context, st *store.Client, name string) ([]Job, error) {
	raws, err := st.LRange(ctx, failedKey(name), 0, -1)
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
