package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrCreate is wrapped by failures to create a sandbox.
	ErrCreate = errors.New("sandbox: create failed")

	// ErrWait is wrapped by failures while waiting on a sandbox.
	ErrWait = errors.New("sandbox: wait failed")
)

// CreateSpec describes one sandbox to create. Name doubles as the sandbox
// id so stale sandboxes can be removed by name before a rebuild.
type CreateSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	Binds      []string // "host:container" or "host:container:ro"
	Privileged bool
	MemLimit   int64 // bytes, 0 = unlimited
	CPUSet     string
}

// State is a point-in-time view of a sandbox.
type State struct {
	Status   string // created, running, stopped, paused or unknown
	Running  bool
	ExitCode uint32
}

// Executor runs build sandboxes. The engine and the repo updater only see
// this interface; tests substitute a fake.
type Executor interface {
	// EnsureImage makes ref available locally, pulling it if needed.
	EnsureImage(ctx context.Context, ref string) error

	// Create creates a sandbox and returns its id. Warnings carry
	// non-fatal findings (a bind source that does not exist yet).
	Create(ctx context.Context, spec CreateSpec) (id string, warnings []string, err error)

	// Start launches the sandbox process.
	Start(ctx context.Context, id string) error

	// Wait blocks until the sandbox process exits and returns its code.
	Wait(ctx context.Context, id string) (uint32, error)

	// Inspect reports the sandbox state.
	Inspect(ctx context.Context, id string) (State, error)

	// Logs streams the combined stdout/stderr of a started sandbox. The
	// stream ends when the process exits.
	Logs(ctx context.Context, id string) (io.ReadCloser, error)

	// Remove deletes a sandbox by name or id, killing it first when
	// still running. A missing sandbox is not an error.
	Remove(ctx context.Context, nameOrID string) error

	// Stop terminates the process gracefully, escalating after timeout.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Close releases the executor's connection.
	Close() error
}
