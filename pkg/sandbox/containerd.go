package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/antergos/antbs/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for antbs sandboxes.
	DefaultNamespace = "antbs"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Containerd implements Executor on a containerd daemon.
type Containerd struct {
	client    *containerd.Client
	namespace string

	mu   sync.Mutex
	logs map[string]*logPipe
}

type logPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// NewContainerd connects to the containerd socket. Empty arguments fall
// back to the defaults.
func NewContainerd(socketPath, namespace string) (*Containerd, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &Containerd{
		client:    client,
		namespace: namespace,
		logs:      make(map[string]*logPipe),
	}, nil
}

// Close closes the containerd client connection.
func (c *Containerd) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// EnsureImage makes ref available locally, pulling it when missing.
func (c *Containerd) EnsureImage(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	if _, err := c.client.GetImage(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to look up image %s: %w", ref, err)
	}

	logger := log.WithComponent("sandbox")
	logger.Info().Str("image", ref).Msg("pulling image")
	if _, err := c.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// Create creates a sandbox from spec. The spec name becomes the sandbox
// id. Bind sources that do not exist yet are reported as warnings, not
// errors; the kernel creates them rw at mount time but a typo'd path is
// worth surfacing.
func (c *Containerd) Create(ctx context.Context, spec CreateSpec) (string, []string, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	image, err := c.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to get image %s: %s", ErrCreate, spec.Image, err)
	}

	var warnings []string
	mounts := make([]specs.Mount, 0, len(spec.Binds))
	for _, bind := range spec.Binds {
		m, err := parseBind(bind)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s", ErrCreate, err)
		}
		if _, statErr := os.Stat(m.Source); statErr != nil {
			warnings = append(warnings, fmt.Sprintf("bind source %s does not exist", m.Source))
		}
		mounts = append(mounts, m)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Cmd) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Cmd...))
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}
	if spec.Privileged {
		opts = append(opts, oci.WithPrivileged)
	}
	if spec.MemLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemLimit)))
	}
	if spec.CPUSet != "" {
		opts = append(opts, oci.WithCPUs(spec.CPUSet))
	}

	container, err := c.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", warnings, fmt.Errorf("%w: failed to create container %s: %s", ErrCreate, spec.Name, err)
	}

	return container.ID(), warnings, nil
}

// Start launches the sandbox process with its output attached to a pipe
// that Logs hands out.
func (c *Containerd) Start(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	pr, pw := io.Pipe()
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, pw, pw)))
	if err != nil {
		pw.Close()
		return fmt.Errorf("failed to create task for %s: %w", id, err)
	}

	if err := task.Start(ctx); err != nil {
		pw.Close()
		return fmt.Errorf("failed to start task for %s: %w", id, err)
	}

	c.mu.Lock()
	c.logs[id] = &logPipe{r: pr, w: pw}
	c.mu.Unlock()

	return nil
}

// Wait blocks until the sandbox process exits. The log pipe is closed on
// exit so readers see EOF.
func (c *Containerd) Wait(ctx context.Context, id string) (uint32, error) {
	nsCtx := namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(nsCtx, id)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to load container %s: %s", ErrWait, id, err)
	}

	task, err := container.Task(nsCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get task for %s: %s", ErrWait, id, err)
	}

	statusC, err := task.Wait(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to wait on %s: %s", ErrWait, id, err)
	}

	select {
	case status := <-statusC:
		c.closeLogPipe(id)
		if err := status.Error(); err != nil {
			return status.ExitCode(), fmt.Errorf("%w: %s", ErrWait, err)
		}
		return status.ExitCode(), nil
	case <-ctx.Done():
		c.closeLogPipe(id)
		return 0, fmt.Errorf("%w: %s", ErrWait, ctx.Err())
	}
}

// Inspect reports the sandbox state.
func (c *Containerd) Inspect(ctx context.Context, id string) (State, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means created but never started.
		return State{Status: "created"}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to get task status for %s: %w", id, err)
	}

	st := State{ExitCode: status.ExitStatus}
	switch status.Status {
	case containerd.Running:
		st.Status = "running"
		st.Running = true
	case containerd.Stopped:
		st.Status = "stopped"
	case containerd.Paused, containerd.Pausing:
		st.Status = "paused"
		st.Running = true
	case containerd.Created:
		st.Status = "created"
	default:
		st.Status = "unknown"
	}
	return st, nil
}

// Logs returns the output stream attached at Start.
func (c *Containerd) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pipe, ok := c.logs[id]
	if !ok {
		return nil, fmt.Errorf("no log stream for %s (not started?)", id)
	}
	return pipe.r, nil
}

// Stop terminates the sandbox process: SIGTERM, then SIGKILL once the
// timeout passes.
func (c *Containerd) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Not running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task %s: %w", id, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task %s: %w", id, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task %s: %w", id, err)
		}
		<-statusC
	}

	c.closeLogPipe(id)
	return nil
}

// Remove deletes a sandbox by name or id. A running process is killed
// first; a missing sandbox is not an error.
func (c *Containerd) Remove(ctx context.Context, nameOrID string) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, nameOrID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", nameOrID, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task %s: %w", nameOrID, err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", nameOrID, err)
	}

	c.closeLogPipe(nameOrID)
	return nil
}

func (c *Containerd) closeLogPipe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pipe, ok := c.logs[id]; ok {
		pipe.w.Close()
		delete(c.logs, id)
	}
}

func parseBind(bind string) (specs.Mount, error) {
	parts := strings.Split(bind, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return specs.Mount{}, fmt.Errorf("malformed bind %q (want host:container[:ro])", bind)
	}

	options := []string{"rbind", "rw"}
	if len(parts) == 3 {
		if parts[2] != "ro" {
			return specs.Mount{}, fmt.Errorf("malformed bind %q (unknown option %q)", bind, parts[2])
		}
		options = []string{"rbind", "ro"}
	}

	return specs.Mount{
		Source:      parts[0],
		Destination: parts[1],
		Type:        "bind",
		Options:     options,
	}, nil
}
