package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/antergos/antbs/pkg/log"
)

// Result holds the outcome of one command run.
type Result struct {
	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// ExitCode is the command exit status (-1 when the command never ran).
	ExitCode int

	// Duration is how long the command took.
	Duration time.Duration
}

// Runner executes external commands with a bounded runtime and captured
// output. The build engine shells out for the handful of steps that have
// no sensible in-process equivalent: git, gpg, tx and msgfmt.
type Runner struct {
	// Timeout bounds each command run (default: 10 minutes).
	Timeout time.Duration

	// Env entries appended to the inherited environment.
	Env []string
}

// NewRunner creates a runner with the default timeout.
func NewRunner() *Runner {
	return &Runner{
		Timeout: 10 * time.Minute,
	}
}

// WithTimeout sets the per-command timeout.
func (r *Runner) WithTimeout(timeout time.Duration) *Runner {
	r.Timeout = timeout
	return r
}

// Run executes name with args in dir (empty dir means the process cwd).
// A non-zero exit is returned as an error carrying the stderr tail; the
// Result is populated either way.
func (r *Runner) Run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(cmd, err),
		Duration: time.Since(start),
	}

	if err != nil {
		if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("command %s timed out after %s", name, r.Timeout)
		}
		return res, fmt.Errorf("failed to run %s: %w%s", name, err, stderrTail(res.Stderr))
	}

	logger := log.WithComponent("tool")
	logger.Debug().
		Str("cmd", name).
		Str("args", strings.Join(args, " ")).
		Dur("took", res.Duration).
		Msg("command finished")

	return res, nil
}

// CloneShallow clones url at depth 1 into dest.
func (r *Runner) CloneShallow(ctx context.Context, url, dest string) error {
	if _, err := r.Run(ctx, "", "git", "clone", "--depth", "1", url, dest); err != nil {
		return fmt.Errorf("failed to clone %s: %w", url, err)
	}
	return nil
}

// SignDetached writes a detached gpg signature (<path>.sig) for each path.
// gpgDir points at the keyring home; signing is batch, never interactive.
func (r *Runner) SignDetached(ctx context.Context, gpgDir string, paths ...string) error {
	for _, p := range paths {
		args := []string{"--batch", "--yes", "--detach-sign", p}
		if gpgDir != "" {
			args = append([]string{"--homedir", gpgDir}, args...)
		}
		if _, err := r.Run(ctx, "", "gpg", args...); err != nil {
			return fmt.Errorf("failed to sign %s: %w", p, err)
		}
	}
	return nil
}

// PullTranslations runs `tx pull -a --minimum-perc=50` inside dir, fetching
// the latest translation catalogs for the project configured there.
func (r *Runner) PullTranslations(ctx context.Context, dir string) error {
	if _, err := r.Run(ctx, dir, "tx", "pull", "-a", "--minimum-perc=50"); err != nil {
		return fmt.Errorf("failed to pull translations in %s: %w", dir, err)
	}
	return nil
}

// CompileMessages compiles the gettext catalog src into the binary dest.
func (r *Runner) CompileMessages(ctx context.Context, src, dest string) error {
	if _, err := r.Run(ctx, "", "msgfmt", "-o", dest, src); err != nil {
		return fmt.Errorf("failed to compile %s: %w", src, err)
	}
	return nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func stderrTail(stderr string) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return ": " + strings.Join(lines, " | ")
}
