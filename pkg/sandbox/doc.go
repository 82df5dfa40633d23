/*
Package sandbox runs build containers for antbs through containerd.

Every package build, ISO assembly and repo-database update happens inside
a short-lived container ("sandbox"). The package exposes the Executor
interface the engine and the repo updater consume, and the containerd
implementation behind it. Tests substitute a fake Executor; nothing above
this package imports containerd directly.

# Architecture

	┌──────────────────── SANDBOX EXECUTOR ─────────────────────┐
	│                                                            │
	│  ┌──────────────────────────────────────────────┐          │
	│  │              Executor interface              │          │
	│  │  EnsureImage / Create / Start / Wait         │          │
	│  │  Inspect / Logs / Remove / Stop / Close      │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │           Containerd implementation          │          │
	│  │  - Socket: /run/containerd/containerd.sock   │          │
	│  │  - Namespace: antbs                          │          │
	│  │  - Output attached via pipe IO               │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │              Sandbox lifecycle               │          │
	│  │  Create: OCI spec (cmd, env, binds, cpuset,  │          │
	│  │          memory, privileged)                 │          │
	│  │  Start:  task with piped stdout+stderr       │          │
	│  │  Wait:   blocks for exit code, closes pipe   │          │
	│  │  Stop:   SIGTERM, SIGKILL after timeout      │          │
	│  │  Remove: kill + delete container + snapshot  │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Naming

The CreateSpec name doubles as the container id. Builds name their
sandbox after the package being built and the repo updater always uses
"update_repo", so a stale sandbox from a previous run can be removed by
name before the next one is created. Remove is idempotent: a missing
sandbox is not an error.

# Log streaming

Start attaches the task's stdout and stderr to an in-process pipe.
Logs hands out the read end; the live output multiplexer pumps it line
by line to the store. Wait closes the write end when the process exits,
so the pump terminates on EOF rather than needing its own signal.

# Usage

	exec, err := sandbox.NewContainerd("", "antbs")
	if err != nil {
		...
	}
	defer exec.Close()

	id, warnings, err := exec.Create(ctx, sandbox.CreateSpec{
		Name:   "cnchi",
		Image:  "antergos/makepkg",
		Cmd:    []string{"/makepkg/build.sh"},
		Env:    []string{"_AUTOSUMS=False"},
		Binds:  []string{"/opt/antbs/makepkg:/makepkg:ro"},
		CPUSet: "0-3",
	})

	_ = exec.Start(ctx, id)
	logs, _ := exec.Logs(ctx, id)
	// ... pump logs ...
	code, err := exec.Wait(ctx, id)

# See Also

  - pkg/transaction for the build paths that drive sandboxes
  - pkg/repo for the update_repo sandbox
  - pkg/livelog for the output pump
*/
package sandbox
