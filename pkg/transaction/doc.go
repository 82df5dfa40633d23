/*
Package transaction is the build engine: it turns a set of requested
packages into an ordered sequence of sandbox builds and walks every
build to a terminal state.

One transaction is one batch. The engine serves the transactions queue,
so batches run one at a time and builds inside a batch run serially;
that is what keeps the package cache coherent and bnum order meaningful.

# Lifecycle

	hook_queue ──drain──▶ Transaction ──▶ status.transaction_queue
	                                            │
	                                            ▼ runQueued (one at a time)
	┌──────────────────────── Run ─────────────────────────────┐
	│                                                          │
	│  setup     mkdtemp <tnum>_ under build base              │
	│            shallow-clone recipes (failure aborts)        │
	│                                                          │
	│  plan      resolve recipe dir per package                │
	│            parse PKGBUILD, record version                │
	│            special-case fixups (installer, icon theme)   │
	│            topo-sort in-batch deps ──▶ tx.queue          │
	│                                                          │
	│  build     pop tx.queue                                  │
	│    loop      name says iso?  ──▶ mastering sandbox       │
	│              otherwise       ──▶ makepkg sandbox         │
	│            record pass/fail, update rates                │
	│                                                          │
	│  teardown  finished flag, leave running set, rm workdir  │
	└──────────────────────────────────────────────────────────┘

# Package builds

A package build runs /makepkg/build.sh in the build image with the
recipe dir, result dir and staging dir bound in. A clean exit is not
enough: artifacts must also sign. Signed artifacts enqueue an
update_repo job against staging and the build becomes reviewable; the
previous build's still-pending review is retired as superseded.

# ISO builds

The mastering script's exit code is unreliable, so ISO success is
judged by the output dir: count files before the first attempt, count
after the last, success means the count grew. Non-zero exits get two
retries, each in a fresh sandbox. A failed run's sandbox is kept for
post-mortems; a successful run cleans up and repoints the
latest-<name> symlink.

# Failure containment

A build failing never aborts its transaction; the loop advances. What
does abort: an unclonable recipe repo, a dependency cycle, and store
errors (the queue's retry semantics take over). Transactions always
tear down, so a half-run batch cannot wedge the server.
*/
package transaction
