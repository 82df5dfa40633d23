/*
Package entity defines the durable domain objects of antbs.

Package, Build, Transaction, Repo, TimelineEvent and the ServerStatus
singleton are views over records in the state store. A view holds only
the store handle and the object's identity; every field accessor reads
or writes the store at call time. That rule is what keeps the HTTP
layer and the queue workers coherent without locks or cache
invalidation: there is no process-local mirror to go stale.

# Architecture

	┌────────────────────── ENTITIES ───────────────────────────┐
	│                                                            │
	│   Package            antbs:pkg:<name>                      │
	│     recipe-derived fields, allowed_in, builds, rates       │
	│                                                            │
	│   Build              antbs:build:<bnum>                    │
	│     one build attempt: result, log, review verdict         │
	│                                                            │
	│   Transaction        antbs:trans:<tnum>                    │
	│     a batch of packages: fixed package list, computed      │
	│     build order, completed/failed bnums                    │
	│                                                            │
	│   Repo               antbs:repo:<name>                     │
	│     reconciler's view: pkgs_fs, pkgs_alpm, the packages    │
	│     manifest and the unaccounted_for drift set             │
	│                                                            │
	│   TimelineEvent      antbs:timeline:<event_id>             │
	│     structured feed entry (type, pkg, bnum, msg)           │
	│                                                            │
	│   ServerStatus       antbs:status                          │
	│     idle flag, current_status, hook/transaction queues,    │
	│     now_building, completed/failed history                 │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

Scalar fields live in the object's hash; list and set fields live at
<key>:<field> sub-keys. Identity counters (antbs:misc:tnum:next,
antbs:misc:bnum:next, antbs:misc:event_id:next) are atomic increments.

# Lifecycle

Packages are created on first sight (EnsurePackage) when a hook, an
admin action or the monitor names them; creation registers the package
in status.all_packages and allows it into both repos. Builds are
created by the engine per attempt and belong to exactly one
transaction. Transactions are immutable in their package list once
created. Repo records are bootstrapped from config at startup and
rewritten only by the reconciler.

# Ordering

Transaction.packages is stored as an insertion-ordered list with
duplicates dropped at creation. The build planner depends on that
order: packages without internal dependency edges are built in the
order the hooks named them.

# Usage

	pkg, err := entity.EnsurePackage(ctx, st, "cnchi")
	...
	b, err := entity.NewBuild(ctx, st, pkg, tnum)
	...
	if err := b.MarkStarted(ctx); err != nil { ... }

	status := entity.Status(st)
	idle, err := status.Idle(ctx)

Every accessor takes a context and returns an error; store
connectivity failures surface as wrapped store.ErrUnavailable, and
GetBuild/GetTransaction/GetRepo/GetTimelineEvent return
store.ErrNotFound for unknown ids.
*/
package entity
