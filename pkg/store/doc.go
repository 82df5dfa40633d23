/*
Package store provides the redis-backed state store for antbs.

Every piece of durable state in antbs lives in this one store: package,
build, transaction and repo records, the server status singleton, the
timeline, the three job queues, TTL flags and the live build output
pub/sub channels. Components never cache mutable state in memory; they
read and write through this package at the moment they need a value,
which is what lets several workers and the HTTP layer share state
without process-local mirrors.

# Architecture

	┌───────────────────── STATE STORE ─────────────────────────┐
	│                                                            │
	│  ┌──────────────────────────────────────────────┐          │
	│  │                 Client                       │          │
	│  │  - typed ops over one redis connection pool  │          │
	│  │  - no client-side caching                    │          │
	│  └───────┬──────────┬──────────┬───────────┬────┘          │
	│          │          │          │           │               │
	│   ┌──────▼───┐ ┌────▼────┐ ┌───▼─────┐ ┌───▼──────┐        │
	│   │ Scalars  │ │ Hashes  │ │ Lists / │ │ Pub/Sub  │        │
	│   │ + TTLs   │ │ (entity │ │  Sets   │ │ (live    │        │
	│   │ + Incr   │ │ fields) │ │ (queues,│ │  build   │        │
	│   │          │ │         │ │  colls) │ │  output) │        │
	│   └──────────┘ └─────────┘ └─────────┘ └──────────┘        │
	└────────────────────────────────────────────────────────────┘

# Key layout

Object keys follow antbs:<kind>:<id>; collection fields of an object
hang off the object key:

	antbs:pkg:cnchi                hash of scalar fields
	antbs:pkg:cnchi:depends        set
	antbs:build:1337               hash
	antbs:build:1337:log           list of output lines
	antbs:trans:42:packages        list (insertion ordered, unique)
	antbs:status                   hash (server status singleton)
	antbs:status:hook_queue        list
	antbs:queue:transactions       list (job queue)
	antbs:misc:tnum:next           counter
	antbs:misc:checked_recently    TTL flag

Two keys live outside the namespace because the browser-facing stream
protocol addresses them directly:

	live:build_output:<bnum>       pub/sub channel for build output
	tmp:build_log_last_line:<bnum> last output line snapshot

# Error mapping

Missing keys are ordinary: scalar and hash reads return zero values,
list pops return ErrNotFound. Connection-level failures wrap
ErrUnavailable so callers can distinguish "not there" from "store is
down" with errors.Is. Everything else is wrapped with the failing
operation name.

# Usage

	st, err := store.New(ctx, store.Options{Addr: "localhost:6379"})
	if err != nil {
		return err
	}
	defer st.Close()

	bnum, err := st.Incr(ctx, store.Key("misc", "bnum", "next"))
	...
	err = st.HSet(ctx, store.Key("build", strconv.FormatInt(bnum, 10)), "pkgname", "cnchi")

Pub/sub:

	sub := st.Subscribe(ctx, "live:build_output:1337")
	defer sub.Close()
	for line := range sub.Messages() {
		// stream to the client
	}

# Concurrency

Client is safe for concurrent use; go-redis pools connections
internally. Atomicity guarantees antbs relies on (Incr for id
allocation, BRPopLPush for queue leases, SetNX for TTL flags) are
redis command-level guarantees, not client-side locks.
*/
package store
