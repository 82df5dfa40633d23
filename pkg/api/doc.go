/*
Package api is the HTTP face of the build server: webhook intake, the
live SSE streams the build pages watch, and the admin actions that
drive builds and reviews.

# Surface

	POST|GET /api/hook            webhook intake (does its own auth)
	GET  /api/get_log[/{bnum}]    SSE stream of one build's output
	GET  /api/get_status          SSE stream of the server status line
	POST /api/ajax                admin: rebuild/remove + server actions
	POST /api/build_pkg_now       admin: queue one package right now
	POST /pkg_review[/{page}]     admin: record a review verdict
	GET  /healthz                 store ping + component aggregate
	GET  /metrics                 prometheus

# Auth

Admin endpoints resolve "Authorization: Bearer <key>" against the
stored key→developer map and require membership in the admin group;
anything less is a 403. The hook endpoint is open because its sources
cannot carry our keys; the dispatcher verifies tokens and source
addresses itself.

# Writes go through the queues

Handlers never build, promote or mutate repo databases inline. An
admin rebuild becomes a process_hook job (so the webhook worker stays
the only writer of status.hook_queue), a remove becomes an update_repo
job, a review verdict moves staged files and then hands the database
work to a process_dev_review job:

	rebuild / build_pkg_now / rerun ──▶ webhook queue ──▶ process_hook
	remove                           ──▶ update_repo queue
	review passed|failed             ──▶ update_repo queue (dev review)
	iso release                      ──▶ transactions queue

The one synchronous file operation is review promotion: passed copies
the staged artifacts into the main dirs (and any configured extra
destinations) before deleting them from staging, so the repo-tool job
that follows always finds its inputs in place.

# SSE

Both streams poll the store on the cadence pkg/livelog pins and send
comment keepalives through quiet stretches so proxies keep the
connection. get_log is snapshot-then-follow: the last output line is
delivered first, then every line as it is published. get_status emits
only on transitions, "Idle" or the current status line.
*/
package api
