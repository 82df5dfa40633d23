// Package livelog fans build output out to everything that wants it:
// live subscribers, late subscribers, and the permanent build record.
//
// One Pump per build reads the sandbox's log stream and writes each
// filtered line three ways:
//
//	                     ┌──────────────────────────────┐
//	 sandbox stdout ──▶  │            Pump              │
//	                     └──────┬───────┬───────┬───────┘
//	                            │       │       │
//	              PUBLISH live:build_   │   RPUSH antbs:build:
//	               output:<bnum>        │    <bnum>:log
//	                            │       │       │
//	                       subscribers  │   durable log
//	                                    │
//	                        SET tmp:build_log_last_line:<bnum>
//	                                    │
//	                          snapshot for late joiners
//
// FollowBuild opens the subscription before reading the snapshot, so a
// client that connects mid-build sees the most recent line immediately
// and then every line after it, with no gap between the two.
//
// The stream cadence constants (BuildTick, StatusTick and their
// keepalive tick counts) are the contract between this package and the
// SSE handlers in pkg/api.
package livelog
