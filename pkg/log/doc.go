/*
Package log provides structured logging for antbs using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

antbs logging is a thin layer over a single global zerolog instance:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                   │           │
	│  │  - Zerolog instance                        │           │
	│  │  - Initialized via log.Init()              │           │
	│  │  - Thread-safe for concurrent use          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Configuration                    │           │
	│  │  - Level: debug/info/warn/error            │           │
	│  │  - Format: JSON or console (human)         │           │
	│  │  - Output: stdout, file, or custom writer  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Component Loggers                  │           │
	│  │  - WithComponent("engine")                 │           │
	│  │  - WithTransaction(42)                     │           │
	│  │  - WithBuild(1337)                         │           │
	│  │  - WithPackage("cnchi")                    │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Log Output                      │           │
	│  │                                            │           │
	│  │  JSON Format:                              │           │
	│  │  {                                         │           │
	│  │    "level": "info",                        │           │
	│  │    "component": "engine",                  │           │
	│  │    "tnum": 42,                             │           │
	│  │    "time": "2024-10-13T10:30:00Z",         │           │
	│  │    "message": "transaction started"        │           │
	│  │  }                                         │           │
	│  │                                            │           │
	│  │  Console Format:                           │           │
	│  │  10:30AM INF transaction started tnum=42   │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init() from cmd/antbs
  - Accessible from all antbs packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: tag logs with the owning subsystem (store, queue,
    engine, updater, monitor, webhook, api, livelog, sandbox)
  - WithTransaction: tag logs with a transaction number
  - WithBuild: tag logs with a build number
  - WithPackage: tag logs with a package name

# Usage

Initializing the logger (done once in cmd/antbs):

	import "github.com/antergos/antbs/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Component loggers:

	logger := log.WithComponent("engine")
	logger.Info().Int64("tnum", tnum).Msg("transaction started")

	blogger := log.WithBuild(bnum)
	blogger.Error().Err(err).Msg("sandbox wait failed")

Simple helpers:

	log.Info("queues drained")
	log.Errorf("failed to reconcile repo", err)

# Conventions

Structured fields used across the codebase:

  - component: subsystem name (every long-lived component logs through one)
  - tnum: transaction number
  - bnum: build number
  - pkg: package name
  - queue: queue name (transactions, update_repo, webhook)
  - job_id: queue job id
  - repo: repository name (antergos, antergos-staging)

Events that change durable state log at Info. Recoverable problems
(an upstream poll failing, a noisy log line dropped) log at Warn or
Debug. Worker job failures log at Error together with the job id so
the failed-jobs list can be cross-referenced.

# Performance Characteristics

Zerolog writes JSON without reflection or allocation-heavy formatting:

  - Disabled levels short-circuit before any field encoding
  - Console format is for humans and costs more; use JSON in production
  - Child loggers (WithComponent etc.) copy a small context, safe to
    create per request or per job

# Best Practices

 1. Create one component logger per long-lived object, not per call
 2. Attach tnum/bnum/pkg fields instead of embedding ids in messages
 3. Keep messages lowercase and stable; fields carry the variance
 4. Use Fatal only in cmd/antbs startup paths
*/
package log
