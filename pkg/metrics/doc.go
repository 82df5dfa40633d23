/*
Package metrics provides Prometheus metrics collection and exposition for antbs.

The metrics package defines and registers every antbs metric using the
Prometheus client library, providing observability into build throughput,
queue pressure, webhook traffic and repo index health. Metrics are exposed
via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry               │           │
	│  │  - Global DefaultRegistry                  │           │
	│  │  - MustRegister at package init            │           │
	│  │  - Automatic Go runtime metrics            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Metric Categories                │           │
	│  │                                            │           │
	│  │  Builds: total{result}, duration histogram │           │
	│  │  Queues: depth{queue}, jobs{queue,outcome} │           │
	│  │  Webhooks: events{source}                  │           │
	│  │  Repos: packages{repo,source}              │           │
	│  │  Live output: sse_clients{channel}         │           │
	│  │  Monitor: upstream_checks{outcome}         │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          HTTP Metrics Endpoint             │           │
	│  │  - Path: /metrics                          │           │
	│  │  - Format: Prometheus text exposition      │           │
	│  │  - Handler: promhttp.Handler()             │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Counters vs sampled gauges

Counters (builds, queue job outcomes, webhook events, upstream checks)
are incremented at the call sites as events happen. Gauges whose truth
lives in the store (queue depths, per-repo package counts) are sampled
by the Collector every 15 seconds; the process never caches them.

# Component health

The package also tracks per-component health (store, sandbox, api,
workers) via SetComponent. The API server folds GetHealth into its
/healthz response; the aggregate is healthy only when every reported
component is.

# Usage

Incrementing a counter:

	metrics.BuildsTotal.WithLabelValues("completed").Inc()

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BuildDuration)

Running the collector:

	coll := metrics.NewCollector(st, queueNames, repoNames)
	coll.Start()
	defer coll.Stop()

Exposing metrics:

	mux.Handle("/metrics", metrics.Handler())

# See Also

  - pkg/api for the /metrics and health endpoints
  - pkg/queue for the job outcome call sites
  - Prometheus documentation: https://prometheus.io/docs/
*/
package metrics
