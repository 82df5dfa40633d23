// Package monitor polls watched upstream projects for new commits or
// tags and feeds anything new into the hook pipeline, so packages
// tracking a foreign repo rebuild without anyone pushing to ours.
//
// Polling is demand-driven: the HTTP layer calls MaybeEnqueue before
// routing each request, and a store flag with a TTL collapses that
// into at most one check_upstream job per window. A backstop ticker
// does the same for quiet nights.
package monitor

import (
	"context"
	"time"

	"github.com/google/go-github/v27/github"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/metrics"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/store"
	"github.com/antergos/antbs/pkg/webhook"
)

// checkedRecentlyKey is the poll throttle flag, shared by every
// process so a multi-worker deployment still checks once per window.
var checkedRecentlyKey = store.Key("misc", "checked_recently")

func lastSeenKey(owner, repo string) string {
	return store.Key("monitor", "last", owner+"/"+repo)
}

// Monitor watches upstream projects and turns new commits or tags into
// monitor-sourced hook events.
type Monitor struct {
	st     *store.Client
	cfg    *config.Config
	gh     *github.Client
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

// New creates the monitor. With a github token configured the API
// calls are authenticated, which mostly buys rate limit headroom.
func New(st *store.Client, cfg *config.Config) *Monitor {
	var ts oauth2.TokenSource
	if cfg.Monitor.GithubToken != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Monitor.GithubToken})
	}

	return &Monitor{
		st:  st,
		cfg: cfg,
		gh:  github.NewClient(oauth2.NewClient(context.Background(), ts)),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "upstream-api",
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		logger: log.WithComponent("monitor"),
	}
}

// MaybeEnqueue schedules one upstream poll unless a poll ran inside
// the flag TTL. Every HTTP request and the backstop ticker race for
// the flag; whoever sets it enqueues, everyone else moves on.
func (m *Monitor) MaybeEnqueue(ctx context.Context) error {
	if !m.cfg.Monitor.Enabled || len(m.cfg.Monitor.Watched) == 0 {
		return nil
	}

	set, err := m.st.SetNX(ctx, checkedRecentlyKey, "true", m.cfg.Monitor.FlagTTL.Std())
	if err != nil || !set {
		return err
	}

	job, err := queue.NewJob(queue.OpCheckUpstream, nil, m.cfg.Queues.WebhookTimeout.Std())
	if err != nil {
		return err
	}
	if err := queue.Enqueue(ctx, m.st, queue.UpdateRepo, job); err != nil {
		return err
	}
	m.logger.Debug().Msg("upstream check queued")
	return nil
}

// Run is the backstop: without web traffic nothing would ever call
// MaybeEnqueue, so a ticker does it at the poll interval until ctx is
// done.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.cfg.Monitor.Enabled || len(m.cfg.Monitor.Watched) == 0 {
		m.logger.Info().Msg("upstream monitor disabled")
		return nil
	}

	interval := m.cfg.Monitor.Interval.Std()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Int("watched", len(m.cfg.Monitor.Watched)).Msg("upstream monitor started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.MaybeEnqueue(ctx); err != nil {
				m.logger.Error().Err(err).Msg("failed to queue upstream check")
			}
		}
	}
}

// HandleCheckUpstream is the check_upstream op: poll every watched
// project and convert anything new into a hook event for the webhook
// worker. API failures skip the entry; store failures abort the job
// and the queue's retry takes over.
func (m *Monitor) HandleCheckUpstream(ctx context.Context, job queue.Job) error {
	for _, w := range m.cfg.Monitor.Watched {
		latest, err := m.latest(ctx, w)
		if err != nil {
			metrics.UpstreamChecksTotal.WithLabelValues("error").Inc()
			m.logger.Warn().Err(err).Str("project", w.Owner+"/"+w.Repo).Msg("upstream check failed")
			continue
		}
		if latest == "" {
			metrics.UpstreamChecksTotal.WithLabelValues("unchanged").Inc()
			continue
		}

		key := lastSeenKey(w.Owner, w.Repo)
		prev, err := m.st.GetString(ctx, key)
		if err != nil {
			return err
		}
		if prev == latest {
			metrics.UpstreamChecksTotal.WithLabelValues("unchanged").Inc()
			continue
		}
		if err := m.st.SetString(ctx, key, latest); err != nil {
			return err
		}

		metrics.UpstreamChecksTotal.WithLabelValues("changed").Inc()
		m.logger.Info().
			Str("project", w.Owner+"/"+w.Repo).
			Str("package", w.Package).
			Str("latest", latest).
			Msg("upstream change detected")

		if err := m.announce(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// announce hands the change to the webhook worker, which owns the hook
// queue and the timeline.
func (m *Monitor) announce(ctx context.Context, w config.WatchedRepo) error {
	ev := webhook.Event{
		Source:   webhook.SourceMonitor,
		FullName: w.Owner + "/" + w.Repo,
		Packages: []string{w.Package},
	}
	job, err := queue.NewJob(queue.OpProcessHook, ev, m.cfg.Queues.WebhookTimeout.Std())
	if err != nil {
		return err
	}
	return queue.Enqueue(ctx, m.st, queue.Webhook, job)
}

// latest returns the newest commit sha or tag name of the watched
// project. Calls run through the breaker so a flapping API is left
// alone for a while instead of being hammered once per window.
func (m *Monitor) latest(ctx context.Context, w config.WatchedRepo) (string, error) {
	v, err := m.cb.Execute(func() (interface{}, error) {
		if w.Kind == "tags" {
			tags, _, err := m.gh.Repositories.ListTags(ctx, w.Owner, w.Repo, &github.ListOptions{PerPage: 1})
			if err != nil {
				return nil, err
			}
			if len(tags) == 0 {
				return "", nil
			}
			return tags[0].GetName(), nil
		}

		commits, _, err := m.gh.Repositories.ListCommits(ctx, w.Owner, w.Repo, &github.CommitsListOptions{
			ListOptions: github.ListOptions{PerPage: 1},
		})
		if err != nil {
			return nil, err
		}
		if len(commits) == 0 {
			return "", nil
		}
		return commits[0].GetSHA(), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
