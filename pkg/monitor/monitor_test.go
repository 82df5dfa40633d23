package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-github/v27/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/store"
	"github.com/antergos/antbs/pkg/webhook"
)

func newTestStore(t *testing.T) *store.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	st, err := store.New(context.Background(), store.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func testConfig(watched ...config.WatchedRepo) *config.Config {
	cfg := config.Default()
	cfg.Monitor.Watched = watched
	return cfg
}

func numixWatch(kind string) config.WatchedRepo {
	return config.WatchedRepo{
		Owner:   "numixproject",
		Repo:    "numix-icon-theme",
		Package: "numix-icon-theme",
		Kind:    kind,
	}
}

// stubGithub points the monitor's API client at a local test server.
func stubGithub(t *testing.T, handler http.HandlerFunc) *github.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	return gh
}

func checkJob(t *testing.T) queue.Job {
	t.Helper()

	job, err := queue.NewJob(queue.OpCheckUpstream, nil, time.Minute)
	require.NoError(t, err)
	return job
}

func TestMaybeEnqueueOncePerWindow(t *testing.T) {
	st := newTestStore(t)
	m := New(st, testConfig(numixWatch("commits")))
	ctx := context.Background()

	require.NoError(t, m.MaybeEnqueue(ctx))
	require.NoError(t, m.MaybeEnqueue(ctx))

	jobs, err := queue.Waiting(ctx, st, queue.UpdateRepo)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "flag must collapse repeated calls into one job")
	assert.Equal(t, queue.OpCheckUpstream, jobs[0].Op)
}

func TestMaybeEnqueueDisabled(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig(numixWatch("commits"))
	cfg.Monitor.Enabled = false
	m := New(st, cfg)

	require.NoError(t, m.MaybeEnqueue(context.Background()))

	depth, err := queue.Depth(context.Background(), st, queue.UpdateRepo)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestMaybeEnqueueNothingWatched(t *testing.T) {
	st := newTestStore(t)
	m := New(st, testConfig())

	require.NoError(t, m.MaybeEnqueue(context.Background()))

	depth, err := queue.Depth(context.Background(), st, queue.UpdateRepo)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCheckUpstreamNewCommitAnnounced(t *testing.T) {
	st := newTestStore(t)
	m := New(st, testConfig(numixWatch("commits")))
	ctx := context.Background()

	m.gh = stubGithub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/numixproject/numix-icon-theme/commits", r.URL.Path)
		w.Write([]byte(`[{"sha":"1f0c3ad"}]`))
	})

	require.NoError(t, m.HandleCheckUpstream(ctx, checkJob(t)))

	jobs, err := queue.Waiting(ctx, st, queue.Webhook)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, queue.OpProcessHook, jobs[0].Op)

	var ev webhook.Event
	require.NoError(t, jobs[0].DecodeArgs(&ev))
	assert.Equal(t, webhook.SourceMonitor, ev.Source)
	assert.Equal(t, "numixproject/numix-icon-theme", ev.FullName)
	assert.Equal(t, []string{"numix-icon-theme"}, ev.Packages)

	marker, err := st.GetString(ctx, lastSeenKey("numixproject", "numix-icon-theme"))
	require.NoError(t, err)
	assert.Equal(t, "1f0c3ad", marker)

	// Same sha next poll: nothing new to announce.
	require.NoError(t, m.HandleCheckUpstream(ctx, checkJob(t)))
	jobs, err = queue.Waiting(ctx, st, queue.Webhook)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCheckUpstreamTagKind(t *testing.T) {
	st := newTestStore(t)
	m := New(st, testConfig(numixWatch("tags")))
	ctx := context.Background()

	m.gh = stubGithub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/numixproject/numix-icon-theme/tags", r.URL.Path)
		w.Write([]byte(`[{"name":"3.6.7"}]`))
	})

	require.NoError(t, m.HandleCheckUpstream(ctx, checkJob(t)))

	marker, err := st.GetString(ctx, lastSeenKey("numixproject", "numix-icon-theme"))
	require.NoError(t, err)
	assert.Equal(t, "3.6.7", marker)

	jobs, err := queue.Waiting(ctx, st, queue.Webhook)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCheckUpstreamAPIFailureSkipsEntry(t *testing.T) {
	st := newTestStore(t)
	broken := config.WatchedRepo{Owner: "cinnamon", Repo: "muffin", Package: "muffin", Kind: "commits"}
	m := New(st, testConfig(broken, numixWatch("commits")))
	ctx := context.Background()

	m.gh = stubGithub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/cinnamon/muffin/commits" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"sha":"9e1b77"}]`))
	})

	require.NoError(t, m.HandleCheckUpstream(ctx, checkJob(t)), "one bad project must not fail the job")

	jobs, err := queue.Waiting(ctx, st, queue.Webhook)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	var ev webhook.Event
	require.NoError(t, jobs[0].DecodeArgs(&ev))
	assert.Equal(t, []string{"numix-icon-theme"}, ev.Packages)

	marker, err := st.GetString(ctx, lastSeenKey("cinnamon", "muffin"))
	require.NoError(t, err)
	assert.Empty(t, marker, "failed poll must not move the marker")
}

func TestCheckUpstreamBreakerStopsHammering(t *testing.T) {
	st := newTestStore(t)
	m := New(st, testConfig(numixWatch("commits")))
	ctx := context.Background()

	var calls atomic.Int64
	m.gh = stubGithub(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, m.HandleCheckUpstream(ctx, checkJob(t)))
	}

	assert.Equal(t, int64(3), calls.Load(), "breaker should open after three straight failures")
}

func TestUpstreamChangeFlowsToHookQueue(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig(numixWatch("commits"))
	m := New(st, cfg)
	ctx := context.Background()

	m.gh = stubGithub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"sha":"77aa0b1"}]`))
	})

	require.NoError(t, m.HandleCheckUpstream(ctx, checkJob(t)))

	jobs, err := queue.Waiting(ctx, st, queue.Webhook)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	d := webhook.NewDispatcher(st, cfg)
	require.NoError(t, d.HandleProcessHook(ctx, jobs[0]))

	hooked, err := entity.Status(st).HookQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"numix-icon-theme"}, hooked)

	buildJobs, err := queue.Waiting(ctx, st, queue.Transactions)
	require.NoError(t, err)
	require.Len(t, buildJobs, 1)
	assert.Equal(t, queue.OpHandleHook, buildJobs[0].Op)

	events, err := entity.RecentEvents(ctx, st, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	msg, err := events[0].Msg(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg, "Monitor")
}

func TestRunBackstopEnqueues(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig(numixWatch("commits"))
	cfg.Monitor.Interval = config.Duration(10 * time.Millisecond)
	m := New(st, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		depth, err := queue.Depth(context.Background(), st, queue.UpdateRepo)
		return err == nil && depth == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunDisabledReturns(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig(numixWatch("commits"))
	cfg.Monitor.Enabled = false
	m := New(st, cfg)

	assert.NoError(t, m.Run(context.Background()))
}
