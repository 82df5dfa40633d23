package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/store"
)

func newTestStore(t *testing.T) *store.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	st, err := store.New(context.Background(), store.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Client) {
	t.Helper()

	st := newTestStore(t)
	return NewDispatcher(st, config.Default()), st
}

// seedMetaBlocks short-circuits the meta endpoint fetch by priming the
// cache with a loopback hook range.
func seedMetaBlocks(t *testing.T, st *store.Client) {
	t.Helper()
	require.NoError(t, st.SetString(context.Background(), metaBlocksKey, `{"hooks":["127.0.0.0/8"]}`))
}

func githubPush(t *testing.T, payload pushPayload) *http.Request {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/hook", bytes.NewReader(raw))
	r.RemoteAddr = "127.0.0.1:54321"
	r.Header.Set("X-GitHub-Event", "push")
	return r
}

func packagesPush(pusher string, commits ...pushCommit) pushPayload {
	var p pushPayload
	p.Repository.Name = "antergos-packages"
	p.Repository.FullName = "Antergos/antergos-packages"
	p.Pusher.Name = pusher
	p.Commits = commits
	return p
}

func queuedEvents(t *testing.T, st *store.Client) []Event {
	t.Helper()

	jobs, err := queue.Waiting(context.Background(), st, queue.Webhook)
	require.NoError(t, err)

	events := make([]Event, 0, len(jobs))
	for _, job := range jobs {
		require.Equal(t, queue.OpProcessHook, job.Op)
		var ev Event
		require.NoError(t, job.DecodeArgs(&ev))
		events = append(events, ev)
	}
	return events
}

func TestGithubPushQueuesChangedPackages(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedMetaBlocks(t, st)

	payload := packagesPush("lots0logs", pushCommit{
		Modified: []string{"cinnamon/cinnamon-desktop/PKGBUILD", "README.md"},
		Added:    []string{"iota/PKGBUILD", "antergos-iso/PKGBUILD"},
	})
	res := d.Handle(ctx, githubPush(t, payload))

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "OK!", res.Body["msg"])

	events := queuedEvents(t, st)
	require.Len(t, events, 1)
	assert.Equal(t, SourceGithub, events[0].Source)
	assert.Equal(t, "lots0logs", events[0].Pusher)
	assert.Equal(t, []string{"cinnamon-desktop", "iota"}, events[0].Packages)

	// The payload is stashed for manual replay.
	keys, err := st.LRange(ctx, payloadIndexKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	raw, err := st.HGet(ctx, keys[0], "payload")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestGithubPingAnsweredInline(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedMetaBlocks(t, st)

	r := httptest.NewRequest(http.MethodPost, "/api/hook", nil)
	r.RemoteAddr = "127.0.0.1:4000"
	r.Header.Set("X-GitHub-Event", "ping")

	res := d.Handle(ctx, r)

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "Hi!", res.Body["msg"])
	assert.Empty(t, queuedEvents(t, st))
}

func TestGithubWrongEventType(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedMetaBlocks(t, st)

	r := httptest.NewRequest(http.MethodPost, "/api/hook", nil)
	r.RemoteAddr = "127.0.0.1:4000"
	r.Header.Set("X-GitHub-Event", "issues")

	res := d.Handle(ctx, r)

	assert.Equal(t, "wrong event type", res.Body["msg"])
	assert.Empty(t, queuedEvents(t, st))
}

func TestGithubUntrustedAddrRejected(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedMetaBlocks(t, st)

	r := githubPush(t, packagesPush("someone", pushCommit{Modified: []string{"iota/PKGBUILD"}}))
	r.RemoteAddr = "203.0.113.5:9999"

	res := d.Handle(ctx, r)

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "Nothing to see here, move along ...", res.Body["msg"])
	assert.Empty(t, queuedEvents(t, st))
}

func TestGithubMetaCachedAcrossCalls(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"hooks":["127.0.0.0/8"]}`))
	}))
	t.Cleanup(srv.Close)
	d.metaURL = srv.URL

	for i := 0; i < 2; i++ {
		payload := packagesPush("someone", pushCommit{Modified: []string{"iota/PKGBUILD"}})
		res := d.Handle(ctx, githubPush(t, payload))
		require.Equal(t, http.StatusOK, res.Status)
	}

	assert.Equal(t, int64(1), calls.Load(), "meta endpoint should be hit once and then cached")
	assert.Len(t, queuedEvents(t, st), 2)
}

func TestGithubMetaUnreachableFailsClosed(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	d.metaURL = srv.URL

	res := d.Handle(ctx, githubPush(t, packagesPush("someone", pushCommit{Modified: []string{"iota/PKGBUILD"}})))

	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Empty(t, queuedEvents(t, st))
}

func TestSelfPushIgnored(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedMetaBlocks(t, st)

	payload := packagesPush("antbs", pushCommit{Modified: []string{"iota/PKGBUILD"}})
	res := d.Handle(ctx, githubPush(t, payload))

	assert.Equal(t, "OK!", res.Body["msg"])
	assert.Empty(t, queuedEvents(t, st))

	// Still stashed: the payload might be wanted for a manual replay.
	keys, err := st.LRange(ctx, payloadIndexKey, 0, -1)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestNumixPushRateLimited(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedMetaBlocks(t, st)

	var payload pushPayload
	payload.Repository.Name = "numix-icon-theme"
	payload.Repository.FullName = "numixproject/numix-icon-theme"
	payload.Pusher.Name = "numix"

	res := d.Handle(ctx, githubPush(t, payload))
	assert.Equal(t, "OK!", res.Body["msg"])

	events := queuedEvents(t, st)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"numix-icon-theme"}, events[0].Packages)

	res = d.Handle(ctx, githubPush(t, payload))
	assert.Equal(t, "RATE LIMIT IN EFFECT FOR numix-icon-theme", res.Body["msg"])
	assert.Len(t, queuedEvents(t, st), 1, "second push inside the window must not queue")
}

func TestCnchiDevPushMapsToPackage(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedMetaBlocks(t, st)

	var payload pushPayload
	payload.Repository.Name = "cnchi-dev"
	payload.Repository.FullName = "Antergos/cnchi-dev"
	payload.Pusher.Name = "karasu"

	res := d.Handle(ctx, githubPush(t, payload))

	assert.Equal(t, "OK!", res.Body["msg"])
	events := queuedEvents(t, st)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"cnchi-dev"}, events[0].Packages)
}

func TestGitlabPushFixedPackageSet(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodPost, "/api/hook", nil)
	r.Header.Set("X-Gitlab-Event", "Push Hook")

	res := d.Handle(ctx, r)

	assert.Equal(t, "OK!", res.Body["msg"])
	events := queuedEvents(t, st)
	require.Len(t, events, 1)
	assert.Equal(t, SourceGitlab, events[0].Source)
	assert.Equal(t, []string{"numix-icon-theme-square", "numix-icon-theme-square-kde"}, events[0].Packages)
}

func TestManualReplayRequiresToken(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	seedMetaBlocks(t, st)
	require.NoError(t, st.SetString(ctx, manualTokenKey, "s3cret"))

	payload := packagesPush("someone", pushCommit{Modified: []string{"iota/PKGBUILD"}})
	res := d.Handle(ctx, githubPush(t, payload))
	require.Equal(t, "OK!", res.Body["msg"])
	require.NoError(t, queue.Purge(ctx, st, queue.Webhook))

	// Wrong token falls through to the origin check and dies there.
	r := httptest.NewRequest(http.MethodPost, "/api/hook?phab=1&token=nope", nil)
	r.RemoteAddr = "203.0.113.5:9999"
	res = d.Handle(ctx, r)
	assert.Equal(t, "Nothing to see here, move along ...", res.Body["msg"])
	assert.Empty(t, queuedEvents(t, st))

	r = httptest.NewRequest(http.MethodPost, "/api/hook?phab=1&token=s3cret", nil)
	res = d.Handle(ctx, r)
	assert.Equal(t, "OK!", res.Body["msg"])

	events := queuedEvents(t, st)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"iota"}, events[0].Packages)
}

func TestManualReplayMissingPayload(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, st.SetString(ctx, manualTokenKey, "s3cret"))

	r := httptest.NewRequest(http.MethodPost, "/api/hook?phab=3&token=s3cret", nil)
	res := d.Handle(ctx, r)

	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Empty(t, queuedEvents(t, st))
}

func TestInstallerTelemetryStartEnd(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, st.SetString(ctx, cnchiTokenKey, "cn-tok"))

	start := httptest.NewRequest(http.MethodPost, "/api/hook?cnchi=cn-tok", nil)
	start.RemoteAddr = "198.51.100.7:40000"
	start.Header.Set("X-Cnchi-Installer", "0.14.2")

	res := d.Handle(ctx, start)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "1", res.Body["id"])
	assert.Equal(t, "198.51.100.7", res.Body["ip"])

	install, err := st.HGetAll(ctx, installTelemetryKey("1"))
	require.NoError(t, err)
	assert.Equal(t, "0.14.2", install["cnchi_version"])
	assert.Equal(t, "false", install["successful"])

	userStart, err := st.HGet(ctx, userTelemetryKey("198.51.100.7"), "1:start")
	require.NoError(t, err)
	assert.NotEmpty(t, userStart)

	end := httptest.NewRequest(http.MethodPost, "/api/hook?cnchi=cn-tok&result=True&install_id=1", nil)
	end.RemoteAddr = "198.51.100.7:40001"
	end.Header.Set("X-Cnchi-Installer", "0.14.2")

	res = d.Handle(ctx, end)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "Ok!", res.Body["msg"])

	install, err = st.HGetAll(ctx, installTelemetryKey("1"))
	require.NoError(t, err)
	assert.Equal(t, "True", install["successful"])
	assert.NotEmpty(t, install["end"])

	assert.Empty(t, queuedEvents(t, st), "telemetry never queues builds")
}

func TestPackagesFromCommits(t *testing.T) {
	tests := []struct {
		name    string
		commits []pushCommit
		want    []string
	}{
		{
			name:    "parent dir of touched PKGBUILD",
			commits: []pushCommit{{Modified: []string{"cinnamon/cnchi/PKGBUILD"}}},
			want:    []string{"cnchi"},
		},
		{
			name:    "root level PKGBUILD has no package",
			commits: []pushCommit{{Modified: []string{"PKGBUILD"}}},
			want:    nil,
		},
		{
			name:    "iso recipe excluded",
			commits: []pushCommit{{Added: []string{"antergos-iso/PKGBUILD"}}},
			want:    nil,
		},
		{
			name: "duplicates collapse",
			commits: []pushCommit{
				{Modified: []string{"iota/PKGBUILD"}},
				{Added: []string{"iota/PKGBUILD"}},
			},
			want: []string{"iota"},
		},
		{
			name:    "unrelated files ignored",
			commits: []pushCommit{{Modified: []string{"iota/iota.install", "docs/README.md"}}},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, packagesFromCommits(tt.commits))
		})
	}
}
