package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/livelog"
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

func newTestServer(t *testing.T) (*Server, *store.Client, *config.Config) {
	t.Helper()

	st := newTestStore(t)

	cfg := config.Default()
	base := t.TempDir()
	cfg.Paths.Staging64 = filepath.Join(base, "staging", "x86_64")
	cfg.Paths.Staging32 = filepath.Join(base, "staging", "i686")
	cfg.Paths.Main64 = filepath.Join(base, "main", "x86_64")
	cfg.Paths.Main32 = filepath.Join(base, "main", "i686")

	s := New(st, cfg, webhook.NewDispatcher(st, cfg), livelog.NewStreamer(st), nil)
	return s, st, cfg
}

// seedAdmin registers an api key for dev and puts dev in the admin
// group.
func seedAdmin(t *testing.T, st *store.Client, key, dev string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.HSet(ctx, apiKeysKey, key, dev))
	require.NoError(t, st.SAdd(ctx, adminGroupKey, dev))
}

func adminGet(target, key string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Header.Set("Authorization", "Bearer "+key)
	return r
}

func adminPostJSON(t *testing.T, target, key string, body interface{}) *http.Request {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(raw))
	r.Header.Set("Authorization", "Bearer "+key)
	r.Header.Set("Content-Type", "application/json")
	return r
}

func serve(s *Server, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	return rec
}

func decodeMsg(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["msg"]
}

func TestAdminAuthRejectsMissingKey(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/ajax", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeMsg(t, rec))
}

func TestAdminAuthRejectsUnknownKey(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := serve(s, adminGet("/api/ajax", "nope"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminAuthRejectsNonAdminDev(t *testing.T) {
	s, st, _ := newTestServer(t)
	require.NoError(t, st.HSet(context.Background(), apiKeysKey, "k1", "guest"))

	rec := serve(s, adminGet("/api/ajax", "k1"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminAuthAcceptsAdminKey(t *testing.T) {
	s, st, _ := newTestServer(t)
	seedAdmin(t, st, "k1", "lots0logs")

	// Past the middleware an empty ajax call is a 400, not a 403.
	rec := serve(s, adminGet("/api/ajax", "k1"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "nothing to do", decodeMsg(t, rec))
}

func TestHookRoutedThroughDispatcher(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.SetString(ctx, store.Key("github", "hook_ip_blocks"), `{"hooks":["127.0.0.0/8"]}`))

	payload := map[string]interface{}{
		"repository": map[string]string{
			"name":      "antergos-packages",
			"full_name": "Antergos/antergos-packages",
		},
		"pusher":  map[string]string{"name": "lots0logs"},
		"commits": []map[string][]string{{"modified": {"cnchi/PKGBUILD"}}},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/hook", bytes.NewReader(raw))
	r.RemoteAddr = "127.0.0.1:39200"
	r.Header.Set("X-GitHub-Event", "push")

	rec := serve(s, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK!", decodeMsg(t, rec))
}

func TestHealthzHealthy(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, entity.Status(st).SetIdle(ctx, true, "Idle."))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Healthy    bool `json:"healthy"`
		Idle       bool `json:"idle"`
		Components []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Healthy)
	assert.True(t, resp.Idle)

	found := false
	for _, c := range resp.Components {
		if c.Name == "store" {
			found = true
			assert.True(t, c.Healthy)
		}
	}
	assert.True(t, found, "store component missing from health report")
}

func TestHealthzStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := store.New(context.Background(), store.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	s := New(st, cfg, webhook.NewDispatcher(st, cfg), livelog.NewStreamer(st), nil)

	mr.Close()

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/no_such_thing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
