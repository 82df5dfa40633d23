package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsBearerKey(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "Ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, "sekrit")
	msg, err := c.ResetQueues(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ok", msg)
	assert.Equal(t, "Bearer sekrit", got)
}

func TestClientOmitsEmptyKey(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "Ok"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").ResetQueues(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTriggerBuildPostsForm(t *testing.T) {
	var (
		path        string
		contentType string
		pkgname     string
		dev         string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseForm())
		pkgname = r.PostFormValue("pkgname")
		dev = r.PostFormValue("dev")
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "Ok"})
	}))
	defer srv.Close()

	msg, err := New(srv.URL, "k").TriggerBuild(context.Background(), "cnchi", "lots0logs")
	require.NoError(t, err)
	assert.Equal(t, "Ok", msg)
	assert.Equal(t, "/api/build_pkg_now", path)
	assert.Equal(t, "application/x-www-form-urlencoded", contentType)
	assert.Equal(t, "cnchi", pkgname)
	assert.Equal(t, "lots0logs", dev)
}

func TestSubmitReviewPostsJSON(t *testing.T) {
	var body struct {
		Bnum   int64  `json:"bnum"`
		Dev    string `json:"dev"`
		Result string `json:"result"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pkg_review", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "Ok"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").SubmitReview(context.Background(), 42, "karasu", "passed")
	require.NoError(t, err)
	assert.Equal(t, int64(42), body.Bnum)
	assert.Equal(t, "karasu", body.Dev)
	assert.Equal(t, "passed", body.Result)
}

func TestRebuildAndRemoveShareEndpoint(t *testing.T) {
	var results []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ajax", r.URL.Path)
		var req struct {
			Result string `json:"result"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		results = append(results, req.Result)
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "Ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	_, err := c.Rebuild(context.Background(), "iota", "karasu")
	require.NoError(t, err)
	_, err = c.RemovePackage(context.Background(), "iota", "karasu")
	require.NoError(t, err)
	assert.Equal(t, []string{"rebuild", "remove"}, results)
}

func TestRerunTransactionQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "Ok"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").RerunTransaction(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, "rerun_transaction=77", query)
}

func TestServerErrorSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "forbidden"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "wrong").ReleaseISO(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
	assert.Contains(t, err.Error(), "403")
}

func TestServerErrorWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").ReleaseISO(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHealthDecodesUnhealthyReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(Health{
			Healthy: false,
			Version: "dev",
			Uptime:  3 * time.Second,
			Idle:    true,
			Components: []ComponentHealth{
				{Name: "store", Healthy: false, Message: "connection refused"},
			},
		})
	}))
	defer srv.Close()

	h, err := New(srv.URL, "k").Health(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	require.Len(t, h.Components, 1)
	assert.Equal(t, "store", h.Components[0].Name)
	assert.Equal(t, "connection refused", h.Components[0].Message)
}

func TestHealthRejectsUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").Health(context.Background())
	require.Error(t, err)
}
