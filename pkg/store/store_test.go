package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := New(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c, mr
}

func TestKey(t *testing.T) {
	assert.Equal(t, "antbs:build:42", Key("build", "42"))
	assert.Equal(t, "antbs:misc:tnum:next", Key("misc", "tnum", "next"))
}

func TestScalars(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	// missing keys read as zero values
	s, err := c.GetString(ctx, "antbs:nope")
	require.NoError(t, err)
	assert.Equal(t, "", s)

	n, err := c.GetInt(ctx, "antbs:nope")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, c.SetString(ctx, "antbs:a", "hello"))
	s, err = c.GetString(ctx, "antbs:a")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	require.NoError(t, c.SetInt(ctx, "antbs:n", 41))
	got, err := c.Incr(ctx, "antbs:n")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	ok, err := c.Exists(ctx, "antbs:a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "antbs:a"))
	ok, err = c.Exists(ctx, "antbs:a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLFlags(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	set, err := c.SetNX(ctx, "antbs:misc:checked_recently", "True", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, set)

	// second set inside the window is a no-op
	set, err = c.SetNX(ctx, "antbs:misc:checked_recently", "True", 300*time.Second)
	require.NoError(t, err)
	assert.False(t, set)

	mr.FastForward(301 * time.Second)

	set, err = c.SetNX(ctx, "antbs:misc:checked_recently", "True", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestHashOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	key := Key("build", "7")
	require.NoError(t, c.HSet(ctx, key, "pkgname", "cnchi"))
	require.NoError(t, c.HSetMap(ctx, key, map[string]string{
		"completed": "false",
		"tnum":      "3",
	}))

	v, err := c.HGet(ctx, key, "pkgname")
	require.NoError(t, err)
	assert.Equal(t, "cnchi", v)

	// missing field reads as empty
	v, err = c.HGet(ctx, key, "nope")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	ok, err := c.HSetNX(ctx, key, "pkgname", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := c.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"pkgname": "cnchi", "completed": "false", "tnum": "3"}, all)
}

func TestListOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	key := Key("status", "hook_queue")
	require.NoError(t, c.RPush(ctx, key, "a", "b", "c"))

	n, err := c.LLen(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	head, err := c.LPop(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "a", head)

	rest, err := c.LRange(ctx, key, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, rest)

	require.NoError(t, c.LTrim(ctx, key, -1, -1))
	rest, err = c.LRange(ctx, key, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, rest)

	_, err = c.LPop(ctx, "antbs:empty")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBRPopLPush(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	src := Key("queue", "transactions")
	dst := src + ":processing"

	require.NoError(t, c.LPush(ctx, src, "job-1"))

	val, err := c.BRPopLPush(ctx, src, dst, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", val)

	leased, err := c.LRange(ctx, dst, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, leased)

	// empty source times out with ErrNotFound
	_, err = c.BRPopLPush(ctx, src, dst, time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	key := Key("status", "transactions_running")
	require.NoError(t, c.SAdd(ctx, key, "42"))

	ok, err := c.SIsMember(ctx, key, "42")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := c.SCard(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.SRem(ctx, key, "42"))
	members, err := c.SMembers(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestPubSub(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sub := c.Subscribe(ctx, "live:build_output:9")
	defer sub.Close()

	require.NoError(t, c.Publish(ctx, "live:build_output:9", "==> Making package: cnchi"))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "==> Making package: cnchi", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNewFailsFast(t *testing.T) {
	_, err := New(context.Background(), Options{Addr: "127.0.0.1:1"})
	assert.ErrorIs(t, err, ErrUnavailable)
}
