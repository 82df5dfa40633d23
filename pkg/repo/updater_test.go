package repo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/livelog"
	"github.com/antergos/antbs/pkg/sandbox"
	"github.com/antergos/antbs/pkg/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.BuildBase = filepath.Join(base, "build")
	cfg.Paths.RepoBase = filepath.Join(base, "repo")
	cfg.Paths.Main64 = filepath.Join(cfg.Paths.RepoBase, "antergos", "x86_64")
	cfg.Paths.Main32 = filepath.Join(cfg.Paths.RepoBase, "antergos", "i686")
	cfg.Paths.Staging64 = filepath.Join(cfg.Paths.RepoBase, "antergos-staging", "x86_64")
	cfg.Paths.Staging32 = filepath.Join(cfg.Paths.RepoBase, "antergos-staging", "i686")
	cfg.Paths.MakepkgDir = filepath.Join(base, "makepkg")
	cfg.Paths.GPGDir = filepath.Join(base, "gnupg")

	for _, dir := range []string{
		cfg.Paths.BuildBase, cfg.Paths.Main64, cfg.Paths.Main32,
		cfg.Paths.Staging64, cfg.Paths.Staging32,
		cfg.Paths.MakepkgDir, cfg.Paths.GPGDir,
	} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return cfg
}

func seedRepos(t *testing.T, st *store.Client, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()

	_, err := entity.EnsureRepo(ctx, st, cfg.Repos.MainName, RoleMain, cfg.Paths.Main64, cfg.Paths.Main32)
	require.NoError(t, err)
	_, err = entity.EnsureRepo(ctx, st, cfg.Repos.StagingName, RoleStaging, cfg.Paths.Staging64, cfg.Paths.Staging32)
	require.NoError(t, err)
}

func seedBuild(t *testing.T, st *store.Client) *entity.Build {
	t.Helper()
	ctx := context.Background()

	pkg, err := entity.EnsurePackage(ctx, st, "cnchi")
	require.NoError(t, err)
	bld, err := entity.NewBuild(ctx, st, pkg, 1)
	require.NoError(t, err)
	return bld
}

func newTestUpdater(st *store.Client, fake *sandbox.Fake, cfg *config.Config) *Updater {
	return NewUpdater(st, fake, livelog.NewStreamer(st), cfg)
}

func TestUpdateRunsRepoTool(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := testConfig(t)
	seedRepos(t, st, cfg)
	bld := seedBuild(t, st)

	fake := &sandbox.Fake{Output: map[string]string{
		"update_repo": "==> Adding package to repo...\n==> Done.\n",
	}}
	u := newTestUpdater(st, fake, cfg)

	err := u.Update(ctx, UpdateRequest{
		RepoRole: RoleStaging,
		Bnum:     bld.Bnum,
		Add:      []string{"cnchi-0.14.0-1-x86_64.pkg.tar.xz"},
	})
	require.NoError(t, err)

	// Stale sandbox removed by name before the run.
	assert.Equal(t, []string{"update_repo"}, fake.Removed())
	assert.Equal(t, []string{cfg.Sandbox.BuildImage}, fake.Pulled())

	spec := fake.LastCreated()
	assert.Equal(t, "update_repo", spec.Name)
	assert.Equal(t, cfg.Sandbox.BuildImage, spec.Image)
	assert.Equal(t, []string{"/makepkg/build.sh", "cnchi-0.14.0-1-x86_64.pkg.tar.xz"}, spec.Cmd)
	assert.Contains(t, spec.Env, "_PKGNAME=cnchi")
	assert.Contains(t, spec.Env, "_RESULT=")
	assert.Contains(t, spec.Env, "_UPDREPO=True")
	assert.Contains(t, spec.Env, "_REPO="+cfg.Repos.StagingName)
	assert.Contains(t, spec.Env, "_REPO_DIR=staging")
	assert.Contains(t, spec.Binds, cfg.Paths.GPGDir+":/root/.gnupg")

	// Exit 0 stamps lastupdate in the repo dir.
	stamp, err := os.ReadFile(filepath.Join(filepath.Dir(cfg.Paths.Staging64), "lastupdate"))
	require.NoError(t, err)
	assert.Regexp(t, `^\d+\n$`, string(stamp))

	r, err := entity.GetRepo(ctx, st, cfg.Repos.StagingName)
	require.NoError(t, err)
	last, err := r.LastUpdate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, last)
	locked, err := r.Locked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	// Output streamed into the build's durable log.
	logLines, err := bld.Log(ctx)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(logLines, "\n"), "Adding package to repo")

	// Nothing was building, so the server went back to idle.
	status := entity.Status(st)
	idle, err := status.Idle(ctx)
	require.NoError(t, err)
	assert.True(t, idle)
	current, err := status.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Idle.", current)
}

func TestUpdateNonZeroExit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := testConfig(t)
	seedRepos(t, st, cfg)

	fake := &sandbox.Fake{ExitCodes: map[string]uint32{"update_repo": 1}}
	u := newTestUpdater(st, fake, cfg)

	err := u.Update(ctx, UpdateRequest{RepoRole: RoleMain, Remove: []string{"cnchi"}})
	require.ErrorIs(t, err, ErrUpdateFailed)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(cfg.Paths.Main64), "lastupdate"))
	assert.True(t, os.IsNotExist(statErr))

	// The lock flag never outlives the run, failed or not.
	r, err := entity.GetRepo(ctx, st, cfg.Repos.MainName)
	require.NoError(t, err)
	locked, err := r.Locked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestUpdateRestoresBuildStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := testConfig(t)
	seedRepos(t, st, cfg)

	status := entity.Status(st)
	require.NoError(t, status.SetIdle(ctx, false, "Building cnchi-0.14.0-1 with makepkg."))
	require.NoError(t, status.AddRunningTrans(ctx, 5))

	fake := &sandbox.Fake{}
	u := newTestUpdater(st, fake, cfg)

	require.NoError(t, u.Update(ctx, UpdateRequest{RepoRole: RoleStaging, Add: []string{"x.pkg.tar.xz"}}))

	current, err := status.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Building cnchi-0.14.0-1 with makepkg.", current)
	idle, err := status.Idle(ctx)
	require.NoError(t, err)
	assert.False(t, idle)
}

func TestUpdateReviewLeavesReviewStatusLine(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := testConfig(t)
	seedRepos(t, st, cfg)
	bld := seedBuild(t, st)

	status := entity.Status(st)
	require.NoError(t, status.SetIdle(ctx, false, StatusProcessingReview))

	fake := &sandbox.Fake{Output: map[string]string{"update_repo": "should not stream\n"}}
	u := newTestUpdater(st, fake, cfg)

	err := u.Update(ctx, UpdateRequest{
		RepoRole:     RoleMain,
		Bnum:         bld.Bnum,
		Add:          []string{"cnchi-0.14.0-1-x86_64.pkg.tar.xz"},
		ReviewResult: entity.ReviewPassed,
	})
	require.NoError(t, err)

	spec := fake.LastCreated()
	assert.Contains(t, spec.Env, "_RESULT=passed")

	// Review runs neither stream output nor touch the status line.
	logLines, err := bld.Log(ctx)
	require.NoError(t, err)
	assert.Empty(t, logLines)

	current, err := status.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessingReview, current)
}

func TestUpdateUnknownRole(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig(t)

	u := newTestUpdater(st, &sandbox.Fake{}, cfg)
	err := u.Update(context.Background(), UpdateRequest{RepoRole: "testing"})
	require.Error(t, err)
}
