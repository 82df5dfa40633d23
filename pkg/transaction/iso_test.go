package transaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/sandbox"
)

// writeOutImage is an OnStart hook dropping a finished image into the
// sandbox's /out bind, which is how success is detected.
func writeOutImage(name string) func(sandbox.CreateSpec) error {
	return func(spec sandbox.CreateSpec) error {
		dir := bindHost(spec, "/out")
		if dir == "" {
			return nil
		}
		return os.WriteFile(filepath.Join(dir, name), []byte("iso"), 0o644)
	}
}

func TestBuildISOSuccessByFileCount(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	tools := &fakeTools{tree: map[string]string{
		"antergos-x86_64/PKGBUILD": "pkgname=antergos-x86_64\npkgver=17.8\npkgrel=1\n",
	}}
	fake := &sandbox.Fake{OnStart: writeOutImage("antergos-x86_64-17.8.iso")}
	eng := newTestEngine(t, st, fake, tools, cfg)

	// Pre-existing build tree that a successful run must clean up.
	buildTree := filepath.Join(cfg.Paths.MkarchisoDir, "antergos-iso")
	require.NoError(t, os.MkdirAll(buildTree, 0o755))

	tx, err := entity.NewTransaction(ctx, st, []string{"antergos-x86_64"}, entity.OriginISO)
	require.NoError(t, err)
	require.NoError(t, eng.Run(ctx, tx.Tnum))

	bld, err := entity.GetBuild(ctx, st, 1)
	require.NoError(t, err)
	completed, err := bld.Completed(ctx)
	require.NoError(t, err)
	assert.True(t, completed)

	// One attempt was enough, and it ran privileged with the iso image.
	specs := fake.Created()
	require.Len(t, specs, 1)
	assert.Equal(t, cfg.Sandbox.ISOImage, specs[0].Image)
	assert.True(t, specs[0].Privileged)
	assert.Equal(t, []string{"/start/run.sh"}, specs[0].Cmd)
	assert.Equal(t, cfg.Sandbox.ISOMemLimitMB<<20, specs[0].MemLimit)
	assert.Equal(t, cfg.Paths.MkarchisoDir, bindHost(specs[0], "/start"))
	assert.Equal(t, cfg.Paths.ISOTesting, bindHost(specs[0], "/out"))

	// 64-bit, non-minimal: neither variant flag.
	assert.NoFileExists(t, filepath.Join(cfg.Paths.ISOTesting, ".ISO32"))
	assert.NoFileExists(t, filepath.Join(cfg.Paths.ISOTesting, ".MINIMAL"))

	// The first-run marker was touched for the mastering script.
	assert.FileExists(t, filepath.Join(cfg.Paths.MkarchisoDir, "first-run"))

	// latest-<name> points at the fresh image.
	link := filepath.Join(cfg.Paths.ISOTesting, "latest-antergos-x86_64")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "antergos-x86_64-17.8.iso", target)

	// Success cleans up: build tree gone, sandbox removed.
	assert.NoDirExists(t, buildTree)
	assert.Contains(t, fake.Removed(), "antergos-x86_64")

	// No signing, no repo update for ISO builds.
	assert.Empty(t, tools.signedFiles())

	isoBuilding, err := entity.Status(st).IsoBuilding(ctx)
	require.NoError(t, err)
	assert.False(t, isoBuilding)
}

func TestBuildISORetriesThenFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	tools := &fakeTools{tree: map[string]string{
		"antergos-x86_64/PKGBUILD": "pkgname=antergos-x86_64\npkgver=17.8\npkgrel=1\n",
	}}
	// Every attempt exits non-zero and writes nothing to /out.
	fake := &sandbox.Fake{ExitCodes: map[string]uint32{"antergos-x86_64": 1}}
	eng := newTestEngine(t, st, fake, tools, cfg)

	tx, err := entity.NewTransaction(ctx, st, []string{"antergos-x86_64"}, entity.OriginISO)
	require.NoError(t, err)
	require.NoError(t, eng.Run(ctx, tx.Tnum))

	// Initial attempt plus two retries, each in a fresh sandbox.
	assert.Len(t, fake.Created(), 3)

	bld, err := entity.GetBuild(ctx, st, 1)
	require.NoError(t, err)
	failed, err := bld.Failed(ctx)
	require.NoError(t, err)
	assert.True(t, failed)

	failedList, err := entity.Status(st).Failed(ctx)
	require.NoError(t, err)
	assert.Contains(t, failedList, int64(1))

	// The last sandbox stays for post-mortems: one Remove per attempt,
	// none after the verdict.
	assert.Len(t, fake.Removed(), 3)
}

func TestBuildISOCleanExitWithoutImageFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	tools := &fakeTools{tree: map[string]string{
		"antergos-x86_64/PKGBUILD": "pkgname=antergos-x86_64\npkgver=17.8\npkgrel=1\n",
	}}
	// Exit 0 but the output dir never grows: no retries, still a failure.
	fake := &sandbox.Fake{}
	eng := newTestEngine(t, st, fake, tools, cfg)

	tx, err := entity.NewTransaction(ctx, st, []string{"antergos-x86_64"}, entity.OriginISO)
	require.NoError(t, err)
	require.NoError(t, eng.Run(ctx, tx.Tnum))

	assert.Len(t, fake.Created(), 1)

	bld, err := entity.GetBuild(ctx, st, 1)
	require.NoError(t, err)
	failed, err := bld.Failed(ctx)
	require.NoError(t, err)
	assert.True(t, failed)
}

func TestHandleISOReleaseBuildsAllVariants(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)

	tree := make(map[string]string, len(cfg.ISO.Packages))
	for _, name := range cfg.ISO.Packages {
		tree[name+"/PKGBUILD"] = "pkgname=" + name + "\npkgver=17.8\npkgrel=1\n"
	}
	tools := &fakeTools{tree: tree}
	fake := &sandbox.Fake{OnStart: func(spec sandbox.CreateSpec) error {
		dir := bindHost(spec, "/out")
		if dir == "" {
			return nil
		}
		return os.WriteFile(filepath.Join(dir, spec.Name+"-17.8.iso"), []byte("iso"), 0o644)
	}}
	eng := newTestEngine(t, st, fake, tools, cfg)

	status := entity.Status(st)
	require.NoError(t, status.SetIsoFlag(ctx, true))
	require.NoError(t, status.SetIsoMinimal(ctx, true))

	require.NoError(t, eng.HandleISORelease(ctx, queue.Job{}))

	tx, err := entity.GetTransaction(ctx, st, 1)
	require.NoError(t, err)
	origin, err := tx.Origin(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.OriginISO, origin)

	for bnum := int64(1); bnum <= int64(len(cfg.ISO.Packages)); bnum++ {
		bld, err := entity.GetBuild(ctx, st, bnum)
		require.NoError(t, err)
		completed, err := bld.Completed(ctx)
		require.NoError(t, err)
		assert.True(t, completed, "variant build %d", bnum)
	}

	// The release satisfied the request flags.
	isoFlag, err := status.IsoFlag(ctx)
	require.NoError(t, err)
	assert.False(t, isoFlag)
	isoMinimal, err := status.IsoMinimal(ctx)
	require.NoError(t, err)
	assert.False(t, isoMinimal)

	idle, err := status.Idle(ctx)
	require.NoError(t, err)
	assert.True(t, idle)
}

func TestBuildISOVariantFlags(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	tools := &fakeTools{tree: map[string]string{
		"antergos-minimal-i686/PKGBUILD": "pkgname=antergos-minimal-i686\npkgver=17.8\npkgrel=1\n",
	}}
	fake := &sandbox.Fake{OnStart: writeOutImage("antergos-minimal-i686-17.8.iso")}
	eng := newTestEngine(t, st, fake, tools, cfg)

	tx, err := entity.NewTransaction(ctx, st, []string{"antergos-minimal-i686"}, entity.OriginISO)
	require.NoError(t, err)
	require.NoError(t, eng.Run(ctx, tx.Tnum))

	assert.FileExists(t, filepath.Join(cfg.Paths.ISOTesting, ".ISO32"))
	assert.FileExists(t, filepath.Join(cfg.Paths.ISOTesting, ".MINIMAL"))

	bld, err := entity.GetBuild(ctx, st, 1)
	require.NoError(t, err)
	completed, err := bld.Completed(ctx)
	require.NoError(t, err)
	assert.True(t, completed)
}
