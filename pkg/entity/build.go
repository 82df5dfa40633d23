package entity

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/antergos/antbs/pkg/store"
)

// Review outcomes a developer can assign to a staged build.
const (
	ReviewPending = "pending"
	ReviewPassed  = "passed"
	ReviewFailed  = "failed"
	ReviewSkip    = "skip"
)

// Build is the durable record of one build attempt.
type Build struct {
	hashObject
	Bnum int64
}

func buildKey(bnum int64) string {
	return store.Key("build", strconv.FormatInt(bnum, 10))
}

// NewBuild allocates a bnum and seeds the record from the package's
// current state. The build starts out pending review.
func NewBuild(ctx context.Context, st *store.Client, pkg *Package, tnum int64) (*Build, error) {
	bnum, err := NextBnum(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate bnum: %w", err)
	}

	b := &Build{
		hashObject: hashObject{st: st, key: buildKey(bnum)},
		Bnum:       bnum,
	}

	version, err := pkg.VersionStr(ctx)
	if err != nil {
		return nil, err
	}
	isISO, err := pkg.IsISO(ctx)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		"bnum":          strconv.FormatInt(bnum, 10),
		"pkgname":       pkg.Name,
		"version_str":   version,
		"tnum":          strconv.FormatInt(tnum, 10),
		"completed":     "false",
		"failed":        "false",
		"is_iso":        strconv.FormatBool(isISO),
		"review_status": ReviewPending,
	}
	if err := st.HSetMap(ctx, b.key, fields); err != nil {
		return nil, fmt.Errorf("failed to create build %d: %w", bnum, err)
	}

	if err := pkg.AddBuild(ctx, bnum); err != nil {
		return nil, err
	}
	if err := pkg.SetCurrentBuild(ctx, bnum); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBuild returns the build record for bnum or store.ErrNotFound.
func GetBuild(ctx context.Context, st *store.Client, bnum int64) (*Build, error) {
	b := &Build{
		hashObject: hashObject{st: st, key: buildKey(bnum)},
		Bnum:       bnum,
	}
	name, err := b.getStr(ctx, "pkgname")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("build %d: %w", bnum, store.ErrNotFound)
	}
	return b, nil
}

func (b *Build) Pkgname(ctx context.Context) (string, error) {
	return b.getStr(ctx, "pkgname")
}

func (b *Build) VersionStr(ctx context.Context) (string, error) {
	return b.getStr(ctx, "version_str")
}

func (b *Build) Tnum(ctx context.Context) (int64, error) {
	return b.getInt(ctx, "tnum")
}

func (b *Build) IsISO(ctx context.Context) (bool, error) {
	return b.getBool(ctx, "is_iso")
}

func (b *Build) Completed(ctx context.Context) (bool, error) {
	return b.getBool(ctx, "completed")
}

func (b *Build) Failed(ctx context.Context) (bool, error) {
	return b.getBool(ctx, "failed")
}

func (b *Build) StartStr(ctx context.Context) (string, error) {
	return b.getStr(ctx, "start_str")
}

func (b *Build) EndStr(ctx context.Context) (string, error) {
	return b.getStr(ctx, "end_str")
}

// MarkStarted stamps start_str with the current time.
func (b *Build) MarkStarted(ctx context.Context) error {
	return b.setStr(ctx, "start_str", nowStr())
}

// MarkCompleted finishes the build as a success.
func (b *Build) MarkCompleted(ctx context.Context) error {
	return b.st.HSetMap(ctx, b.key, map[string]string{
		"completed": "true",
		"failed":    "false",
		"end_str":   nowStr(),
	})
}

// MarkFailed finishes the build as a failure. Failed builds are not
// reviewable, so any pending review mark goes too.
func (b *Build) MarkFailed(ctx context.Context) error {
	return b.st.HSetMap(ctx, b.key, map[string]string{
		"completed":     "false",
		"failed":        "true",
		"review_status": "",
		"end_str":       nowStr(),
	})
}

// AppendLog stores output lines for later retrieval; live streaming goes
// through the pub/sub channel, this list is the durable copy.
func (b *Build) AppendLog(ctx context.Context, lines ...string) error {
	return b.st.RPush(ctx, b.subKey("log"), lines...)
}

func (b *Build) Log(ctx context.Context) ([]string, error) {
	return b.st.LRange(ctx, b.subKey("log"), 0, -1)
}

// SaveLogStr flattens the log list into log_str for the browse views.
func (b *Build) SaveLogStr(ctx context.Context) error {
	lines, err := b.Log(ctx)
	if err != nil {
		return err
	}
	return b.setStr(ctx, "log_str", strings.Join(lines, "\n"))
}

// Container returns the opaque sandbox handle for this build, empty
// until the sandbox exists.
func (b *Build) Container(ctx context.Context) (string, error) {
	return b.getStr(ctx, "container")
}

func (b *Build) SetContainer(ctx context.Context, id string) error {
	return b.setStr(ctx, "container", id)
}

func (b *Build) ReviewStatus(ctx context.Context) (string, error) {
	return b.getStr(ctx, "review_status")
}

func (b *Build) ReviewDev(ctx context.Context) (string, error) {
	return b.getStr(ctx, "review_dev")
}

// SetReviewStatus changes the review state without recording a
// reviewer; used when a newer build retires a pending review.
func (b *Build) SetReviewStatus(ctx context.Context, status string) error {
	return b.setStr(ctx, "review_status", status)
}

// SetReview records a developer's verdict and who gave it.
func (b *Build) SetReview(ctx context.Context, result, dev string) error {
	return b.st.HSetMap(ctx, b.key, map[string]string{
		"review_status": result,
		"review_dev":    dev,
		"review_date":   nowStr(),
	})
}
