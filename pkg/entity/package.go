package entity

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/antergos/antbs/pkg/pkgbuild"
	"github.com/antergos/antbs/pkg/store"
)

// Repo roles a package may be allowed into.
const (
	RoleMain    = "main"
	RoleStaging = "staging"
)

// Package is the durable record of one buildable package. The zero state
// of most fields is meaningful (false, empty, zero), so a Package view is
// usable as soon as the name is known.
type Package struct {
	hashObject
	Name string
}

// Pkg returns a view over the package record for name without touching
// the store.
func Pkg(st *store.Client, name string) *Package {
	return &Package{
		hashObject: hashObject{st: st, key: store.Key("pkg", name)},
		Name:       name,
	}
}

// EnsurePackage returns the package view, creating the record on first
// sight: the name fields are written, ISO packages are flagged by name,
// new packages are allowed into both repos and registered in
// status.all_packages.
func EnsurePackage(ctx context.Context, st *store.Client, name string) (*Package, error) {
	p := Pkg(st, name)

	existing, err := p.getStr(ctx, "name")
	if err != nil {
		return nil, fmt.Errorf("failed to load package %s: %w", name, err)
	}
	if existing != "" {
		return p, nil
	}

	fields := map[string]string{
		"name":    name,
		"pkgname": name,
	}
	if IsISOName(name) {
		fields["is_iso"] = "true"
	}
	if err := st.HSetMap(ctx, p.key, fields); err != nil {
		return nil, fmt.Errorf("failed to create package %s: %w", name, err)
	}
	if err := st.SAdd(ctx, p.subKey("allowed_in"), RoleMain, RoleStaging); err != nil {
		return nil, err
	}
	if err := st.SAdd(ctx, store.Key("status", "all_packages"), name); err != nil {
		return nil, err
	}
	return p, nil
}

// IsISOName reports whether a package name denotes an ISO image build
// rather than a binary package.
func IsISOName(name string) bool {
	return strings.Contains(name, "-x86_64") || strings.Contains(name, "-i686")
}

func (p *Package) VersionStr(ctx context.Context) (string, error) {
	return p.getStr(ctx, "version_str")
}

func (p *Package) Pkgver(ctx context.Context) (string, error) {
	return p.getStr(ctx, "pkgver")
}

func (p *Package) Pkgdesc(ctx context.Context) (string, error) {
	return p.getStr(ctx, "pkgdesc")
}

func (p *Package) SetPkgdesc(ctx context.Context, desc string) error {
	return p.setStr(ctx, "pkgdesc", desc)
}

// PkgbuildPath is the recipe location found during the last planning
// pass, relative to the recipe repo checkout.
func (p *Package) PkgbuildPath(ctx context.Context) (string, error) {
	return p.getStr(ctx, "pkgbuild_path")
}

func (p *Package) SetPkgbuildPath(ctx context.Context, path string) error {
	return p.setStr(ctx, "pkgbuild_path", path)
}

func (p *Package) IsISO(ctx context.Context) (bool, error) {
	return p.getBool(ctx, "is_iso")
}

func (p *Package) SetIsISO(ctx context.Context, v bool) error {
	return p.setBool(ctx, "is_iso", v)
}

func (p *Package) IsMetapkg(ctx context.Context) (bool, error) {
	return p.getBool(ctx, "is_metapkg")
}

func (p *Package) SetIsMetapkg(ctx context.Context, v bool) error {
	return p.setBool(ctx, "is_metapkg", v)
}

func (p *Package) IsSplitPackage(ctx context.Context) (bool, error) {
	return p.getBool(ctx, "is_split_package")
}

func (p *Package) SplitPackages(ctx context.Context) ([]string, error) {
	return p.st.LRange(ctx, p.subKey("split_packages"), 0, -1)
}

// Autosum reports whether the recipe computes its own checksums, which
// the build sandbox is told through _AUTOSUMS.
func (p *Package) Autosum(ctx context.Context) (bool, error) {
	return p.getBool(ctx, "autosum")
}

func (p *Package) SetAutosum(ctx context.Context, v bool) error {
	return p.setBool(ctx, "autosum", v)
}

func (p *Package) AllowedIn(ctx context.Context) ([]string, error) {
	return p.st.SMembers(ctx, p.subKey("allowed_in"))
}

func (p *Package) AllowedInRole(ctx context.Context, role string) (bool, error) {
	return p.st.SIsMember(ctx, p.subKey("allowed_in"), role)
}

func (p *Package) SetAllowedIn(ctx context.Context, roles []string) error {
	key := p.subKey("allowed_in")
	if err := p.st.Delete(ctx, key); err != nil {
		return err
	}
	return p.st.SAdd(ctx, key, roles...)
}

func (p *Package) Depends(ctx context.Context) ([]string, error) {
	return p.st.SMembers(ctx, p.subKey("depends"))
}

func (p *Package) Groups(ctx context.Context) ([]string, error) {
	return p.st.SMembers(ctx, p.subKey("groups"))
}

// Builds returns this package's build numbers, oldest first.
func (p *Package) Builds(ctx context.Context) ([]int64, error) {
	raw, err := p.st.LRange(ctx, p.subKey("builds"), 0, -1)
	if err != nil {
		return nil, err
	}
	return parseInts(raw), nil
}

func (p *Package) AddBuild(ctx context.Context, bnum int64) error {
	return p.st.RPush(ctx, p.subKey("builds"), strconv.FormatInt(bnum, 10))
}

func (p *Package) AddTimelineEvent(ctx context.Context, eventID int64) error {
	return p.st.RPush(ctx, p.subKey("tl_events"), strconv.FormatInt(eventID, 10))
}

// CurrentBuild is the bnum of the in-flight build, zero when none.
func (p *Package) CurrentBuild(ctx context.Context) (int64, error) {
	return p.getInt(ctx, "_build")
}

func (p *Package) SetCurrentBuild(ctx context.Context, bnum int64) error {
	return p.setInt(ctx, "_build", bnum)
}

func (p *Package) SuccessRate(ctx context.Context) (float64, error) {
	return p.getFloat(ctx, "success_rate")
}

func (p *Package) FailureRate(ctx context.Context) (float64, error) {
	return p.getFloat(ctx, "failure_rate")
}

// SyncRecipe records everything antbs keeps from a parsed PKGBUILD:
// version components and composed version_str, description, declared
// dependency names, groups and split package info. A recipe without a
// pkgver (VCS packages compute theirs at build time) leaves the stored
// version untouched.
func (p *Package) SyncRecipe(ctx context.Context, rec *pkgbuild.Recipe) error {
	fields := map[string]string{
		"pkgdesc": rec.Pkgdesc,
	}
	if ver := rec.Version(); ver != "" {
		fields["pkgver"] = rec.Pkgver
		fields["pkgrel"] = rec.Pkgrel
		fields["epoch"] = rec.Epoch
		fields["version_str"] = ver
	}
	if rec.IsSplit() {
		fields["is_split_package"] = "true"
		if err := p.st.Delete(ctx, p.subKey("split_packages")); err != nil {
			return err
		}
		if err := p.st.RPush(ctx, p.subKey("split_packages"), rec.Names...); err != nil {
			return err
		}
	}
	if err := p.st.HSetMap(ctx, p.key, fields); err != nil {
		return fmt.Errorf("failed to sync recipe for %s: %w", p.Name, err)
	}

	if deps := rec.AllDepends(); len(deps) > 0 {
		if err := p.st.Delete(ctx, p.subKey("depends")); err != nil {
			return err
		}
		if err := p.st.SAdd(ctx, p.subKey("depends"), deps...); err != nil {
			return err
		}
	}
	if len(rec.Groups) > 0 {
		if err := p.st.Delete(ctx, p.subKey("groups")); err != nil {
			return err
		}
		if err := p.st.SAdd(ctx, p.subKey("groups"), rec.Groups...); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRates recomputes success_rate and failure_rate from the
// package's builds against the status completed/failed lists.
func (p *Package) UpdateRates(ctx context.Context, status *ServerStatus) error {
	builds, err := p.Builds(ctx)
	if err != nil {
		return err
	}
	if len(builds) == 0 {
		return nil
	}

	completed, err := status.CompletedSet(ctx)
	if err != nil {
		return err
	}
	failed, err := status.FailedSet(ctx)
	if err != nil {
		return err
	}

	var nPass, nFail int
	for _, b := range builds {
		if completed[b] {
			nPass++
		}
		if failed[b] {
			nFail++
		}
	}

	total := float64(len(builds))
	if err := p.setFloat(ctx, "success_rate", 100*float64(nPass)/total); err != nil {
		return err
	}
	return p.setFloat(ctx, "failure_rate", 100*float64(nFail)/total)
}

func parseInts(raw []string) []int64 {
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		if n, err := strconv.ParseInt(r, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}
