package entity

import (
	"context"
	"fmt"
	"strings"

	"github.com/antergos/antbs/pkg/store"
)

// Repo is the durable record of one binary repository: its identity and
// the reconciler's view of its contents. Entries in pkgs_fs and
// pkgs_alpm use the "name|version-release" encoding so name and version
// survive in one set member.
type Repo struct {
	hashObject
	Name string
}

// RepoView returns a view over the repo record for name.
func RepoView(st *store.Client, name string) *Repo {
	return &Repo{
		hashObject: hashObject{st: st, key: store.Key("repo", name)},
		Name:       name,
	}
}

// EnsureRepo creates or refreshes the repo record and registers it in
// status.repos. role is main or staging; dir64/dir32 are the arch dirs.
func EnsureRepo(ctx context.Context, st *store.Client, name, role, dir64, dir32 string) (*Repo, error) {
	r := RepoView(st, name)
	fields := map[string]string{
		"name":       name,
		"role":       role,
		"dir_x86_64": dir64,
		"dir_i686":   dir32,
	}
	if err := st.HSetMap(ctx, r.key, fields); err != nil {
		return nil, fmt.Errorf("failed to create repo %s: %w", name, err)
	}
	if err := Status(st).AddRepo(ctx, name); err != nil {
		return nil, err
	}
	return r, nil
}

// GetRepo returns the record for name or store.ErrNotFound.
func GetRepo(ctx context.Context, st *store.Client, name string) (*Repo, error) {
	r := RepoView(st, name)
	raw, err := r.getStr(ctx, "name")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("repo %s: %w", name, store.ErrNotFound)
	}
	return r, nil
}

func (r *Repo) Role(ctx context.Context) (string, error) {
	return r.getStr(ctx, "role")
}

// Dir returns the directory for arch ("x86_64" or "i686").
func (r *Repo) Dir(ctx context.Context, arch string) (string, error) {
	return r.getStr(ctx, "dir_"+arch)
}

// SetPkgsFS replaces the filesystem scan result.
func (r *Repo) SetPkgsFS(ctx context.Context, entries []string) error {
	key := r.subKey("pkgs_fs")
	if err := r.st.Delete(ctx, key); err != nil {
		return err
	}
	if err := r.st.SAdd(ctx, key, entries...); err != nil {
		return err
	}
	return r.setInt(ctx, "pkg_count_fs", int64(len(entries)))
}

func (r *Repo) PkgsFS(ctx context.Context) ([]string, error) {
	return r.st.SMembers(ctx, r.subKey("pkgs_fs"))
}

// SetPkgsALPM replaces the package database scan result.
func (r *Repo) SetPkgsALPM(ctx context.Context, entries []string) error {
	key := r.subKey("pkgs_alpm")
	if err := r.st.Delete(ctx, key); err != nil {
		return err
	}
	if err := r.st.SAdd(ctx, key, entries...); err != nil {
		return err
	}
	return r.setInt(ctx, "pkg_count_alpm", int64(len(entries)))
}

func (r *Repo) PkgsALPM(ctx context.Context) ([]string, error) {
	return r.st.SMembers(ctx, r.subKey("pkgs_alpm"))
}

// SetUnaccountedFor replaces the drift set computed by the reconciler.
func (r *Repo) SetUnaccountedFor(ctx context.Context, names []string) error {
	key := r.subKey("unaccounted_for")
	if err := r.st.Delete(ctx, key); err != nil {
		return err
	}
	return r.st.SAdd(ctx, key, names...)
}

func (r *Repo) UnaccountedFor(ctx context.Context) ([]string, error) {
	return r.st.SMembers(ctx, r.subKey("unaccounted_for"))
}

// SetPackages replaces the manifest: names present in both the
// filesystem and the package database views.
func (r *Repo) SetPackages(ctx context.Context, names []string) error {
	key := r.subKey("packages")
	if err := r.st.Delete(ctx, key); err != nil {
		return err
	}
	return r.st.SAdd(ctx, key, names...)
}

func (r *Repo) Packages(ctx context.Context) ([]string, error) {
	return r.st.SMembers(ctx, r.subKey("packages"))
}

func (r *Repo) PkgCountFS(ctx context.Context) (int64, error) {
	return r.getInt(ctx, "pkg_count_fs")
}

func (r *Repo) PkgCountALPM(ctx context.Context) (int64, error) {
	return r.getInt(ctx, "pkg_count_alpm")
}

func (r *Repo) LastUpdate(ctx context.Context) (string, error) {
	return r.getStr(ctx, "last_update")
}

func (r *Repo) MarkUpdated(ctx context.Context) error {
	return r.setStr(ctx, "last_update", nowStr())
}

// Locked reports whether the repo tool is currently rewriting the repo
// database. Informational: serialization comes from the single
// update_repo worker, not from this flag.
func (r *Repo) Locked(ctx context.Context) (bool, error) {
	return r.getBool(ctx, "locked")
}

func (r *Repo) SetLocked(ctx context.Context, v bool) error {
	return r.setBool(ctx, "locked", v)
}

// HasPackageALPM reports whether name is present in the package
// database view.
func (r *Repo) HasPackageALPM(ctx context.Context, name string) (bool, error) {
	return r.hasEntry(ctx, "pkgs_alpm", name)
}

// HasPackageFS reports whether name is present in the filesystem view.
func (r *Repo) HasPackageFS(ctx context.Context, name string) (bool, error) {
	return r.hasEntry(ctx, "pkgs_fs", name)
}

func (r *Repo) hasEntry(ctx context.Context, field, name string) (bool, error) {
	entries, err := r.st.SMembers(ctx, r.subKey(field))
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if entryName(e) == name {
			return true, nil
		}
	}
	return false, nil
}

// VersionALPM returns the version-release recorded in the package
// database view for name, empty when absent.
func (r *Repo) VersionALPM(ctx context.Context, name string) (string, error) {
	return r.entryVersion(ctx, "pkgs_alpm", name)
}

// VersionFS returns the version-release recorded in the filesystem view
// for name, empty when absent.
func (r *Repo) VersionFS(ctx context.Context, name string) (string, error) {
	return r.entryVersion(ctx, "pkgs_fs", name)
}

func (r *Repo) entryVersion(ctx context.Context, field, name string) (string, error) {
	entries, err := r.st.SMembers(ctx, r.subKey(field))
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if entryName(e) == name {
			return entryVersionPart(e), nil
		}
	}
	return "", nil
}

// entryName extracts the package name from a "name|version-release"
// set member.
func entryName(entry string) string {
	name, _, _ := strings.Cut(entry, "|")
	return name
}

func entryVersionPart(entry string) string {
	_, ver, _ := strings.Cut(entry, "|")
	return ver
}
