package repo

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/store"
)

// Arches every repo carries.
var Arches = []string{"x86_64", "i686"}

// Scanner computes a repo's actual contents from disk: the package files
// present under its arch dirs and the entries recorded in its package
// database. Reconcile folds the two views into the manifest and the
// unaccounted_for drift set.
type Scanner struct {
	st     *store.Client
	logger zerolog.Logger
}

// NewScanner creates a scanner.
func NewScanner(st *store.Client) *Scanner {
	return &Scanner{
		st:     st,
		logger: log.WithComponent("repo"),
	}
}

// ScanFilesystem records every package file under the repo's arch dirs
// into pkgs_fs, encoded as "name|version-release".
func (s *Scanner) ScanFilesystem(ctx context.Context, r *entity.Repo) error {
	var entries []string

	for _, arch := range Arches {
		dir, err := r.Dir(ctx, arch)
		if err != nil {
			return err
		}
		if dir == "" {
			continue
		}

		files, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read repo dir %s: %w", dir, err)
		}

		for _, f := range files {
			if f.IsDir() {
				continue
			}
			pf, err := SplitPackageFile(f.Name())
			if err != nil {
				// signatures, database files, stray leftovers
				continue
			}
			entries = append(entries, pf.Entry())
		}
	}

	entries = dedupe(entries)
	if err := r.SetPkgsFS(ctx, entries); err != nil {
		return err
	}
	s.logger.Debug().Str("repo", r.Name).Int("count", len(entries)).Msg("filesystem scan complete")
	return nil
}

// ScanALPM records every entry of the repo's package databases into
// pkgs_alpm. The database is a gzipped tar whose top-level directories
// are named <name>-<version>-<release>.
func (s *Scanner) ScanALPM(ctx context.Context, r *entity.Repo) error {
	var entries []string

	for _, arch := range Arches {
		dir, err := r.Dir(ctx, arch)
		if err != nil {
			return err
		}
		if dir == "" {
			continue
		}

		dbPath := filepath.Join(dir, r.Name+".db.tar.gz")
		archEntries, err := readDBEntries(dbPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		entries = append(entries, archEntries...)
	}

	entries = dedupe(entries)
	if err := r.SetPkgsALPM(ctx, entries); err != nil {
		return err
	}
	s.logger.Debug().Str("repo", r.Name).Int("count", len(entries)).Msg("database scan complete")
	return nil
}

func readDBEntries(dbPath string) ([]string, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dbPath, err)
	}
	defer gz.Close()

	seen := make(map[string]bool)
	var entries []string

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", dbPath, err)
		}

		top := hdr.Name
		if idx := strings.Index(top, "/"); idx >= 0 {
			top = top[:idx]
		}
		if top == "" || seen[top] {
			continue
		}
		seen[top] = true

		entry, err := splitDBEntry(top)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Reconcile refreshes both views concurrently, then records the names
// present in both as the repo manifest and the names present in exactly
// one as unaccounted_for. It runs at bootstrap, after every repo update
// and when the watcher sees external changes.
func (s *Scanner) Reconcile(ctx context.Context, r *entity.Repo) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ScanFilesystem(gctx, r) })
	g.Go(func() error { return s.ScanALPM(gctx, r) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to reconcile repo %s: %w", r.Name, err)
	}

	fs, err := r.PkgsFS(ctx)
	if err != nil {
		return err
	}
	alpm, err := r.PkgsALPM(ctx)
	if err != nil {
		return err
	}

	if err := r.SetPackages(ctx, intersectNames(fs, alpm)); err != nil {
		return err
	}

	unaccounted := symmetricDiffNames(fs, alpm)
	if err := r.SetUnaccountedFor(ctx, unaccounted); err != nil {
		return err
	}

	if len(unaccounted) > 0 {
		s.logger.Warn().
			Str("repo", r.Name).
			Strs("packages", unaccounted).
			Msg("repo has unaccounted for packages")
	}
	return nil
}

// UnaccountedRow details one drifted package for operator views.
type UnaccountedRow struct {
	Name        string `json:"name"`
	VersionFS   string `json:"version_fs"`
	VersionALPM string `json:"version_alpm"`
}

// UnaccountedDetail expands unaccounted_for with the version each view
// holds, empty where the view is missing the package.
func (s *Scanner) UnaccountedDetail(ctx context.Context, r *entity.Repo) ([]UnaccountedRow, error) {
	names, err := r.UnaccountedFor(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	rows := make([]UnaccountedRow, 0, len(names))
	for _, name := range names {
		verFS, err := r.VersionFS(ctx, name)
		if err != nil {
			return nil, err
		}
		verALPM, err := r.VersionALPM(ctx, name)
		if err != nil {
			return nil, err
		}
		rows = append(rows, UnaccountedRow{Name: name, VersionFS: verFS, VersionALPM: verALPM})
	}
	return rows, nil
}

// intersectNames returns package names present in both entry sets.
func intersectNames(a, b []string) []string {
	namesB := entryNameSet(b)

	var out []string
	for name := range entryNameSet(a) {
		if namesB[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// symmetricDiffNames returns package names present in exactly one of
// the two entry sets. Versions do not matter here; a version mismatch
// with the name in both views is not drift, it is a pending update.
func symmetricDiffNames(a, b []string) []string {
	namesA := entryNameSet(a)
	namesB := entryNameSet(b)

	var out []string
	for name := range namesA {
		if !namesB[name] {
			out = append(out, name)
		}
	}
	for name := range namesB {
		if !namesA[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func entryNameSet(entries []string) map[string]bool {
	m := make(map[string]bool, len(entries))
	for _, e := range entries {
		name, _, _ := strings.Cut(e, "|")
		m[name] = true
	}
	return m
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
