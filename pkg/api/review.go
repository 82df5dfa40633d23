package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/repo"
	"github.com/antergos/antbs/pkg/store"
)

// reviewRequest is the pkg_review POST body.
type reviewRequest struct {
	Bnum   int64  `json:"bnum"`
	Dev    string `json:"dev"`
	Result string `json:"result"`
}

// handleReview records a developer's verdict on a staged build and
// moves its artifacts accordingly. The page number in the path only
// matters for the HTML view; verdict submission ignores it.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Bnum <= 0 || req.Dev == "" || req.Result == "" {
		writeMsg(w, http.StatusBadRequest, "bnum, dev and result are required")
		return
	}
	switch req.Result {
	case entity.ReviewPassed, entity.ReviewFailed, entity.ReviewSkip:
	default:
		writeMsg(w, http.StatusBadRequest, "result must be passed, failed or skip")
		return
	}

	msg, err := s.applyReview(r.Context(), req.Bnum, req.Dev, req.Result)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeMsg(w, http.StatusNotFound, "build not found")
			return
		}
		s.logger.Error().Err(err).Int64("bnum", req.Bnum).Str("result", req.Result).Msg("review failed")
		writeMsg(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeMsg(w, http.StatusOK, msg)
}

// applyReview is the verdict state machine. passed promotes the staged
// artifacts to the main dirs (plus any configured extra destinations)
// and queues the main-repo update; failed discards the artifacts and
// queues the update so the databases drop the dead entries; skip
// discards without touching any database. The returned message is
// "ok" or a refusal the review page shows as-is.
func (s *Server) applyReview(ctx context.Context, bnum int64, dev, result string) (string, error) {
	bld, err := entity.GetBuild(ctx, s.st, bnum)
	if err != nil {
		return "", err
	}
	pkgname, err := bld.Pkgname(ctx)
	if err != nil {
		return "", err
	}
	pkg := entity.Pkg(s.st, pkgname)

	if result == entity.ReviewPassed {
		allowed, err := pkg.AllowedInRole(ctx, repo.RoleMain)
		if err != nil {
			return "", err
		}
		if !allowed {
			return fmt.Sprintf("%s is not allowed in main repo.", pkgname), nil
		}
	}

	if err := bld.SetReview(ctx, result, dev); err != nil {
		return "", err
	}

	// Split package lists usually repeat the base name; keep each
	// name once.
	split, err := pkg.SplitPackages(ctx)
	if err != nil {
		return "", err
	}
	names := []string{pkgname}
	seen := map[string]bool{pkgname: true}
	for _, sp := range split {
		if !seen[sp] {
			seen[sp] = true
			names = append(names, sp)
		}
	}

	staged, err := s.stagedFiles(names)
	if err != nil {
		return "", err
	}

	var promoted []string
	for _, f := range staged {
		if result == entity.ReviewPassed {
			dests := append([]string{f.mainDir}, s.cfg.Review.ExtraDests...)
			for _, dest := range dests {
				if err := copyFile(f.path(), filepath.Join(dest, f.name)); err != nil {
					return "", fmt.Errorf("failed to promote %s: %w", f.name, err)
				}
			}
			if !strings.HasSuffix(f.name, ".sig") {
				promoted = append(promoted, f.name)
			}
		}
		if err := os.Remove(f.path()); err != nil {
			return "", fmt.Errorf("failed to clear %s from staging: %w", f.name, err)
		}
	}

	if result == entity.ReviewSkip {
		s.logger.Info().Int64("bnum", bnum).Str("dev", dev).Int("files", len(staged)).Msg("review skipped, staging cleared")
		return "ok", nil
	}

	req := repo.UpdateRequest{
		RepoRole:     repo.RoleMain,
		Bnum:         bnum,
		ReviewResult: result,
	}
	if result == entity.ReviewPassed {
		req.Add = promoted
	} else {
		req.Remove = names
	}

	if err := entity.Status(s.st).SetIdle(ctx, false, repo.StatusProcessingReview); err != nil {
		return "", err
	}
	job, err := queue.NewJob(queue.OpProcessDevReview, req, s.cfg.Queues.RepoTimeout.Std())
	if err != nil {
		return "", err
	}
	if err := queue.Enqueue(ctx, s.st, queue.UpdateRepo, job); err != nil {
		return "", err
	}

	s.logger.Info().
		Int64("bnum", bnum).
		Str("pkg", pkgname).
		Str("result", result).
		Str("dev", dev).
		Int("files", len(staged)).
		Msg("review applied")
	return "ok", nil
}

// stagedFile is one artifact sitting in a staging dir, paired with the
// main dir files of its arch promote into.
type stagedFile struct {
	stagingDir string
	mainDir    string
	name       string
}

func (f stagedFile) path() string {
	return filepath.Join(f.stagingDir, f.name)
}

// stagedFiles lists every staged artifact belonging to one of names,
// signatures included, across both arches. Matching parses the
// filename rather than prefix-globbing so cinnamon never drags
// cinnamon-desktop along.
func (s *Server) stagedFiles(names []string) ([]stagedFile, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	dirs := []struct{ staging, main string }{
		{s.cfg.Paths.Staging64, s.cfg.Paths.Main64},
		{s.cfg.Paths.Staging32, s.cfg.Paths.Main32},
	}

	var out []stagedFile
	for _, d := range dirs {
		entries, err := os.ReadDir(d.staging)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read staging dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			pf, err := repo.SplitPackageFile(strings.TrimSuffix(e.Name(), ".sig"))
			if err != nil {
				continue
			}
			if want[pf.Name] {
				out = append(out, stagedFile{stagingDir: d.staging, mainDir: d.main, name: e.Name()})
			}
		}
	}
	return out, nil
}

// copyFile copies src to dst atomically; mirrors syncing the main dirs
// must never see a half-written package.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	if err := t.Chmod(0o644); err != nil {
		return err
	}
	if _, err := io.Copy(t, in); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
