package transaction

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// translationTarget describes one Transifex resource: where its local
// checkout lives, which resource files to pick out of it, and where the
// results land. Compiled targets go through msgfmt, the rest are copied
// verbatim.
type translationTarget struct {
	name    string
	pullDir func(e *Engine) string
	match   string
	destDir func(e *Engine) string
	compile bool
}

var translationTargets = []translationTarget{
	{
		name:    "cnchi",
		pullDir: func(e *Engine) string { return e.cfg.Paths.TransCnchiDir },
		match:   "/translations/antergos.cnchi",
	},
	{
		name:    "cnchi_updater",
		pullDir: func(e *Engine) string { return e.cfg.Paths.TransISODir },
		match:   "/translations/antergos.cnchi_updaterpot",
		destDir: func(e *Engine) string {
			return filepath.Join(e.cfg.Paths.ISOTesting, "trans", "cnchi_updater")
		},
		compile: true,
	},
	{
		name:    "antergos-gfxboot",
		pullDir: func(e *Engine) string { return e.cfg.Paths.TransISODir },
		match:   "/translations/antergos.antergos-gfxboot",
		destDir: func(e *Engine) string {
			return filepath.Join(e.cfg.Paths.ISOTesting, "trans", "antergos-gfxboot")
		},
	},
}

// fetchTranslations pulls the named Transifex resources and distributes
// the resulting files. destOverride redirects the cnchi target into a
// recipe checkout; it is ignored by the others. Translation trouble is
// logged and swallowed: builds proceed with whatever strings are
// already on disk.
func (e *Engine) fetchTranslations(ctx context.Context, logger zerolog.Logger, names []string, destOverride string) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	pulled := make(map[string]bool)
	for _, tgt := range translationTargets {
		if !wanted[tgt.name] {
			continue
		}

		pullDir := tgt.pullDir(e)
		if !pulled[pullDir] {
			if err := e.tools.PullTranslations(ctx, pullDir); err != nil {
				logger.Error().Err(err).Str("dir", pullDir).Msg("failed to pull translations")
				continue
			}
			pulled[pullDir] = true
		}

		dest := destOverride
		if tgt.destDir != nil {
			dest = tgt.destDir(e)
		}
		if dest == "" {
			logger.Warn().Str("target", tgt.name).Msg("no destination for translations")
			continue
		}
		if err := e.distributeTranslations(ctx, pullDir, tgt, dest); err != nil {
			logger.Error().Err(err).Str("target", tgt.name).Msg("failed to distribute translations")
		}
	}
}

// distributeTranslations walks a pulled checkout and moves every file
// belonging to the target into dest, compiling .po to .mo when the
// target asks for it.
func (e *Engine) distributeTranslations(ctx context.Context, pullDir string, tgt translationTarget, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create translations dest: %w", err)
	}

	return filepath.WalkDir(pullDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.Contains(path, tgt.match) {
			return nil
		}

		if tgt.compile {
			mo := strings.TrimSuffix(d.Name(), ".po") + ".mo"
			return e.tools.CompileMessages(ctx, path, filepath.Join(dest, mo))
		}
		return copyFile(path, filepath.Join(dest, d.Name()))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
