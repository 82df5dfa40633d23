package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antergos/antbs/pkg/entity"
)

// specialCase is a pre-build fixup for packages whose sources need work
// the recipe alone cannot do. A failing handler drops the package from
// the transaction.
type specialCase struct {
	name  string
	match func(pkg string) bool
	run   func(ctx context.Context, e *Engine, r *run, pkg, recipeDir string) error
}

var specialCases = []specialCase{
	{
		name:  "cnchi",
		match: func(pkg string) bool { return strings.Contains(pkg, "cnchi") },
		run:   prepareCnchi,
	},
	{
		name:  "numix-icon-theme-square",
		match: func(pkg string) bool { return pkg == "numix-icon-theme-square" },
		run:   prepareNumixSquare,
	},
}

// applySpecialCases runs the first handler matching pkg, if any.
func (e *Engine) applySpecialCases(ctx context.Context, r *run, pkg, recipeDir string) error {
	for _, sc := range specialCases {
		if !sc.match(pkg) {
			continue
		}
		if err := sc.run(ctx, e, r, pkg, recipeDir); err != nil {
			return fmt.Errorf("%s handler: %w", sc.name, err)
		}
		break
	}
	return nil
}

// prepareCnchi refreshes the installer's translations inside its source
// checkout, strips the .git dir and repacks the tree so makepkg gets a
// single tarball.
func prepareCnchi(ctx context.Context, e *Engine, r *run, pkg, recipeDir string) error {
	status := entity.Status(e.st)
	msg := fmt.Sprintf("Fetching latest translations for %s from Transifex.", pkg)
	if err := status.SetCurrentStatus(ctx, msg); err != nil {
		return err
	}
	r.logger.Info().Str("package", pkg).Msg(msg)

	e.fetchTranslations(ctx, r.logger, []string{"cnchi"}, filepath.Join(recipeDir, "cnchi", "po"))

	if err := os.RemoveAll(filepath.Join(recipeDir, "cnchi", ".git")); err != nil {
		return fmt.Errorf("failed to strip source .git: %w", err)
	}
	if _, err := e.tools.Run(ctx, recipeDir, "tar", "-cf", "cnchi.tar", "cnchi"); err != nil {
		return fmt.Errorf("failed to pack source tree: %w", err)
	}
	return nil
}

// prepareNumixSquare moves the pre-staged icon archive into the recipe
// dir. The archive is produced out of band; a build without it would
// fail in makepkg anyway, so a missing archive fails here instead.
func prepareNumixSquare(ctx context.Context, e *Engine, r *run, pkg, recipeDir string) error {
	src := filepath.Join(e.cfg.Paths.BuildBase, pkg, pkg+".zip")
	dest := filepath.Join(recipeDir, pkg+".zip")
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("failed to move pre-staged archive: %w", err)
	}
	return nil
}
