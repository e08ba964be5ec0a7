// Package inject applies a declarative mutation set to a working
// filesystem tree: removals first, then file injections, then best-effort
// privileged transforms inside the tree.
package inject

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	remastererrors "github.com/bibin-skaria/remaster/internal/errors"
	"github.com/bibin-skaria/remaster/internal/match"
	"github.com/bibin-skaria/remaster/internal/types"
)

const stageName = "inject"

type Injector struct {
	log *logrus.Logger
}

func NewInjector(log *logrus.Logger) *Injector {
	return &Injector{log: log}
}

// Apply runs the full mutation set against one tree. The order is fixed:
// all removals, then all injections and replacements, then privileged
// transforms. An injected file is therefore never clobbered by a pending
// removal, and applying the same spec twice yields the same tree.
func (i *Injector) Apply(ctx context.Context, tree *types.ImageTree, spec *types.MutationSpec,
	collector *remastererrors.Collector) error {

	removed, err := i.ApplyRemovals(tree, spec.RemovePatterns())
	if err != nil {
		return err
	}
	i.log.WithFields(logrus.Fields{"stage": stageName, "removed": removed}).Info("Applied removals")

	for _, m := range spec.Writes() {
		if err := i.applyWrite(tree, spec, m, collector); err != nil {
			return err
		}
	}

	transforms := spec.Transforms()
	if len(transforms) > 0 {
		i.runTransforms(ctx, tree, transforms, collector)
	}
	return nil
}

// ApplyRemovals deletes every tree entry matching one of the patterns and
// returns the number of removed paths. It is also used on its own for
// lower layers under the selective-patch strategy.
func (i *Injector) ApplyRemovals(tree *types.ImageTree, patterns []string) (int, error) {
	set, err := match.Compile(patterns)
	if err != nil {
		return 0, remastererrors.NewValidationError(stageName, err.Error(), err)
	}
	if set.Empty() {
		return 0, nil
	}

	matched := []string{}
	err = tree.Walk(func(rel string, info fs.FileInfo) error {
		if set.Match(rel) {
			matched = append(matched, rel)
		}
		return nil
	})
	if err != nil {
		return 0, remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to scan tree for removals: %v", err), err)
	}

	for _, rel := range matched {
		if err := tree.Remove(rel); err != nil {
			return 0, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to remove %s: %v", rel, err), err)
		}
	}
	return len(matched), nil
}

func (i *Injector) applyWrite(tree *types.ImageTree, spec *types.MutationSpec, m types.Mutation,
	collector *remastererrors.Collector) error {
	content := m.Content
	if content == nil {
		if m.Source == "" {
			return remastererrors.NewValidationError(stageName,
				fmt.Sprintf("mutation for %s has neither content nor source", m.Path), nil)
		}
		data, err := os.ReadFile(filepath.Join(spec.PayloadDir, m.Source))
		if err != nil {
			return remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to read payload %s: %v", m.Source, err), err)
		}
		content = data
	}

	mode := m.Mode
	if mode == 0 {
		mode = 0644
	}
	if err := tree.WriteFile(m.Path, content, mode); err != nil {
		return remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to write %s: %v", m.Path, err), err)
	}

	if m.UID != 0 || m.GID != 0 {
		abs, err := tree.Abs(m.Path)
		if err != nil {
			return remastererrors.NewValidationError(stageName, err.Error(), err)
		}
		if err := os.Chown(abs, m.UID, m.GID); err != nil {
			// Ownership needs privileges the remaster host may not
			// have; the file content is still correct.
			collector.Add(remastererrors.NewBestEffortError(stageName,
				fmt.Sprintf("failed to chown %s to %d:%d: %v", m.Path, m.UID, m.GID, err), err))
		}
	}
	return nil
}

// runTransforms executes the privileged in-tree transforms. The privileged
// context is a scoped resource: it is released on every exit path,
// including panics. Transform failures are warnings, never fatal: the
// environment may lack network access and the mutations are best-effort.
func (i *Injector) runTransforms(ctx context.Context, tree *types.ImageTree,
	transforms []types.Mutation, collector *remastererrors.Collector) {

	pctx, err := acquirePrivileged(tree.Root)
	if err != nil {
		collector.Add(remastererrors.NewBestEffortError(stageName,
			fmt.Sprintf("privileged context unavailable, skipping %d transforms: %v", len(transforms), err), err))
		return
	}
	defer func() {
		if rerr := pctx.Release(); rerr != nil {
			collector.Add(remastererrors.NewBestEffortError(stageName,
				fmt.Sprintf("failed to release privileged context: %v", rerr), rerr))
		}
	}()

	for _, m := range transforms {
		i.log.WithFields(logrus.Fields{
			"stage":     stageName,
			"transform": m.Description,
		}).Info("Running privileged transform")
		if err := pctx.Run(ctx, m.Command); err != nil {
			collector.Add(remastererrors.NewBestEffortError(stageName,
				fmt.Sprintf("transform %q failed: %v", m.Description, err), err))
		}
	}
}
