// Package engine sequences the remaster pipeline: boot-asset and tree
// extraction, layer merging, content injection, boot-config patching,
// validation, and image reconstruction. The pipeline is strictly
// sequential; one working directory belongs to exactly one run.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/remaster/bootasset"
	"github.com/bibin-skaria/remaster/bootconfig"
	"github.com/bibin-skaria/remaster/builder"
	"github.com/bibin-skaria/remaster/extract"
	"github.com/bibin-skaria/remaster/inject"
	remastererrors "github.com/bibin-skaria/remaster/internal/errors"
	"github.com/bibin-skaria/remaster/internal/types"
	"github.com/bibin-skaria/remaster/layers"
	"github.com/bibin-skaria/remaster/validate"
)

// Pipeline owns one remaster run. All state flows through explicit values;
// nothing is read from ambient process state.
type Pipeline struct {
	config    *types.RemasterConfig
	log       *logrus.Logger
	format    layers.Format
	recon     builder.Reconstructor
	runDir    string
	collector *remastererrors.Collector
}

func NewPipeline(config *types.RemasterConfig) (*Pipeline, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	format, err := layers.GetFormat(config.Format)
	if err != nil {
		return nil, err
	}

	workDir := config.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	runDir := filepath.Join(workDir, "remaster-"+uuid.New().String())
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %v", err)
	}

	return &Pipeline{
		config:    config,
		log:       NewLogger(config.LogLevel),
		format:    format,
		recon:     builder.NewXorrisoReconstructor(),
		runDir:    runDir,
		collector: remastererrors.NewCollector(),
	}, nil
}

// SetReconstructor swaps the image assembly backend.
func (p *Pipeline) SetReconstructor(recon builder.Reconstructor) {
	p.recon = recon
}

// SetLogger replaces the pipeline logger.
func (p *Pipeline) SetLogger(log *logrus.Logger) {
	p.log = log
}

// WorkDir returns the run's private working directory.
func (p *Pipeline) WorkDir() string {
	return p.runDir
}

// Cleanup discards the working directory. After a cancelled or failed run
// the directory is in an indeterminate state; discarding and re-extracting
// is the only recovery.
func (p *Pipeline) Cleanup() error {
	return os.RemoveAll(p.runDir)
}

// Preflight verifies every required external tool before any mutation
// begins.
func (p *Pipeline) Preflight() error {
	required := append([]string{}, p.format.RequiredTools()...)
	required = append(required, p.recon.RequiredTools()...)
	if len(p.config.Spec.Transforms()) > 0 {
		required = append(required, "chroot")
	}
	for _, tool := range required {
		if _, err := exec.LookPath(tool); err != nil {
			return remastererrors.NewMissingDependencyError("preflight",
				fmt.Sprintf("required tool %s not found in PATH", tool), err)
		}
	}
	if _, err := os.Stat(p.config.SourceImage); err != nil {
		return remastererrors.NewExtractionError("preflight",
			fmt.Sprintf("source image %s unavailable: %v", p.config.SourceImage, err), err)
	}
	return nil
}

// Run executes the whole pipeline. The first fatal error stops all
// further work; best-effort failures accumulate as warnings and do not
// affect the overall outcome.
func (p *Pipeline) Run(ctx context.Context) (*types.RemasterResult, error) {
	start := time.Now()
	result := &types.RemasterResult{}

	fail := func(err error) (*types.RemasterResult, error) {
		result.Success = false
		result.Error = err.Error()
		result.Stage = remastererrors.Stage(err)
		result.Warnings = p.collector.Warnings()
		result.Duration = time.Since(start).String()
		return result, err
	}

	if err := p.Preflight(); err != nil {
		return fail(err)
	}

	// Boot asset and tree extraction are independent of each other.
	p.log.WithField("stage", "bootasset").Info("Extracting appended boot partition")
	assetPath := filepath.Join(p.runDir, "boot", "efi.img")
	asset, err := bootasset.NewExtractor().Extract(p.config.SourceImage, assetPath)
	if err != nil {
		return fail(remastererrors.NewExtractionError("bootasset", err.Error(), err))
	}
	result.DegradedBootAsset = asset.Degraded
	if asset.Degraded {
		p.collector.Warn("boot partition interval not parseable, substituted a zero-filled asset of %d sectors", asset.Sectors)
	}

	p.log.WithField("stage", "extract").Info("Extracting image tree")
	isoTree, err := extract.NewTreeExtractor().Extract(p.config.SourceImage, filepath.Join(p.runDir, "tree"))
	if err != nil {
		return fail(err)
	}

	p.log.WithField("stage", "merge").Info("Merging filesystem layers")
	merger := layers.NewMerger(p.format, p.log)
	layerList, err := merger.Discover(isoTree, p.config.ContainerDir, p.config.Layers)
	if err != nil {
		return fail(err)
	}
	merge, err := merger.Merge(ctx, isoTree, layerList, p.config.Strategy,
		filepath.Join(p.runDir, "layers"), p.config.Spec.RemovePatterns(),
		p.config.MergedName, p.config.ContainerDir)
	if err != nil {
		return fail(err)
	}

	p.log.WithField("stage", "inject").Info("Applying mutation set")
	injector := inject.NewInjector(p.log)
	for _, layer := range merge.Layers {
		if layer == merge.Top || layer.Tree == nil {
			continue
		}
		// Lower layers only receive the removals that matched their
		// path index; the main injection targets the top tree.
		if _, err := injector.ApplyRemovals(layer.Tree, p.config.Spec.RemovePatterns()); err != nil {
			return fail(err)
		}
	}
	if err := injector.Apply(ctx, merge.Top.Tree, &p.config.Spec, p.collector); err != nil {
		return fail(err)
	}

	p.log.WithField("stage", "bootconfig").Info("Patching boot configuration")
	bootSpec := p.bootSpecFor(merge)
	patched, err := bootconfig.NewPatcher(p.log).Apply(isoTree, bootSpec)
	if err != nil {
		return fail(err)
	}
	if patched == 0 && len(bootconfig.Patches(bootSpec)) > 0 {
		p.collector.Warn("no boot-menu file was modified by the configured patches")
	}

	p.log.WithField("stage", "validate").Info("Running pre-build checks")
	validator := validate.NewValidator(p.log)
	var layerRefs []string
	if merge.Collapsed {
		layerRefs = merge.RemovedContainers
	}
	checks, err := validator.PreBuild(validate.PreBuildInput{
		Root:      merge.Top.Tree,
		ISOTree:   isoTree,
		Spec:      &p.config.Spec,
		Masks:     p.config.Masks,
		BootPaths: p.config.BootConfig.Paths,
		LayerRefs: layerRefs,
		Asset:     asset,
		Policy:    p.config.Policy,
	})
	result.Checks = append(result.Checks, checks...)
	if err != nil {
		return fail(err)
	}

	expected := []string{}
	for _, layer := range merge.Layers {
		expected = append(expected, p.config.ContainerDir+"/"+filepath.Base(layer.Container))
	}

	p.log.WithField("stage", "build").Info("Reconstructing image")
	err = builder.NewBuilder(p.format, p.recon, p.log).Build(ctx, isoTree, merge.Layers, builder.BuildOptions{
		OutputPath:      p.config.OutputImage,
		VolumeLabel:     p.config.VolumeLabel,
		BIOSBootImage:   p.config.BIOSBootImage,
		HybridMBRImage:  p.config.HybridMBRImage,
		BootAsset:       asset,
		RemovedPackages: p.config.Spec.RemovePackages,
	})
	if err != nil {
		return fail(err)
	}

	p.log.WithField("stage", "validate").Info("Running post-build checks")
	checks, err = validator.PostBuild(p.config.OutputImage, expected)
	result.Checks = append(result.Checks, checks...)
	if err != nil {
		// A failed post-build check must not leave the artifact
		// behind as if it were good.
		os.Remove(p.config.OutputImage)
		return fail(err)
	}

	result.Success = true
	result.OutputPath = p.config.OutputImage
	result.Warnings = p.collector.Warnings()
	result.Duration = time.Since(start).String()
	return result, nil
}

// bootSpecFor extends the configured boot patches with the rewrites a
// collapse implies: the base container reference becomes the merged
// container, references to the other collapsed containers are dropped.
func (p *Pipeline) bootSpecFor(merge *layers.MergeResult) types.BootConfigSpec {
	spec := p.config.BootConfig
	if !merge.Collapsed || len(merge.RemovedContainers) == 0 {
		return spec
	}
	mergedName := filepath.Base(merge.Top.Container)
	spec.Substitutions = append(append([]types.TokenSubstitution{}, spec.Substitutions...),
		types.TokenSubstitution{Old: merge.RemovedContainers[0], New: mergedName})
	for _, ref := range merge.RemovedContainers[1:] {
		spec.RemoveTokens = append(append([]string{}, spec.RemoveTokens...), ref)
	}
	return spec
}

// Clean removes a previously built output image and any leftover run
// directories under the configured working directory.
func Clean(config *types.RemasterConfig) error {
	if config.OutputImage == "" {
		return fmt.Errorf("no output image configured")
	}
	if err := os.Remove(config.OutputImage); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %v", config.OutputImage, err)
	}
	if config.WorkDir == "" {
		return nil
	}
	leftovers, err := filepath.Glob(filepath.Join(config.WorkDir, "remaster-*"))
	if err != nil {
		return err
	}
	for _, dir := range leftovers {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove run directory %s: %v", dir, err)
		}
	}
	return nil
}
