// Package builder finalizes metadata, repacks mutated filesystem layers,
// and reconstructs the hybrid bootable image. Reconstruction writes to a
// temporary path and renames on success, so a partially built image never
// appears at the final output location.
package builder

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	remastererrors "github.com/bibin-skaria/remaster/internal/errors"
	"github.com/bibin-skaria/remaster/internal/types"
	"github.com/bibin-skaria/remaster/layers"
)

const stageName = "build"

const (
	// ChecksumManifestName is the integrity manifest regenerated from
	// scratch on every build, at the image root.
	ChecksumManifestName = "sha256sums.txt"
	// BootCatalogName is the El Torito catalog placeholder; xorriso
	// materializes the real catalog at this path inside the image.
	BootCatalogName = "boot.catalog"
)

// ReconstructOptions parameterizes the final image assembly.
type ReconstructOptions struct {
	TreeRoot       string
	OutputPath     string
	VolumeLabel    string
	BootAsset      *types.BootAsset
	BIOSBootImage  string
	BootCatalog    string
	HybridMBRImage string
}

// Reconstructor assembles a bootable image from a finished tree.
type Reconstructor interface {
	Reconstruct(ctx context.Context, opts ReconstructOptions) error
	RequiredTools() []string
}

// BuildOptions drives one ImageBuilder run.
type BuildOptions struct {
	OutputPath     string
	VolumeLabel    string
	BIOSBootImage  string
	HybridMBRImage string
	BootAsset      *types.BootAsset
	// RemovedPackages are filtered out of each repacked layer's package
	// manifest sidecar.
	RemovedPackages []string
}

type Builder struct {
	format layers.Format
	recon  Reconstructor
	log    *logrus.Logger
}

func NewBuilder(format layers.Format, recon Reconstructor, log *logrus.Logger) *Builder {
	return &Builder{format: format, recon: recon, log: log}
}

// Build runs the full reconstruction: size records, layer repack, checksum
// manifest, image assembly. Mutated layer trees are consumed destructively
// (repacked then discarded). Any failure is a BuildFailure and leaves
// nothing at the output path.
func (b *Builder) Build(ctx context.Context, isoTree *types.ImageTree,
	layerList []*types.FilesystemLayer, opts BuildOptions) error {

	for _, layer := range layerList {
		if !layer.NeedsRepack {
			continue
		}
		if err := b.finalizeLayer(layer, opts.RemovedPackages); err != nil {
			return err
		}
	}

	if err := b.WriteChecksumManifest(ctx, isoTree); err != nil {
		return err
	}

	partial := opts.OutputPath + ".partial"
	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0755); err != nil {
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("failed to create output directory: %v", err), err)
	}
	err := b.recon.Reconstruct(ctx, ReconstructOptions{
		TreeRoot:       isoTree.Root,
		OutputPath:     partial,
		VolumeLabel:    opts.VolumeLabel,
		BootAsset:      opts.BootAsset,
		BIOSBootImage:  opts.BIOSBootImage,
		BootCatalog:    BootCatalogName,
		HybridMBRImage: opts.HybridMBRImage,
	})
	if err != nil {
		os.Remove(partial)
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("image reconstruction failed: %v", err), err)
	}
	if err := os.Rename(partial, opts.OutputPath); err != nil {
		os.Remove(partial)
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("failed to move image into place: %v", err), err)
	}

	b.log.WithFields(logrus.Fields{"stage": stageName, "output": opts.OutputPath}).Info("Image reconstructed")
	return nil
}

// finalizeLayer writes the layer's size record, refreshes its package
// manifest sidecar, repacks the tree into its container, and discards the
// working tree.
func (b *Builder) finalizeLayer(layer *types.FilesystemLayer, removedPackages []string) error {
	if layer.Tree == nil {
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("layer %s marked for repack but has no working tree", layer.ID), nil)
	}

	size, err := layer.Tree.TotalSize()
	if err != nil {
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("failed to compute size of layer %s: %v", layer.ID, err), err)
	}
	sizePath := layer.Sidecar.SizePath
	if sizePath == "" {
		sizePath = strings.TrimSuffix(layer.Container, b.format.Extension()) + ".size"
		layer.Sidecar.SizePath = sizePath
	}
	if err := os.WriteFile(sizePath, []byte(strconv.FormatInt(size, 10)+"\n"), 0644); err != nil {
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("failed to write size record for layer %s: %v", layer.ID, err), err)
	}

	if layer.Sidecar.ManifestPath != "" && len(removedPackages) > 0 {
		if err := filterPackageManifest(layer.Sidecar.ManifestPath, removedPackages); err != nil {
			return remastererrors.NewBuildError(stageName,
				fmt.Sprintf("failed to refresh package manifest for layer %s: %v", layer.ID, err), err)
		}
	}

	b.log.WithFields(logrus.Fields{
		"stage": stageName,
		"layer": layer.ID,
		"bytes": size,
	}).Info("Repacking layer")
	if err := b.format.Pack(layer.Tree.Root, layer.Container); err != nil {
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("failed to repack layer %s: %v", layer.ID, err), err)
	}

	if err := os.RemoveAll(layer.Tree.Root); err != nil {
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("failed to discard working tree of layer %s: %v", layer.ID, err), err)
	}
	layer.Tree = nil
	return nil
}

// WriteChecksumManifest regenerates the manifest from scratch over every
// regular file in the tree, excluding the manifest itself and the boot
// catalog placeholder. Hashing runs in parallel; the manifest ordering is
// deterministic regardless.
func (b *Builder) WriteChecksumManifest(ctx context.Context, isoTree *types.ImageTree) error {
	files, err := isoTree.RegularFiles()
	if err != nil {
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("failed to enumerate tree files: %v", err), err)
	}

	hashes := make(map[string]string, len(files))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for _, rel := range files {
		if rel == ChecksumManifestName || filepath.Base(rel) == BootCatalogName {
			continue
		}
		rel := rel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			abs, err := isoTree.Abs(rel)
			if err != nil {
				return err
			}
			sum, err := hashFile(abs)
			if err != nil {
				return err
			}
			mu.Lock()
			hashes[rel] = sum
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("failed to hash tree files: %v", err), err)
	}

	paths := make([]string, 0, len(hashes))
	for rel := range hashes {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, rel := range paths {
		sb.WriteString(hashes[rel])
		sb.WriteString("  ")
		sb.WriteString(rel)
		sb.WriteString("\n")
	}
	if err := isoTree.WriteFile(ChecksumManifestName, []byte(sb.String()), 0644); err != nil {
		return remastererrors.NewBuildError(stageName,
			fmt.Sprintf("failed to write checksum manifest: %v", err), err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func filterPackageManifest(path string, removedPackages []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	removed := map[string]bool{}
	for _, pkg := range removedPackages {
		removed[pkg] = true
	}
	kept := []string{}
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		name := strings.Fields(line)
		if len(name) > 0 && removed[name[0]] {
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0644)
}
