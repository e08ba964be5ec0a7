package layers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	remastererrors "github.com/bibin-skaria/remaster/internal/errors"
	"github.com/bibin-skaria/remaster/internal/match"
	"github.com/bibin-skaria/remaster/internal/types"
)

const stageName = "merge"

// Merger discovers the compressed filesystem containers inside an
// extracted image tree and produces working trees ready for mutation.
type Merger struct {
	format Format
	log    *logrus.Logger
}

func NewMerger(format Format, log *logrus.Logger) *Merger {
	return &Merger{format: format, log: log}
}

// MergeResult describes the outcome of a merge. Top is the tree that
// receives the main content injection; with the collapse strategy it is
// the single merged layer.
type MergeResult struct {
	Layers            []*types.FilesystemLayer
	Top               *types.FilesystemLayer
	Collapsed         bool
	RemovedContainers []string
}

// Discover locates the containers under containerDir and binds them to the
// explicitly configured layer order. Rank is never inferred from naming
// alone: a multi-layer image without a configured order is an error, and
// the configured order must match what is actually present.
func (m *Merger) Discover(isoTree *types.ImageTree, containerDir string, configured []string) ([]*types.FilesystemLayer, error) {
	absDir, err := isoTree.Abs(containerDir)
	if err != nil {
		return nil, remastererrors.NewLayerDiscoveryError(stageName, err.Error(), err)
	}
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, remastererrors.NewLayerDiscoveryError(stageName,
			fmt.Sprintf("no container directory %s in image", containerDir), err)
	}

	discovered := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), m.format.Extension()) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), m.format.Extension())
		discovered[id] = filepath.Join(absDir, entry.Name())
	}
	if len(discovered) == 0 {
		return nil, remastererrors.NewLayerDiscoveryError(stageName,
			fmt.Sprintf("no %s containers found under %s", m.format.Name(), containerDir), nil)
	}

	if len(configured) == 0 {
		if len(discovered) > 1 {
			return nil, remastererrors.NewLayerDiscoveryError(stageName,
				fmt.Sprintf("%d containers found but no explicit layer order configured", len(discovered)), nil)
		}
		for id := range discovered {
			configured = []string{id}
		}
	}

	layerList := []*types.FilesystemLayer{}
	for rank, id := range configured {
		container, exists := discovered[id]
		if !exists {
			return nil, remastererrors.NewLayerDiscoveryError(stageName,
				fmt.Sprintf("configured layer %q has no container under %s", id, containerDir), nil)
		}
		delete(discovered, id)
		layerList = append(layerList, &types.FilesystemLayer{
			ID:        id,
			Rank:      rank,
			Container: container,
			Sidecar:   m.findSidecar(absDir, id),
		})
	}
	for id := range discovered {
		return nil, remastererrors.NewLayerDiscoveryError(stageName,
			fmt.Sprintf("container %q present in image but missing from configured layer order", id), nil)
	}

	m.log.WithFields(logrus.Fields{
		"stage":  stageName,
		"layers": len(layerList),
		"format": m.format.Name(),
	}).Info("Discovered filesystem layers")
	return layerList, nil
}

func (m *Merger) findSidecar(absDir, id string) types.LayerSidecar {
	sidecar := types.LayerSidecar{}
	manifest := filepath.Join(absDir, id+".manifest")
	if _, err := os.Stat(manifest); err == nil {
		sidecar.ManifestPath = manifest
	}
	size := filepath.Join(absDir, id+".size")
	if _, err := os.Stat(size); err == nil {
		sidecar.SizePath = size
	}
	return sidecar
}

// Merge prepares working trees according to the configured strategy.
// Working trees live under workRoot, one directory per layer.
func (m *Merger) Merge(ctx context.Context, isoTree *types.ImageTree, layerList []*types.FilesystemLayer,
	strategy types.MergeStrategy, workRoot string, removePatterns []string,
	mergedName, containerDir string) (*MergeResult, error) {

	if len(layerList) == 0 {
		return nil, remastererrors.NewLayerDiscoveryError(stageName, "no layers to merge", nil)
	}
	if len(layerList) == 1 {
		return m.mergeSingle(layerList[0], workRoot)
	}

	switch strategy {
	case types.StrategyCollapse:
		return m.collapse(isoTree, layerList, workRoot, mergedName, containerDir)
	case types.StrategyPatch:
		return m.selectivePatch(ctx, layerList, workRoot, removePatterns)
	default:
		return nil, remastererrors.NewLayerDiscoveryError(stageName,
			fmt.Sprintf("unknown merge strategy %q", strategy), nil)
	}
}

func (m *Merger) mergeSingle(layer *types.FilesystemLayer, workRoot string) (*MergeResult, error) {
	treeRoot := filepath.Join(workRoot, layer.ID)
	if err := m.format.Unpack(layer.Container, treeRoot); err != nil {
		return nil, remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to unpack container %s: %v", layer.Container, err), err)
	}
	layer.Tree = types.NewImageTree(treeRoot)
	layer.NeedsRepack = true
	return &MergeResult{
		Layers: []*types.FilesystemLayer{layer},
		Top:    layer,
	}, nil
}

// collapse flattens all layers into one merged tree: the base layer is
// unpacked first and every higher rank is overlaid on top, later files
// winning. The original containers and their sidecars are removed from the
// image tree so the rebuilt image carries a single container.
func (m *Merger) collapse(isoTree *types.ImageTree, layerList []*types.FilesystemLayer,
	workRoot, mergedName, containerDir string) (*MergeResult, error) {

	mergedRoot := filepath.Join(workRoot, mergedName)
	if err := m.format.Unpack(layerList[0].Container, mergedRoot); err != nil {
		return nil, remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to unpack base layer %s: %v", layerList[0].ID, err), err)
	}

	for _, layer := range layerList[1:] {
		stageRoot := filepath.Join(workRoot, "stage-"+layer.ID)
		if err := m.format.Unpack(layer.Container, stageRoot); err != nil {
			return nil, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to unpack layer %s: %v", layer.ID, err), err)
		}
		if err := copy.Copy(stageRoot, mergedRoot); err != nil {
			return nil, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to overlay layer %s: %v", layer.ID, err), err)
		}
		if err := os.RemoveAll(stageRoot); err != nil {
			return nil, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to clean staging tree for %s: %v", layer.ID, err), err)
		}
		m.log.WithFields(logrus.Fields{"stage": stageName, "layer": layer.ID}).Info("Overlaid layer")
	}

	// The top layer's package manifest describes the union closest;
	// its content survives under the merged name.
	var manifestContent []byte
	if top := layerList[len(layerList)-1]; top.Sidecar.ManifestPath != "" {
		data, err := os.ReadFile(top.Sidecar.ManifestPath)
		if err != nil {
			return nil, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to read package manifest of %s: %v", top.ID, err), err)
		}
		manifestContent = data
	}

	removed := []string{}
	for _, layer := range layerList {
		removed = append(removed, filepath.Base(layer.Container))
		if err := os.Remove(layer.Container); err != nil {
			return nil, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to remove collapsed container %s: %v", layer.Container, err), err)
		}
		for _, sidecar := range []string{layer.Sidecar.ManifestPath, layer.Sidecar.SizePath} {
			if sidecar == "" {
				continue
			}
			if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
				return nil, remastererrors.NewExtractionError(stageName,
					fmt.Sprintf("failed to remove sidecar %s: %v", sidecar, err), err)
			}
		}
	}

	absDir, err := isoTree.Abs(containerDir)
	if err != nil {
		return nil, remastererrors.NewLayerDiscoveryError(stageName, err.Error(), err)
	}
	merged := &types.FilesystemLayer{
		ID:          mergedName,
		Rank:        0,
		Container:   filepath.Join(absDir, mergedName+m.format.Extension()),
		Tree:        types.NewImageTree(mergedRoot),
		NeedsRepack: true,
	}
	merged.Sidecar.SizePath = filepath.Join(absDir, mergedName+".size")
	if manifestContent != nil {
		merged.Sidecar.ManifestPath = filepath.Join(absDir, mergedName+".manifest")
		if err := os.WriteFile(merged.Sidecar.ManifestPath, manifestContent, 0644); err != nil {
			return nil, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to write merged package manifest: %v", err), err)
		}
	}

	return &MergeResult{
		Layers:            []*types.FilesystemLayer{merged},
		Top:               merged,
		Collapsed:         true,
		RemovedContainers: removed,
	}, nil
}

// selectivePatch keeps layers separate. The top layer is always unpacked
// since it receives the main injection; every non-top layer gets a
// list-only scan against the removal patterns and is unpacked only on a
// match. Scans are read-only and run concurrently.
func (m *Merger) selectivePatch(ctx context.Context, layerList []*types.FilesystemLayer,
	workRoot string, removePatterns []string) (*MergeResult, error) {

	set, err := match.Compile(removePatterns)
	if err != nil {
		return nil, remastererrors.NewLayerDiscoveryError(stageName, err.Error(), err)
	}

	top := layerList[len(layerList)-1]
	lower := layerList[:len(layerList)-1]

	needsPatch := make([]bool, len(lower))
	if !set.Empty() {
		g, gctx := errgroup.WithContext(ctx)
		for i, layer := range lower {
			i, layer := i, layer
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				paths, err := m.format.List(layer.Container)
				if err != nil {
					return fmt.Errorf("failed to scan layer %s: %v", layer.ID, err)
				}
				if hit, ok := set.MatchAny(paths); ok {
					m.log.WithFields(logrus.Fields{
						"stage": stageName,
						"layer": layer.ID,
						"path":  hit,
					}).Info("Layer matches removal pattern, will repack")
					needsPatch[i] = true
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, remastererrors.NewExtractionError(stageName, err.Error(), err)
		}
	}

	for i, layer := range lower {
		if !needsPatch[i] {
			continue
		}
		treeRoot := filepath.Join(workRoot, layer.ID)
		if err := m.format.Unpack(layer.Container, treeRoot); err != nil {
			return nil, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to unpack layer %s: %v", layer.ID, err), err)
		}
		layer.Tree = types.NewImageTree(treeRoot)
		layer.NeedsRepack = true
	}

	topRoot := filepath.Join(workRoot, top.ID)
	if err := m.format.Unpack(top.Container, topRoot); err != nil {
		return nil, remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to unpack top layer %s: %v", top.ID, err), err)
	}
	top.Tree = types.NewImageTree(topRoot)
	top.NeedsRepack = true

	return &MergeResult{
		Layers: layerList,
		Top:    top,
	}, nil
}
