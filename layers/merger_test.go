package layers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/remaster/internal/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// packLayer builds a container under isoRoot/live from the given file map
// and returns its ID.
func packLayer(t *testing.T, format Format, isoRoot, id string, files map[string]string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), id)
	for rel, content := range files {
		path := filepath.Join(src, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}
	containerDir := filepath.Join(isoRoot, "live")
	if err := os.MkdirAll(containerDir, 0755); err != nil {
		t.Fatalf("Failed to create container dir: %v", err)
	}
	if err := format.Pack(src, filepath.Join(containerDir, id+format.Extension())); err != nil {
		t.Fatalf("Failed to pack layer %s: %v", id, err)
	}
}

func writeSidecar(t *testing.T, isoRoot, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(isoRoot, "live", name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write sidecar %s: %v", name, err)
	}
}

func TestDiscoverSingleLayerWithoutConfiguredOrder(t *testing.T) {
	format := NewTarZstFormat()
	isoRoot := t.TempDir()
	packLayer(t, format, isoRoot, "base", map[string]string{"etc/os-release": "ID=live\n"})
	writeSidecar(t, isoRoot, "base.manifest", "pkg-a 1.0\n")
	writeSidecar(t, isoRoot, "base.size", "1024\n")

	merger := NewMerger(format, testLogger())
	layerList, err := merger.Discover(types.NewImageTree(isoRoot), "live", nil)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(layerList) != 1 {
		t.Fatalf("Expected 1 layer, got %d", len(layerList))
	}
	if layerList[0].ID != "base" {
		t.Errorf("Expected layer base, got %s", layerList[0].ID)
	}
	if layerList[0].Sidecar.ManifestPath == "" {
		t.Errorf("Manifest sidecar was not found")
	}
	if layerList[0].Sidecar.SizePath == "" {
		t.Errorf("Size sidecar was not found")
	}
}

func TestDiscoverFailsWithoutContainers(t *testing.T) {
	format := NewTarZstFormat()
	isoRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(isoRoot, "live"), 0755); err != nil {
		t.Fatalf("Failed to create container dir: %v", err)
	}

	merger := NewMerger(format, testLogger())
	if _, err := merger.Discover(types.NewImageTree(isoRoot), "live", nil); err == nil {
		t.Errorf("Expected an error for an empty container directory")
	}
}

func TestDiscoverRequiresExplicitOrderForMultipleLayers(t *testing.T) {
	format := NewTarZstFormat()
	isoRoot := t.TempDir()
	packLayer(t, format, isoRoot, "base", map[string]string{"etc/base": "a\n"})
	packLayer(t, format, isoRoot, "extra", map[string]string{"etc/extra": "b\n"})

	merger := NewMerger(format, testLogger())
	if _, err := merger.Discover(types.NewImageTree(isoRoot), "live", nil); err == nil {
		t.Errorf("Expected an error when two layers have no configured order")
	}

	// The configured order must cover exactly what is present.
	if _, err := merger.Discover(types.NewImageTree(isoRoot), "live", []string{"base"}); err == nil {
		t.Errorf("Expected an error for an unlisted container")
	}
	if _, err := merger.Discover(types.NewImageTree(isoRoot), "live", []string{"base", "extra", "ghost"}); err == nil {
		t.Errorf("Expected an error for a configured layer with no container")
	}

	layerList, err := merger.Discover(types.NewImageTree(isoRoot), "live", []string{"base", "extra"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if layerList[0].ID != "base" || layerList[0].Rank != 0 {
		t.Errorf("Base layer has wrong position: %+v", layerList[0])
	}
	if layerList[1].ID != "extra" || layerList[1].Rank != 1 {
		t.Errorf("Extra layer has wrong position: %+v", layerList[1])
	}
}

func TestCollapseLaterLayersWin(t *testing.T) {
	format := NewTarZstFormat()
	isoRoot := t.TempDir()
	packLayer(t, format, isoRoot, "base", map[string]string{
		"etc/hostname": "base\n",
		"etc/keep":     "kept\n",
	})
	packLayer(t, format, isoRoot, "extra", map[string]string{
		"etc/hostname": "extra\n",
		"opt/tool":     "tool\n",
	})
	writeSidecar(t, isoRoot, "base.manifest", "pkg-base 1.0\n")
	writeSidecar(t, isoRoot, "extra.manifest", "pkg-base 1.0\npkg-extra 2.0\n")

	isoTree := types.NewImageTree(isoRoot)
	merger := NewMerger(format, testLogger())
	layerList, err := merger.Discover(isoTree, "live", []string{"base", "extra"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	workRoot := t.TempDir()
	merge, err := merger.Merge(context.Background(), isoTree, layerList,
		types.StrategyCollapse, workRoot, nil, "rootfs", "live")
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if !merge.Collapsed {
		t.Fatalf("Expected a collapsed result")
	}
	if len(merge.Layers) != 1 {
		t.Fatalf("Expected 1 merged layer, got %d", len(merge.Layers))
	}

	data, err := merge.Top.Tree.ReadFile("etc/hostname")
	if err != nil {
		t.Fatalf("Failed to read merged file: %v", err)
	}
	if string(data) != "extra\n" {
		t.Errorf("Higher layer did not win: %q", string(data))
	}
	if !merge.Top.Tree.Exists("etc/keep") {
		t.Errorf("Base-only file is missing from the merged tree")
	}
	if !merge.Top.Tree.Exists("opt/tool") {
		t.Errorf("Extra-only file is missing from the merged tree")
	}

	// The original containers and sidecars are gone, replaced by the
	// merged container's metadata.
	entries, err := os.ReadDir(filepath.Join(isoRoot, "live"))
	if err != nil {
		t.Fatalf("Failed to read container dir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != "rootfs.manifest" {
			t.Errorf("Unexpected leftover %s in container dir", entry.Name())
		}
	}
	manifest, err := os.ReadFile(merge.Top.Sidecar.ManifestPath)
	if err != nil {
		t.Fatalf("Failed to read merged manifest: %v", err)
	}
	if string(manifest) != "pkg-base 1.0\npkg-extra 2.0\n" {
		t.Errorf("Merged manifest is not the top layer's: %q", string(manifest))
	}

	if len(merge.RemovedContainers) != 2 {
		t.Errorf("Expected 2 removed containers, got %v", merge.RemovedContainers)
	}
	if !merge.Top.NeedsRepack {
		t.Errorf("Merged layer is not marked for repack")
	}
}

func TestSelectivePatchUnpacksOnlyMatchingLayers(t *testing.T) {
	format := NewTarZstFormat()
	isoRoot := t.TempDir()
	packLayer(t, format, isoRoot, "base", map[string]string{
		"usr/share/doc/pkg/README": "docs\n",
	})
	packLayer(t, format, isoRoot, "middle", map[string]string{
		"etc/middle": "m\n",
	})
	packLayer(t, format, isoRoot, "top", map[string]string{
		"etc/top": "t\n",
	})

	isoTree := types.NewImageTree(isoRoot)
	merger := NewMerger(format, testLogger())
	layerList, err := merger.Discover(isoTree, "live", []string{"base", "middle", "top"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	merge, err := merger.Merge(context.Background(), isoTree, layerList,
		types.StrategyPatch, t.TempDir(), []string{"usr/share/doc/*"}, "rootfs", "live")
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if merge.Collapsed {
		t.Errorf("Selective patch must not collapse")
	}
	if merge.Top.ID != "top" {
		t.Errorf("Expected top layer to be top, got %s", merge.Top.ID)
	}
	if merge.Top.Tree == nil || !merge.Top.NeedsRepack {
		t.Errorf("Top layer must always be unpacked for injection")
	}

	var base, middle *types.FilesystemLayer
	for _, layer := range merge.Layers {
		switch layer.ID {
		case "base":
			base = layer
		case "middle":
			middle = layer
		}
	}
	if base.Tree == nil || !base.NeedsRepack {
		t.Errorf("Layer matching a removal pattern was not unpacked")
	}
	if middle.Tree != nil || middle.NeedsRepack {
		t.Errorf("Untouched layer was unpacked")
	}

	// The untouched container is still in place.
	if _, err := os.Stat(filepath.Join(isoRoot, "live", "middle"+format.Extension())); err != nil {
		t.Errorf("Untouched container is missing: %v", err)
	}
}
