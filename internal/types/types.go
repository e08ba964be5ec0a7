package types

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SectorSize is the fixed sector size used for all boot-partition math.
const SectorSize = 512

// MergeStrategy selects how a multi-layer root filesystem is prepared for
// mutation.
type MergeStrategy string

const (
	// StrategyCollapse flattens all layers into one merged container.
	StrategyCollapse MergeStrategy = "collapse"
	// StrategyPatch keeps layers separate and repacks only the ones a
	// removal pattern actually touches.
	StrategyPatch MergeStrategy = "patch"
)

type MutationOp string

const (
	MutationOpInject    MutationOp = "inject"
	MutationOpRemove    MutationOp = "remove"
	MutationOpReplace   MutationOp = "replace"
	MutationOpTransform MutationOp = "transform"
)

// Mutation is a single declarative operation against a working tree.
// Inject and Replace read their content either inline or from a payload
// file relative to MutationSpec.PayloadDir.
type Mutation struct {
	Op          MutationOp  `yaml:"op" json:"op"`
	Path        string      `yaml:"path,omitempty" json:"path,omitempty"`
	Pattern     string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Source      string      `yaml:"source,omitempty" json:"source,omitempty"`
	Content     []byte      `yaml:"-" json:"-"`
	Mode        fs.FileMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	UID         int         `yaml:"uid,omitempty" json:"uid,omitempty"`
	GID         int         `yaml:"gid,omitempty" json:"gid,omitempty"`
	Command     []string    `yaml:"command,omitempty" json:"command,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
}

// MutationSpec is an ordered list of mutations applied to exactly one
// tree. RemovePackages names the packages the privileged transforms purge,
// so the package-manifest sidecars can be kept truthful even when the
// transforms themselves are best-effort.
type MutationSpec struct {
	PayloadDir     string     `yaml:"payload_dir,omitempty" json:"payload_dir,omitempty"`
	Mutations      []Mutation `yaml:"mutations" json:"mutations"`
	RemovePackages []string   `yaml:"remove_packages,omitempty" json:"remove_packages,omitempty"`
}

// Removes returns the remove operations in spec order.
func (s *MutationSpec) Removes() []Mutation {
	return s.filter(MutationOpRemove)
}

// Writes returns the inject and replace operations in spec order.
func (s *MutationSpec) Writes() []Mutation {
	out := []Mutation{}
	for _, m := range s.Mutations {
		if m.Op == MutationOpInject || m.Op == MutationOpReplace {
			out = append(out, m)
		}
	}
	return out
}

// Transforms returns the privileged transform operations in spec order.
func (s *MutationSpec) Transforms() []Mutation {
	return s.filter(MutationOpTransform)
}

func (s *MutationSpec) filter(op MutationOp) []Mutation {
	out := []Mutation{}
	for _, m := range s.Mutations {
		if m.Op == op {
			out = append(out, m)
		}
	}
	return out
}

// RemovePatterns returns every remove pattern in spec order.
func (s *MutationSpec) RemovePatterns() []string {
	patterns := []string{}
	for _, m := range s.Removes() {
		patterns = append(patterns, m.Pattern)
	}
	return patterns
}

// BootAsset is the extracted appended boot partition. The raw bytes live in
// a file under the working directory; Sectors is derived from its length.
type BootAsset struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Sectors  int64  `json:"sectors"`
	Degraded bool   `json:"degraded"`
}

// LayerSidecar points at the metadata files shipped next to a layer
// container: the package manifest and the decompressed size record.
type LayerSidecar struct {
	ManifestPath string `json:"manifest_path,omitempty"`
	SizePath     string `json:"size_path,omitempty"`
}

// FilesystemLayer is one compressed filesystem container plus its working
// state. Rank comes from explicit configuration, lower ranks apply first.
type FilesystemLayer struct {
	ID          string       `json:"id"`
	Rank        int          `json:"rank"`
	Container   string       `json:"container"`
	Tree        *ImageTree   `json:"-"`
	Sidecar     LayerSidecar `json:"sidecar"`
	NeedsRepack bool         `json:"needs_repack"`
}

// TokenSubstitution replaces one literal boot parameter token with another.
type TokenSubstitution struct {
	Old string `yaml:"old" json:"old"`
	New string `yaml:"new" json:"new"`
}

// BootConfigSpec describes the boot-menu patches to apply. Paths lists the
// primary config first, followed by any alias files; missing alias files
// are skipped.
type BootConfigSpec struct {
	Paths         []string            `yaml:"paths" json:"paths"`
	Timeout       *int                `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RemoveTokens  []string            `yaml:"remove_tokens,omitempty" json:"remove_tokens,omitempty"`
	Substitutions []TokenSubstitution `yaml:"substitutions,omitempty" json:"substitutions,omitempty"`
}

// ValidationPolicy tunes which conditions the validator treats as fatal.
type ValidationPolicy struct {
	DegradedBootFatal bool `yaml:"degraded_boot_fatal" json:"degraded_boot_fatal"`
}

// RemasterConfig is the full configuration for one pipeline run.
type RemasterConfig struct {
	SourceImage    string           `yaml:"source_image" json:"source_image"`
	OutputImage    string           `yaml:"output_image" json:"output_image"`
	WorkDir        string           `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	VolumeLabel    string           `yaml:"volume_label,omitempty" json:"volume_label,omitempty"`
	ContainerDir   string           `yaml:"container_dir,omitempty" json:"container_dir,omitempty"`
	Format         string           `yaml:"format,omitempty" json:"format,omitempty"`
	Strategy       MergeStrategy    `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	MergedName     string           `yaml:"merged_name,omitempty" json:"merged_name,omitempty"`
	Layers         []string         `yaml:"layers,omitempty" json:"layers,omitempty"`
	Spec           MutationSpec     `yaml:"spec" json:"spec"`
	BootConfig     BootConfigSpec   `yaml:"boot_config" json:"boot_config"`
	Masks          []string         `yaml:"masks,omitempty" json:"masks,omitempty"`
	Policy         ValidationPolicy `yaml:"policy" json:"policy"`
	HybridMBRImage string           `yaml:"hybrid_mbr_image,omitempty" json:"hybrid_mbr_image,omitempty"`
	BIOSBootImage  string           `yaml:"bios_boot_image,omitempty" json:"bios_boot_image,omitempty"`
	LogLevel       string           `yaml:"log_level,omitempty" json:"log_level,omitempty"`
}

// ApplyDefaults fills in the conventional values for the target image class.
func (c *RemasterConfig) ApplyDefaults() {
	if c.ContainerDir == "" {
		c.ContainerDir = "live"
	}
	if c.Format == "" {
		c.Format = "squashfs"
	}
	if c.Strategy == "" {
		c.Strategy = StrategyCollapse
	}
	if c.MergedName == "" {
		c.MergedName = "rootfs"
	}
	if c.VolumeLabel == "" {
		c.VolumeLabel = "LIVE"
	}
	if len(c.BootConfig.Paths) == 0 {
		c.BootConfig.Paths = []string{
			"boot/syslinux/syslinux.cfg",
			"boot/isolinux/isolinux.cfg",
		}
	}
	if c.BIOSBootImage == "" {
		c.BIOSBootImage = "boot/isolinux/isolinux.bin"
	}
}

// Validate checks the parts of the configuration the pipeline cannot
// default its way around.
func (c *RemasterConfig) Validate() error {
	if c.SourceImage == "" {
		return fmt.Errorf("source_image is required")
	}
	if c.OutputImage == "" {
		return fmt.Errorf("output_image is required")
	}
	if c.Strategy != StrategyCollapse && c.Strategy != StrategyPatch {
		return fmt.Errorf("unknown merge strategy %q", c.Strategy)
	}
	seen := map[string]bool{}
	for _, id := range c.Layers {
		if seen[id] {
			return fmt.Errorf("layer %q listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

// CheckResult is the outcome of one named validation assertion.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// RemasterResult summarizes one pipeline run.
type RemasterResult struct {
	Success           bool          `json:"success"`
	Error             string        `json:"error,omitempty"`
	Stage             string        `json:"stage,omitempty"`
	OutputPath        string        `json:"output_path,omitempty"`
	DegradedBootAsset bool          `json:"degraded_boot_asset"`
	Warnings          []string      `json:"warnings,omitempty"`
	Checks            []CheckResult `json:"checks,omitempty"`
	Duration          string        `json:"duration,omitempty"`
}

// ImageTree is a working filesystem tree rooted at a real directory. All
// paths passed to its methods are slash-separated and relative to the root.
type ImageTree struct {
	Root string
}

func NewImageTree(root string) *ImageTree {
	return &ImageTree{Root: filepath.Clean(root)}
}

// Abs maps a tree-relative path to an absolute one, refusing to escape the
// root.
func (t *ImageTree) Abs(rel string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(rel))
	abs := filepath.Join(t.Root, clean)
	if abs != t.Root && !strings.HasPrefix(abs, t.Root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes tree root", rel)
	}
	return abs, nil
}

// Exists reports whether rel exists in the tree, symlinks included.
func (t *ImageTree) Exists(rel string) bool {
	abs, err := t.Abs(rel)
	if err != nil {
		return false
	}
	_, err = os.Lstat(abs)
	return err == nil
}

// IsDir reports whether rel exists and is a directory.
func (t *ImageTree) IsDir(rel string) bool {
	abs, err := t.Abs(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.IsDir()
}

// WriteFile writes a regular file at rel, creating parent directories as
// needed.
func (t *ImageTree) WriteFile(rel string, data []byte, mode fs.FileMode) error {
	abs, err := t.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, data, mode); err != nil {
		return err
	}
	// os.WriteFile keeps the old mode when the file already exists.
	return os.Chmod(abs, mode)
}

// ReadFile reads the regular file at rel.
func (t *ImageTree) ReadFile(rel string) ([]byte, error) {
	abs, err := t.Abs(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Symlink creates a symbolic link at rel pointing at target, replacing any
// existing entry.
func (t *ImageTree) Symlink(target, rel string) error {
	abs, err := t.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return err
	}
	return os.Symlink(target, abs)
}

// Remove deletes rel and everything below it. Removing a path that does
// not exist is not an error.
func (t *ImageTree) Remove(rel string) error {
	abs, err := t.Abs(rel)
	if err != nil {
		return err
	}
	return os.RemoveAll(abs)
}

// Walk visits every entry below the root with slash-separated relative
// paths, in lexical order.
func (t *ImageTree) Walk(fn func(rel string, info fs.FileInfo) error) error {
	return filepath.Walk(t.Root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == t.Root {
			return nil
		}
		rel, err := filepath.Rel(t.Root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

// RegularFiles returns the sorted relative paths of every regular file in
// the tree.
func (t *ImageTree) RegularFiles() ([]string, error) {
	files := []string{}
	err := t.Walk(func(rel string, info fs.FileInfo) error {
		if info.Mode().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// TotalSize returns the byte total of every regular file in the tree.
func (t *ImageTree) TotalSize() (int64, error) {
	var total int64
	err := t.Walk(func(rel string, info fs.FileInfo) error {
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
