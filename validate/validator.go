// Package validate runs the named assertion checklist before and after
// reconstruction. Any failed assertion aborts the pipeline; no partial
// artifact is ever surfaced.
package validate

import (
	"fmt"
	"os"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/sirupsen/logrus"

	remastererrors "github.com/bibin-skaria/remaster/internal/errors"
	"github.com/bibin-skaria/remaster/internal/types"
)

const stageName = "validate"

// RequiredSubtrees are the directories every valid root filesystem of the
// target OS family carries; their absence is fatal.
var RequiredSubtrees = []string{"bin", "etc"}

type Validator struct {
	log *logrus.Logger
}

func NewValidator(log *logrus.Logger) *Validator {
	return &Validator{log: log}
}

// PreBuildInput gathers everything the pre-build checklist looks at.
type PreBuildInput struct {
	// Root is the logical root filesystem: the merged tree under the
	// collapse strategy, the top layer under selective patch.
	Root *types.ImageTree
	// ISOTree is the working copy of the image's flat directory tree.
	ISOTree *types.ImageTree
	Spec    *types.MutationSpec
	// Masks are the override/disable markers that must be in place for
	// disabled first-run components.
	Masks []string
	// BootPaths are the boot-menu files to scan for residual layer
	// references; LayerRefs the container names that must no longer
	// appear after a collapse. Empty LayerRefs skips the check.
	BootPaths []string
	LayerRefs []string
	Asset     *types.BootAsset
	Policy    types.ValidationPolicy
}

// PreBuild evaluates the pre-build checklist. The returned results cover
// every check that ran; a non-nil error is a ValidationFailure naming the
// first failed check.
func (v *Validator) PreBuild(in PreBuildInput) ([]types.CheckResult, error) {
	checks := []types.CheckResult{
		v.checkRequiredSubtrees(in.Root),
		v.checkInjectedFiles(in.Root, in.Spec),
		v.checkMasks(in.Root, in.Masks),
	}
	if len(in.LayerRefs) > 0 {
		checks = append(checks, v.checkNoLayerRefs(in.ISOTree, in.BootPaths, in.LayerRefs))
	}
	if in.Asset != nil {
		checks = append(checks, v.checkBootAsset(in.Asset, in.Policy))
	}
	return checks, v.firstFailure(checks)
}

// PostBuild reopens the finished image and asserts its catalog lists every
// expected filesystem container.
func (v *Validator) PostBuild(imagePath string, expectedContainers []string) ([]types.CheckResult, error) {
	check := types.CheckResult{Name: "image-catalog", OK: true}

	f, err := os.Open(imagePath)
	if err != nil {
		check.OK = false
		check.Detail = fmt.Sprintf("failed to open built image: %v", err)
	} else {
		defer f.Close()
		img, err := iso9660.OpenImage(f)
		if err != nil {
			check.OK = false
			check.Detail = fmt.Sprintf("built image is not a readable ISO: %v", err)
		} else {
			for _, rel := range expectedContainers {
				found, err := imageHasPath(img, rel)
				if err != nil {
					check.OK = false
					check.Detail = fmt.Sprintf("failed to inspect image: %v", err)
					break
				}
				if !found {
					check.OK = false
					check.Detail = fmt.Sprintf("container %s missing from image catalog", rel)
					break
				}
			}
		}
	}

	checks := []types.CheckResult{check}
	return checks, v.firstFailure(checks)
}

func (v *Validator) checkRequiredSubtrees(root *types.ImageTree) types.CheckResult {
	check := types.CheckResult{Name: "required-subtrees", OK: true}
	for _, sub := range RequiredSubtrees {
		if !root.IsDir(sub) {
			check.OK = false
			check.Detail = fmt.Sprintf("required subtree %s/ missing from root filesystem", sub)
			break
		}
	}
	return check
}

func (v *Validator) checkInjectedFiles(root *types.ImageTree, spec *types.MutationSpec) types.CheckResult {
	check := types.CheckResult{Name: "injected-files", OK: true}
	if spec == nil {
		return check
	}
	for _, m := range spec.Writes() {
		if !root.Exists(m.Path) {
			check.OK = false
			check.Detail = fmt.Sprintf("injected file %s not present at destination", m.Path)
			break
		}
	}
	return check
}

func (v *Validator) checkMasks(root *types.ImageTree, masks []string) types.CheckResult {
	check := types.CheckResult{Name: "firstrun-mask", OK: true}
	for _, mask := range masks {
		if !root.Exists(mask) {
			check.OK = false
			check.Detail = fmt.Sprintf("mask %s missing: first-run component is not disabled", mask)
			break
		}
	}
	return check
}

// checkNoLayerRefs scans the boot-menu files for references to the
// collapsed per-layer containers. After a collapse the boot process must
// be told about exactly one container.
func (v *Validator) checkNoLayerRefs(isoTree *types.ImageTree, bootPaths, layerRefs []string) types.CheckResult {
	check := types.CheckResult{Name: "no-layer-refs", OK: true}
	for _, rel := range bootPaths {
		if !isoTree.Exists(rel) {
			continue
		}
		data, err := isoTree.ReadFile(rel)
		if err != nil {
			check.OK = false
			check.Detail = fmt.Sprintf("failed to read %s: %v", rel, err)
			return check
		}
		for _, ref := range layerRefs {
			if strings.Contains(string(data), ref) {
				check.OK = false
				check.Detail = fmt.Sprintf("%s still references collapsed layer container %s", rel, ref)
				return check
			}
		}
	}
	return check
}

func (v *Validator) checkBootAsset(asset *types.BootAsset, policy types.ValidationPolicy) types.CheckResult {
	check := types.CheckResult{Name: "boot-asset", OK: true}
	if asset.Size%types.SectorSize != 0 {
		check.OK = false
		check.Detail = fmt.Sprintf("boot asset size %d is not sector aligned", asset.Size)
		return check
	}
	if asset.Degraded && policy.DegradedBootFatal {
		check.OK = false
		check.Detail = "boot asset is a synthesized fallback and policy treats that as fatal"
	}
	return check
}

func (v *Validator) firstFailure(checks []types.CheckResult) error {
	for _, check := range checks {
		entry := v.log.WithFields(logrus.Fields{"stage": stageName, "check": check.Name})
		if check.OK {
			entry.Debug("Check passed")
			continue
		}
		entry.Error(check.Detail)
		return remastererrors.NewValidationError(stageName,
			fmt.Sprintf("check %s failed: %s", check.Name, check.Detail), nil)
	}
	return nil
}

// imageHasPath walks the image's directory hierarchy one path segment at a
// time. Plain ISO 9660 names are uppercase, so matching is
// case-insensitive.
func imageHasPath(img *iso9660.Image, rel string) (bool, error) {
	current, err := img.RootDir()
	if err != nil {
		return false, err
	}
	for _, segment := range strings.Split(strings.Trim(rel, "/"), "/") {
		if !current.IsDir() {
			return false, nil
		}
		children, err := current.GetChildren()
		if err != nil {
			return false, err
		}
		var next *iso9660.File
		for _, child := range children {
			if strings.EqualFold(child.Name(), segment) {
				next = child
				break
			}
		}
		if next == nil {
			return false, nil
		}
		current = next
	}
	return true, nil
}
