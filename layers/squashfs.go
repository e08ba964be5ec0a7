package layers

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// SquashfsFormat wraps the squashfs-tools binaries. This is the format the
// target image class actually ships; the boot process mounts the container
// read-only at startup.
type SquashfsFormat struct {
	compression string
}

func NewSquashfsFormat() *SquashfsFormat {
	return &SquashfsFormat{compression: "xz"}
}

func init() {
	RegisterFormat(NewSquashfsFormat())
}

func (f *SquashfsFormat) Name() string {
	return "squashfs"
}

func (f *SquashfsFormat) Extension() string {
	return ".squashfs"
}

func (f *SquashfsFormat) RequiredTools() []string {
	return []string{"mksquashfs", "unsquashfs"}
}

// Pack builds a squashfs container from treeRoot. mksquashfs appends into
// existing images, so a stale container is removed first.
func (f *SquashfsFormat) Pack(treeRoot, containerPath string) error {
	if err := os.RemoveAll(containerPath); err != nil {
		return fmt.Errorf("failed to remove stale container: %v", err)
	}
	cmd := exec.Command("mksquashfs", treeRoot, containerPath,
		"-comp", f.compression, "-noappend")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mksquashfs failed: %v, output: %s", err, string(output))
	}
	return nil
}

// Unpack extracts containerPath into treeRoot.
func (f *SquashfsFormat) Unpack(containerPath, treeRoot string) error {
	cmd := exec.Command("unsquashfs", "-f", "-d", treeRoot, containerPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("unsquashfs failed: %v, output: %s", err, string(output))
	}
	return nil
}

// List runs unsquashfs in list-only mode and returns the entry paths
// relative to the container root.
func (f *SquashfsFormat) List(containerPath string) ([]string, error) {
	cmd := exec.Command("unsquashfs", "-l", containerPath)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("unsquashfs -l failed: %v", err)
	}

	paths := []string{}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "squashfs-root") {
			continue
		}
		rel := strings.TrimPrefix(line, "squashfs-root")
		rel = strings.TrimPrefix(rel, "/")
		if rel != "" {
			paths = append(paths, rel)
		}
	}
	return paths, nil
}
