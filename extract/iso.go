// Package extract unpacks the flat directory tree of an ISO-family image
// into a writable working copy.
package extract

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"

	remastererrors "github.com/bibin-skaria/remaster/internal/errors"
	"github.com/bibin-skaria/remaster/internal/types"
)

const stageName = "extract"

// TreeExtractor copies every entry of a source image into a working tree.
// The copy is always owner-writable so later mutation and removal cannot be
// blocked by read-only source attributes.
type TreeExtractor struct{}

func NewTreeExtractor() *TreeExtractor {
	return &TreeExtractor{}
}

// Extract reads sourcePath and materializes its directory tree under root.
// A corrupt or unreadable image is an ExtractionFailure.
func (e *TreeExtractor) Extract(sourcePath, root string) (*types.ImageTree, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to open source image %s: %v", sourcePath, err), err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return nil, remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to open ISO filesystem: %v", err), err)
	}

	rootDir, err := img.RootDir()
	if err != nil {
		return nil, remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to read ISO root directory: %v", err), err)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to create working tree root: %v", err), err)
	}

	tree := types.NewImageTree(root)
	if err := extractDir(rootDir, root); err != nil {
		return nil, remastererrors.NewExtractionError(stageName,
			fmt.Sprintf("failed to extract image tree: %v", err), err)
	}
	return tree, nil
}

func extractDir(dir *iso9660.File, dest string) error {
	children, err := dir.GetChildren()
	if err != nil {
		return fmt.Errorf("failed to list %s: %v", dest, err)
	}
	for _, child := range children {
		target := filepath.Join(dest, child.Name())
		if child.IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			if err := extractDir(child, target); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(child, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(file *iso9660.File, target string) error {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, writableMode(file))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, file.Reader()); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %v", target, err)
	}
	return out.Close()
}

// writableMode grants the owner read/write on top of whatever the source
// records, so the working copy is always mutable.
func writableMode(file *iso9660.File) os.FileMode {
	mode := file.Mode().Perm() | 0600
	if mode&0111 != 0 {
		mode |= 0100
	}
	return mode
}
