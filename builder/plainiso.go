package builder

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/kdomanski/iso9660"

	"github.com/bibin-skaria/remaster/internal/types"
)

// PlainISOReconstructor authors a plain ISO 9660 image in pure Go, with no
// boot entries and no appended partition. It backs dry runs and tests on
// hosts without native image tooling; the resulting image satisfies the
// catalog checks but is not bootable.
type PlainISOReconstructor struct{}

func NewPlainISOReconstructor() *PlainISOReconstructor {
	return &PlainISOReconstructor{}
}

func (p *PlainISOReconstructor) RequiredTools() []string {
	return nil
}

func (p *PlainISOReconstructor) Reconstruct(ctx context.Context, opts ReconstructOptions) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("failed to create ISO writer: %v", err)
	}
	defer writer.Cleanup()

	tree := types.NewImageTree(opts.TreeRoot)
	err = tree.Walk(func(rel string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Directories materialize from their children's paths;
		// symlinks have no plain ISO 9660 representation.
		if !info.Mode().IsRegular() {
			return nil
		}
		abs, err := tree.Abs(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(abs)
		if err != nil {
			return err
		}
		defer f.Close()
		return writer.AddFile(f, rel)
	})
	if err != nil {
		return fmt.Errorf("failed to stage tree into image: %v", err)
	}

	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to create image file: %v", err)
	}
	if err := writer.WriteTo(out, opts.VolumeLabel); err != nil {
		out.Close()
		return fmt.Errorf("failed to write image: %v", err)
	}
	return out.Close()
}
