package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/bibin-skaria/remaster/internal/types"
)

// Fixed identifiers for the appended boot partition of this image class.
const (
	// MBRPartitionType is the MBR type byte of the appended partition.
	MBRPartitionType = "0xef"
	// ESPTypeGUID is the GPT type the appended partition receives via
	// appended_part_as_gpt.
	ESPTypeGUID = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"

	// biosBootLoadSize is the El Torito load size of the legacy BIOS
	// boot image, in 512-byte virtual sectors.
	biosBootLoadSize = 4
)

// XorrisoReconstructor assembles the hybrid image with xorriso's mkisofs
// emulation: a primary volume descriptor, a legacy BIOS El Torito entry, a
// second catalog entry pointing at the appended GPT-typed boot partition,
// and a hybrid MBR so the image boots from optical media and raw block
// devices alike.
type XorrisoReconstructor struct{}

func NewXorrisoReconstructor() *XorrisoReconstructor {
	return &XorrisoReconstructor{}
}

func (x *XorrisoReconstructor) RequiredTools() []string {
	return []string{"xorriso"}
}

func (x *XorrisoReconstructor) Reconstruct(ctx context.Context, opts ReconstructOptions) error {
	if opts.HybridMBRImage == "" {
		return fmt.Errorf("no hybrid MBR template configured")
	}
	if _, err := os.Stat(opts.HybridMBRImage); err != nil {
		return fmt.Errorf("hybrid MBR template %s unavailable: %v", opts.HybridMBRImage, err)
	}
	if opts.BootAsset == nil {
		return fmt.Errorf("no boot asset to append")
	}
	if opts.BootAsset.Size%types.SectorSize != 0 {
		return fmt.Errorf("boot asset size %d is not a sector multiple", opts.BootAsset.Size)
	}

	args := []string{
		"-as", "mkisofs",
		"-iso-level", "3",
		"-full-iso9660-filenames",
		"-R",
		"-V", opts.VolumeLabel,
		"-isohybrid-mbr", opts.HybridMBRImage,
		"-b", opts.BIOSBootImage,
		"-c", opts.BootCatalog,
		"-no-emul-boot",
		"-boot-load-size", strconv.Itoa(biosBootLoadSize),
		"-boot-info-table",
		"-eltorito-alt-boot",
		"-e", "--interval:appended_partition_2:all::",
		"-no-emul-boot",
		"-boot-load-size", strconv.FormatInt(opts.BootAsset.Sectors, 10),
		"-append_partition", "2", MBRPartitionType, opts.BootAsset.Path,
		"-appended_part_as_gpt",
		"-partition_offset", "16",
		"-o", opts.OutputPath,
		opts.TreeRoot,
	}

	cmd := exec.CommandContext(ctx, "xorriso", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("xorriso failed: %v, output: %s", err, string(output))
	}
	return nil
}
