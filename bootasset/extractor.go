// Package bootasset locates and extracts the appended boot partition of a
// hybrid image. The partition carries the UEFI ESP referenced by the second
// boot catalog entry; its raw bytes are needed verbatim when the image is
// reconstructed.
package bootasset

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bibin-skaria/remaster/internal/types"
)

const (
	// FallbackSectors is the size of the synthesized zero-filled asset
	// emitted when the source interval cannot be determined.
	FallbackSectors = 2048

	mbrSignatureOffset = 510
	mbrTableOffset     = 446
	mbrEntrySize       = 16

	isoBlockSize        = 2048
	bootRecordSector    = 17
	catalogPointerField = 0x47
)

// Interval is an inclusive sector range on the source image, in 512-byte
// sectors.
type Interval struct {
	Start int64
	End   int64
}

// Sectors returns the sector count of the interval.
func (iv Interval) Sectors() int64 {
	return iv.End - iv.Start + 1
}

// Extractor copies the appended boot partition out of a source image.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract writes the boot partition bytes of sourcePath to destPath and
// returns the resulting asset. When no interval can be parsed the asset is
// a fixed-size zero-filled fallback and Degraded is set; parse failure is
// deterministic, so there are no retries.
func (e *Extractor) Extract(sourcePath, destPath string) (*types.BootAsset, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open source image: %v", err)
	}
	defer f.Close()

	iv, err := ParseInterval(f)
	if err != nil {
		if werr := writeZeroAsset(destPath, FallbackSectors); werr != nil {
			return nil, werr
		}
		return &types.BootAsset{
			Path:     destPath,
			Size:     FallbackSectors * types.SectorSize,
			Sectors:  FallbackSectors,
			Degraded: true,
		}, nil
	}

	if err := copyInterval(f, destPath, iv); err != nil {
		return nil, err
	}
	return &types.BootAsset{
		Path:    destPath,
		Size:    iv.Sectors() * types.SectorSize,
		Sectors: iv.Sectors(),
	}, nil
}

// ParseInterval determines the sector interval of the appended boot
// partition. The hybrid MBR's second partition entry is authoritative; the
// El Torito catalog's EFI section entry is the fallback for images whose
// MBR was not hybridized.
func ParseInterval(r io.ReaderAt) (Interval, error) {
	iv, mbrErr := parseMBRInterval(r)
	if mbrErr == nil {
		return iv, nil
	}
	iv, catErr := parseCatalogInterval(r)
	if catErr == nil {
		return iv, nil
	}
	return Interval{}, fmt.Errorf("no parseable boot partition interval: mbr: %v, catalog: %v", mbrErr, catErr)
}

// parseMBRInterval reads partition entry 2 of the protective/hybrid MBR.
func parseMBRInterval(r io.ReaderAt) (Interval, error) {
	sector := make([]byte, types.SectorSize)
	if _, err := r.ReadAt(sector, 0); err != nil {
		return Interval{}, fmt.Errorf("failed to read MBR: %v", err)
	}
	if sector[mbrSignatureOffset] != 0x55 || sector[mbrSignatureOffset+1] != 0xaa {
		return Interval{}, fmt.Errorf("missing MBR boot signature")
	}

	entry := sector[mbrTableOffset+mbrEntrySize : mbrTableOffset+2*mbrEntrySize]
	partType := entry[4]
	start := int64(binary.LittleEndian.Uint32(entry[8:12]))
	count := int64(binary.LittleEndian.Uint32(entry[12:16]))
	if partType == 0 || count == 0 {
		return Interval{}, fmt.Errorf("MBR partition entry 2 is empty")
	}
	return Interval{Start: start, End: start + count - 1}, nil
}

// parseCatalogInterval walks the El Torito boot catalog to the EFI section
// entry. Catalog block addresses are 2048-byte ISO blocks; the returned
// interval is converted to 512-byte sectors.
func parseCatalogInterval(r io.ReaderAt) (Interval, error) {
	desc := make([]byte, isoBlockSize)
	if _, err := r.ReadAt(desc, bootRecordSector*isoBlockSize); err != nil {
		return Interval{}, fmt.Errorf("failed to read boot record descriptor: %v", err)
	}
	if desc[0] != 0x00 || string(desc[1:6]) != "CD001" {
		return Interval{}, fmt.Errorf("missing El Torito boot record")
	}

	catalogBlock := int64(binary.LittleEndian.Uint32(desc[catalogPointerField : catalogPointerField+4]))
	if catalogBlock == 0 {
		return Interval{}, fmt.Errorf("boot catalog pointer is zero")
	}

	catalog := make([]byte, isoBlockSize)
	if _, err := r.ReadAt(catalog, catalogBlock*isoBlockSize); err != nil {
		return Interval{}, fmt.Errorf("failed to read boot catalog: %v", err)
	}
	if catalog[0] != 0x01 {
		return Interval{}, fmt.Errorf("invalid boot catalog validation entry")
	}

	// Entry 0 is the validation entry, entry 1 the legacy default entry.
	// The appended partition is described by the first bootable section
	// entry after a section header.
	for i := 2; i < isoBlockSize/32; i++ {
		entry := catalog[i*32 : (i+1)*32]
		switch entry[0] {
		case 0x90, 0x91:
			continue
		case 0x88:
			count := int64(binary.LittleEndian.Uint16(entry[6:8]))
			rba := int64(binary.LittleEndian.Uint32(entry[8:12]))
			if rba == 0 || count == 0 {
				return Interval{}, fmt.Errorf("section entry has empty interval")
			}
			start := rba * (isoBlockSize / types.SectorSize)
			return Interval{Start: start, End: start + count - 1}, nil
		default:
			return Interval{}, fmt.Errorf("no bootable section entry in catalog")
		}
	}
	return Interval{}, fmt.Errorf("boot catalog exhausted without section entry")
}

func copyInterval(r io.ReaderAt, destPath string, iv Interval) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create asset directory: %v", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create boot asset file: %v", err)
	}
	defer out.Close()

	src := io.NewSectionReader(r, iv.Start*types.SectorSize, iv.Sectors()*types.SectorSize)
	n, err := io.Copy(out, src)
	if err != nil {
		return fmt.Errorf("failed to copy boot partition: %v", err)
	}
	if n != iv.Sectors()*types.SectorSize {
		return fmt.Errorf("short boot partition copy: %d of %d bytes", n, iv.Sectors()*types.SectorSize)
	}
	return out.Close()
}

func writeZeroAsset(destPath string, sectors int64) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create asset directory: %v", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create fallback boot asset: %v", err)
	}
	defer out.Close()
	if err := out.Truncate(sectors * types.SectorSize); err != nil {
		return fmt.Errorf("failed to size fallback boot asset: %v", err)
	}
	return out.Close()
}
