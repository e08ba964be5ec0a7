package layers

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// TarZstFormat is a pure-Go container format: a tar stream compressed with
// zstd. Entries are written in sorted path order so packing the same tree
// twice yields the same container.
type TarZstFormat struct{}

func NewTarZstFormat() *TarZstFormat {
	return &TarZstFormat{}
}

func init() {
	RegisterFormat(NewTarZstFormat())
}

func (f *TarZstFormat) Name() string {
	return "tarzst"
}

func (f *TarZstFormat) Extension() string {
	return ".fs.tar.zst"
}

func (f *TarZstFormat) RequiredTools() []string {
	return nil
}

// Pack archives treeRoot into containerPath.
func (f *TarZstFormat) Pack(treeRoot, containerPath string) error {
	paths := []string{}
	err := filepath.Walk(treeRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == treeRoot {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan tree %s: %v", treeRoot, err)
	}
	sort.Strings(paths)

	out, err := os.Create(containerPath)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %v", containerPath, err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %v", err)
	}
	tw := tar.NewWriter(enc)

	for _, path := range paths {
		if err := f.addEntry(tw, treeRoot, path); err != nil {
			tw.Close()
			enc.Close()
			return fmt.Errorf("failed to add %s: %v", path, err)
		}
	}

	if err := tw.Close(); err != nil {
		enc.Close()
		return fmt.Errorf("failed to close tar writer: %v", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to close zstd writer: %v", err)
	}
	return out.Close()
}

func (f *TarZstFormat) addEntry(tw *tar.Writer, treeRoot, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(treeRoot, path)
	if err != nil {
		return err
	}

	var linkTarget string
	if info.Mode()&os.ModeSymlink != 0 {
		linkTarget, err = os.Readlink(path)
		if err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := io.Copy(tw, src); err != nil {
		return err
	}
	return nil
}

// Unpack extracts containerPath into treeRoot.
func (f *TarZstFormat) Unpack(containerPath, treeRoot string) error {
	in, err := os.Open(containerPath)
	if err != nil {
		return fmt.Errorf("failed to open container %s: %v", containerPath, err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %v", err)
	}
	defer dec.Close()

	if err := os.MkdirAll(treeRoot, 0755); err != nil {
		return fmt.Errorf("failed to create tree root: %v", err)
	}

	tr := tar.NewReader(dec)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read container entry: %v", err)
		}
		if err := f.extractEntry(tr, header, treeRoot); err != nil {
			return fmt.Errorf("failed to extract %s: %v", header.Name, err)
		}
	}
	return nil
}

func (f *TarZstFormat) extractEntry(tr *tar.Reader, header *tar.Header, treeRoot string) error {
	name := filepath.Clean(filepath.FromSlash(header.Name))
	if strings.HasPrefix(name, "..") {
		return fmt.Errorf("entry escapes tree root")
	}
	target := filepath.Join(treeRoot, name)
	mode := header.FileInfo().Mode()

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode.Perm()); err != nil {
			return err
		}
		// MkdirAll masks with the umask and drops setgid/sticky bits.
		if err := os.Chmod(target, mode); err != nil {
			return err
		}
		return restoreOwner(target, header)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		if err := os.Symlink(header.Linkname, target); err != nil {
			return err
		}
		return restoreOwner(target, header)
	case tar.TypeLink:
		source := filepath.Clean(filepath.FromSlash(header.Linkname))
		if strings.HasPrefix(source, "..") {
			return fmt.Errorf("entry escapes tree root")
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return os.Link(filepath.Join(treeRoot, source), target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		// OpenFile cannot set setuid/setgid/sticky and the umask may
		// have masked permission bits; a root filesystem must keep
		// them exactly.
		if err := os.Chmod(target, mode); err != nil {
			return err
		}
		return restoreOwner(target, header)
	default:
		// Device nodes and the like cannot be recreated without
		// privileges; skip them rather than failing the unpack.
		return nil
	}
}

// restoreOwner applies the archived ownership. Only root may chown to
// arbitrary ids; unprivileged unpacks keep the current user, which is the
// same user that will repack.
func restoreOwner(path string, header *tar.Header) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return os.Lchown(path, header.Uid, header.Gid)
}

// List streams the container's tar headers without writing anything to
// disk and returns the slash-separated entry paths.
func (f *TarZstFormat) List(containerPath string) ([]string, error) {
	in, err := os.Open(containerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open container %s: %v", containerPath, err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %v", err)
	}
	defer dec.Close()

	paths := []string{}
	tr := tar.NewReader(dec)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read container index: %v", err)
		}
		paths = append(paths, strings.TrimSuffix(header.Name, "/"))
	}
	return paths, nil
}
