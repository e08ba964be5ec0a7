package layers

import (
	"fmt"
	"sort"
)

// Format packs and unpacks a compressed filesystem container. List reads
// the container's path index without a full decompression; selective-patch
// merging depends on that being cheap.
type Format interface {
	Name() string
	Extension() string
	Pack(treeRoot, containerPath string) error
	Unpack(containerPath, treeRoot string) error
	List(containerPath string) ([]string, error)
	// RequiredTools names the external binaries the format shells out
	// to, empty for pure-Go formats.
	RequiredTools() []string
}

var formats = make(map[string]Format)

func RegisterFormat(format Format) {
	formats[format.Name()] = format
}

func GetFormat(name string) (Format, error) {
	format, exists := formats[name]
	if !exists {
		return nil, fmt.Errorf("container format %s not found", name)
	}
	return format, nil
}

func ListFormats() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
