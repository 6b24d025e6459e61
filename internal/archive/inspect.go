package archive

import (
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Info describes an existing archive.
type Info struct {
	// CompressedSize is the archive size on disk.
	CompressedSize int64
	// UncompressedSize sums the uncompressed sizes of all entries.
	UncompressedSize uint64
	// Entries lists entry names in archive order.
	Entries []string
}

// Inspect reads the central directory of the archive at path.
func Inspect(path string) (*Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	info := &Info{
		CompressedSize: stat.Size(),
		Entries:        make([]string, 0, len(reader.File)),
	}

	for _, f := range reader.File {
		info.UncompressedSize += f.UncompressedSize64
		info.Entries = append(info.Entries, f.Name)
	}

	return info, nil
}

// TopLevelFolders returns the distinct first path segments of the entries, in order of appearance.
func (i *Info) TopLevelFolders() []string {
	seen := make(map[string]struct{})

	var folders []string

	for _, name := range i.Entries {
		top, _, _ := strings.Cut(name, "/")
		if _, ok := seen[top]; ok {
			continue
		}

		seen[top] = struct{}{}
		folders = append(folders, top)
	}

	return folders
}
