package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zip"
	"github.com/schollz/progressbar/v3"

	"github.com/oshokin/layer-builder/internal/domain/layer"
	"github.com/oshokin/layer-builder/internal/logger"
)

// DefaultFileMode is the permission of the produced archive.
const DefaultFileMode os.FileMode = 0o644

// progressThrottle limits progress bar redraws.
const progressThrottle = 65 * time.Millisecond

var errNothingToArchive = errors.New("staging tree holds no files")

// Options tune archive creation.
type Options struct {
	// Progress receives a progress bar when set (usually os.Stderr).
	Progress io.Writer
}

// entry is a file scheduled for the archive.
type entry struct {
	path string
	name string
	info fs.FileInfo
}

// Write zips every file below root into outputPath. root is the staging
// root (".../python"); entry names are slash-separated and start with its
// base name, so the archive begins with "python/". Directories are implied
// by file names and not stored.
//
// The archive is assembled in a temporary file and atomically renamed over
// outputPath, so a failed write never leaves a partial artifact behind and
// never touches an existing one. It returns the number of stored entries.
func Write(ctx context.Context, root, outputPath string, opts *Options) (int, error) {
	ctx = logger.WithName(ctx, "archive")

	if opts == nil {
		opts = new(Options)
	}

	entries, totalBytes, err := collect(root)
	if err != nil {
		return 0, layer.WriteError("scan staging tree", err)
	}

	if len(entries) == 0 {
		return 0, layer.WriteError(root, errNothingToArchive)
	}

	if err = os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, layer.WriteError("create output directory", err)
	}

	pending, err := renameio.NewPendingFile(outputPath, renameio.WithPermissions(DefaultFileMode))
	if err != nil {
		return 0, layer.WriteError("create temporary artifact", err)
	}

	// No-op once the file has been renamed into place.
	defer func() {
		_ = pending.Cleanup()
	}()

	var sink io.Writer = io.Discard
	if opts.Progress != nil {
		bar := newProgressBar(opts.Progress, totalBytes)

		defer func() {
			_ = bar.Finish()
		}()

		sink = bar
	}

	zw := zip.NewWriter(pending)

	for _, e := range entries {
		if err = ctx.Err(); err != nil {
			return 0, err
		}

		if err = addFile(zw, e, sink); err != nil {
			return 0, layer.WriteError("add "+e.name, err)
		}
	}

	if err = zw.Close(); err != nil {
		return 0, layer.WriteError("finish archive", err)
	}

	if err = pending.CloseAtomicallyReplace(); err != nil {
		return 0, layer.WriteError("replace "+outputPath, err)
	}

	logger.DebugKV(ctx, "Archive written", "path", outputPath, "entries", len(entries))

	return len(entries), nil
}

// collect lists regular files (and symlinks to regular files) below root, sorted by entry name.
func collect(root string) ([]entry, int64, error) {
	var (
		entries    []entry
		totalBytes int64
		prefix     = filepath.Base(root)
	)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		// Stat follows symlinks so linked files are stored by content.
		info, err := os.Stat(path)
		if err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		entries = append(entries, entry{
			path: path,
			name: prefix + "/" + filepath.ToSlash(rel),
			info: info,
		})
		totalBytes += info.Size()

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].name < entries[j].name
	})

	return entries, totalBytes, nil
}

// addFile deflates a single file into zw, mirroring the copied bytes into progress.
func addFile(zw *zip.Writer, e entry, progress io.Writer) error {
	header, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return err
	}

	header.Name = e.name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	file, err := os.Open(e.path)
	if err != nil {
		return err
	}

	defer func() {
		_ = file.Close()
	}()

	if _, err = io.Copy(io.MultiWriter(w, progress), file); err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	return nil
}

func newProgressBar(w io.Writer, total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("Archiving"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(progressThrottle),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprint(w, "\n")
		}),
	)
}
