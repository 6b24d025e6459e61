package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/glob"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/layer-builder/internal/archive"
	"github.com/oshokin/layer-builder/internal/config"
	"github.com/oshokin/layer-builder/internal/domain/layer"
	"github.com/oshokin/layer-builder/internal/lock"
)

// fakeResolver writes files into the staging tree or fails with err.
type fakeResolver struct {
	files map[string]string
	err   error

	calls   int
	dest    string
	target  layer.Target
	staging []string
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, target layer.Target, dest string) error {
	f.calls++
	f.dest = dest
	f.target = target

	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}

	for _, e := range entries {
		f.staging = append(f.staging, e.Name())
	}

	for name, contents := range f.files {
		path := filepath.Join(dest, filepath.FromSlash(name))
		if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}

		if err = os.WriteFile(path, []byte(contents), 0o600); err != nil {
			return err
		}
	}

	if f.err != nil {
		return f.err
	}

	return nil
}

var pillowFiles = map[string]string{
	"PIL/__init__.py":                "__version__ = '10.0.0'",
	"PIL/Image.py":                   "class Image: pass",
	"PIL/tests/test_image.py":        "def test(): pass",
	"PIL/__pycache__/Image.pyc":      "bytecode",
	"pillow-10.0.0.dist-info/RECORD": "PIL/__init__.py",
}

// fixture prepares a manifest and an output path in a temp dir.
func fixture(t *testing.T, requirements string) (manifest, output string) {
	t.Helper()

	dir := t.TempDir()
	manifest = filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(manifest, []byte(requirements), 0o600))

	return manifest, filepath.Join(dir, "dist", "layer.zip")
}

func boolPtr(v bool) *bool {
	return &v
}

// TestRun_Success builds an unpruned layer and checks layout, sizes and cleanup.
func TestRun_Success(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "pillow==10.0.0\n")
	workDir := t.TempDir()
	fake := &fakeResolver{files: pillowFiles}

	metadata, err := Run(context.Background(), &Options{
		Manifest: manifest,
		Output:   output,
		WorkDir:  workDir,
		Resolver: fake,
	})
	require.NoError(t, err)

	require.Equal(t, 1, fake.calls)
	require.Equal(t, filepath.Join(workDir, layer.ModuleSearchFolder), fake.dest)
	require.Equal(t, layer.DefaultTarget(), fake.target)

	require.Equal(t, output, metadata.Path)
	require.Equal(t, 1, metadata.Requirements)
	require.Equal(t, len(pillowFiles), metadata.Entries)
	require.Positive(t, metadata.CompressedSize)
	require.Positive(t, metadata.UncompressedSize)
	require.Zero(t, metadata.PrunedPaths)

	info, err := archive.Inspect(output)
	require.NoError(t, err)
	require.Contains(t, info.Entries, "python/PIL/__init__.py")
	require.Contains(t, info.Entries, "python/PIL/tests/test_image.py")
	require.Equal(t, []string{layer.ModuleSearchFolder}, info.TopLevelFolders())

	// Staging tree removed, fixed work dir kept.
	_, err = os.Stat(filepath.Join(workDir, layer.ModuleSearchFolder))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(workDir)
	require.NoError(t, err)

	// Lock released.
	_, err = os.Stat(lock.Path(output))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_TemporaryWorkDirRemoved removes the scratch directory created by the run.
func TestRun_TemporaryWorkDirRemoved(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "pillow==10.0.0\n")
	fake := &fakeResolver{files: pillowFiles}

	_, err := Run(context.Background(), &Options{Manifest: manifest, Output: output, Resolver: fake})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Dir(fake.dest))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_Prune removes every path matching a prune glob and keeps the rest.
func TestRun_Prune(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "pillow==10.0.0\n")

	metadata, err := Run(context.Background(), &Options{
		Profile:  config.SlimProfile,
		Manifest: manifest,
		Output:   output,
		WorkDir:  t.TempDir(),
		Resolver: &fakeResolver{files: pillowFiles},
	})
	require.NoError(t, err)
	require.Equal(t, 2, metadata.PrunedPaths)

	info, err := archive.Inspect(output)
	require.NoError(t, err)
	require.Equal(t, []string{
		"python/PIL/Image.py",
		"python/PIL/__init__.py",
		"python/pillow-10.0.0.dist-info/RECORD",
	}, info.Entries)

	for _, rule := range layer.DefaultPruneRules() {
		g := glob.MustCompile(rule.Glob, '/')

		for _, name := range info.Entries {
			require.False(t, g.Match(name), "%s matches %s", name, rule)

			// Directory rules must not match any parent folder either.
			for dir := filepath.ToSlash(filepath.Dir(name)); dir != "."; dir = filepath.ToSlash(filepath.Dir(dir)) {
				if rule.Action == layer.PruneDir {
					require.False(t, g.Match(dir), "%s matches %s", dir, rule)
				}
			}
		}
	}
}

// TestRun_PruneDisabledByOverride keeps the tree intact although the profile prunes.
func TestRun_PruneDisabledByOverride(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "pillow==10.0.0\n")

	metadata, err := Run(context.Background(), &Options{
		Profile:  config.SlimProfile,
		Manifest: manifest,
		Output:   output,
		Prune:    boolPtr(false),
		Resolver: &fakeResolver{files: pillowFiles},
	})
	require.NoError(t, err)
	require.Equal(t, len(pillowFiles), metadata.Entries)
}

// TestRun_ResolutionFailureLeavesArtifactUntouched keeps the previous artifact and cleans the staging tree.
func TestRun_ResolutionFailureLeavesArtifactUntouched(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "nosuchpkg\n")
	require.NoError(t, os.MkdirAll(filepath.Dir(output), 0o755))
	require.NoError(t, os.WriteFile(output, []byte("previous"), 0o600))

	workDir := t.TempDir()
	fake := &fakeResolver{
		// Partial install before the failure must not leak into an artifact.
		files: map[string]string{"partial/__init__.py": ""},
		err: &layer.DependencyResolutionError{
			Command:  "pip install",
			ExitCode: 1,
			Stderr:   "ERROR: No matching distribution found for nosuchpkg",
		},
	}

	_, err := Run(context.Background(), &Options{
		Manifest: manifest,
		Output:   output,
		WorkDir:  workDir,
		Resolver: fake,
	})
	require.ErrorIs(t, err, layer.ErrDependencyResolution)
	require.Contains(t, err.Error(), "No matching distribution found for nosuchpkg")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, "previous", string(data))

	_, err = os.Stat(filepath.Join(workDir, layer.ModuleSearchFolder))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_ResolutionFailureCreatesNothing leaves no file at the output path.
func TestRun_ResolutionFailureCreatesNothing(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "nosuchpkg\n")

	_, err := Run(context.Background(), &Options{
		Manifest: manifest,
		Output:   output,
		Resolver: &fakeResolver{err: &layer.DependencyResolutionError{ExitCode: 1}},
	})
	require.ErrorIs(t, err, layer.ErrDependencyResolution)

	_, err = os.Stat(output)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_MissingManifest reports a configuration error without calling the resolver.
func TestRun_MissingManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fake := &fakeResolver{}

	_, err := Run(context.Background(), &Options{
		Manifest: filepath.Join(dir, "missing.txt"),
		Output:   filepath.Join(dir, "layer.zip"),
		Resolver: fake,
	})
	require.ErrorIs(t, err, layer.ErrConfiguration)
	require.Zero(t, fake.calls)

	_, err = os.Stat(filepath.Join(dir, "layer.zip"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_ManifestWithIncludesOnly hands a manifest made of -r lines to the resolver.
func TestRun_ManifestWithIncludesOnly(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "-r base.txt\n")
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(manifest), "base.txt"), []byte("pillow==10.0.0\n"), 0o600))

	fake := &fakeResolver{files: pillowFiles}

	metadata, err := Run(context.Background(), &Options{Manifest: manifest, Output: output, Resolver: fake})
	require.NoError(t, err)
	require.Equal(t, 1, fake.calls)
	require.Zero(t, metadata.Requirements)
	require.Equal(t, len(pillowFiles), metadata.Entries)
}

// TestRun_InvalidOverride rejects a bad runtime version before doing any work.
func TestRun_InvalidOverride(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "pillow\n")
	fake := &fakeResolver{}

	_, err := Run(context.Background(), &Options{
		Manifest:       manifest,
		Output:         output,
		RuntimeVersion: "latest",
		Resolver:       fake,
	})
	require.ErrorIs(t, err, layer.ErrConfiguration)
	require.Zero(t, fake.calls)
}

// TestRun_CleanRemovesPreviousArtifact drops the old artifact during reset.
func TestRun_CleanRemovesPreviousArtifact(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "nosuchpkg\n")
	require.NoError(t, os.MkdirAll(filepath.Dir(output), 0o755))
	require.NoError(t, os.WriteFile(output, []byte("previous"), 0o600))

	_, err := Run(context.Background(), &Options{
		Manifest: manifest,
		Output:   output,
		Clean:    true,
		Resolver: &fakeResolver{err: errors.New("boom")},
	})
	require.Error(t, err)

	_, err = os.Stat(output)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_StaleStagingTreeReset clears leftovers of an interrupted run in a fixed work dir.
func TestRun_StaleStagingTreeReset(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "pillow==10.0.0\n")
	workDir := t.TempDir()

	stale := filepath.Join(workDir, layer.ModuleSearchFolder, "stale", "leftover.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))

	fake := &fakeResolver{files: pillowFiles}

	_, err := Run(context.Background(), &Options{
		Manifest: manifest,
		Output:   output,
		WorkDir:  workDir,
		Resolver: fake,
	})
	require.NoError(t, err)
	require.Empty(t, fake.staging)

	info, err := archive.Inspect(output)
	require.NoError(t, err)

	for _, name := range info.Entries {
		require.False(t, strings.Contains(name, "leftover"), name)
	}
}

// TestRun_Idempotent builds twice and compares entry lists.
func TestRun_Idempotent(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "pillow==10.0.0\n")

	entries := make([][]string, 0, 2)

	for n := 0; n < 2; n++ {
		_, err := Run(context.Background(), &Options{
			Manifest: manifest,
			Output:   output,
			Resolver: &fakeResolver{files: pillowFiles},
		})
		require.NoError(t, err)

		info, err := archive.Inspect(output)
		require.NoError(t, err)

		entries = append(entries, info.Entries)
	}

	require.Equal(t, entries[0], entries[1])
}

// TestRun_ConcurrentReportsOwnArtifact reports each build's own archive when builds share an output path.
func TestRun_ConcurrentReportsOwnArtifact(t *testing.T) {
	t.Parallel()

	manifest, output := fixture(t, "pillow==10.0.0\n")

	const builds = 6

	var (
		wg       sync.WaitGroup
		expected = make([]int, builds)
		results  = make([]*layer.ArtifactMetadata, builds)
		errs     = make([]error, builds)
	)

	for i := 0; i < builds; i++ {
		i := i
		files := make(map[string]string, i+1)
		for j := 0; j < i+1; j++ {
			files[fmt.Sprintf("pkg%d/mod%d.py", i, j)] = strings.Repeat("x", (i+1)*100)
		}

		expected[i] = len(files)

		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i], errs[i] = Run(context.Background(), &Options{
				Manifest: manifest,
				Output:   output,
				Resolver: &fakeResolver{files: files},
			})
		}()
	}

	wg.Wait()

	for i := 0; i < builds; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, expected[i], results[i].Entries, "build %d", i)
		require.Equal(t, uint64(expected[i]*(i+1)*100), results[i].UncompressedSize, "build %d", i)
	}
}

// TestRun_UnknownProfile fails with a configuration error.
func TestRun_UnknownProfile(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), &Options{Profile: "gpu", Resolver: &fakeResolver{}})
	require.ErrorIs(t, err, layer.ErrConfiguration)
}
