package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/oshokin/layer-builder/internal/archive"
	"github.com/oshokin/layer-builder/internal/config"
	"github.com/oshokin/layer-builder/internal/domain/layer"
	"github.com/oshokin/layer-builder/internal/lock"
	"github.com/oshokin/layer-builder/internal/logger"
	"github.com/oshokin/layer-builder/internal/prune"
	"github.com/oshokin/layer-builder/internal/resolver"
)

// Options contains inputs for the builder entry point.
// Empty string fields and nil pointers fall back to the selected profile.
type Options struct {
	// ConfigPath is an optional path to the profiles YAML file.
	ConfigPath string
	// Profile names the profile to build (defaults to "default").
	Profile string
	// Manifest overrides the profile's requirements file.
	Manifest string
	// Output overrides the profile's archive path.
	Output string
	// Platform overrides the wheel platform tag.
	Platform string
	// RuntimeVersion overrides the interpreter version.
	RuntimeVersion string
	// Implementation overrides the interpreter implementation tag.
	Implementation string
	// Prune overrides whether size reduction runs.
	Prune *bool
	// WorkDir overrides the scratch directory.
	WorkDir string
	// Pip overrides the package manager executable.
	Pip string
	// Clean removes an existing artifact before staging instead of replacing it on success.
	Clean bool
	// Progress receives an archiving progress bar when set.
	Progress io.Writer
	// Resolver replaces the pip adapter built from the profile.
	Resolver resolver.Resolver
}

// builder runs one layer build. Callers use Run.
type builder struct {
	// profile holds the effective build parameters.
	profile *config.Profile
	// resolver installs the manifest into the staging tree.
	resolver resolver.Resolver
	// lockTimeout bounds the wait for a concurrent write to the same artifact.
	lockTimeout time.Duration
	// clean removes the previous artifact during reset.
	clean bool
	// progress receives the archive progress bar, may be nil.
	progress io.Writer

	// workDir is the scratch directory owning the staging tree.
	workDir string
	// ownsWorkDir is set when workDir was created by this run and is removed whole.
	ownsWorkDir bool
}

// Run resolves the effective profile and builds the layer:
// reset, stage, prune (optional), archive, report, cleanup.
func Run(ctx context.Context, opts *Options) (*layer.ArtifactMetadata, error) {
	ctx = logger.WithName(ctx, "layer-builder")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	profile, err := cfg.Profile(opts.Profile)
	if err != nil {
		return nil, err
	}

	applyOverrides(profile, opts)

	if err = profile.Validate(); err != nil {
		return nil, err
	}

	b := &builder{
		profile:     profile,
		resolver:    opts.Resolver,
		lockTimeout: cfg.LockTimeout,
		clean:       opts.Clean,
		progress:    opts.Progress,
	}

	if b.resolver == nil {
		b.resolver = resolver.NewPip(
			resolver.WithExecutable(profile.Pip),
			resolver.WithExtraArgs(profile.PipArgs...),
		)
	}

	profileName := opts.Profile
	if profileName == "" {
		profileName = config.DefaultProfile
	}

	ctx = logger.WithFields(ctx, "profile", profileName, "target", profile.Target().String())

	return b.Run(ctx)
}

// applyOverrides copies explicitly set options over the profile.
func applyOverrides(profile *config.Profile, opts *Options) {
	overrides := []struct {
		value string
		field *string
	}{
		{opts.Manifest, &profile.Manifest},
		{opts.Output, &profile.Output},
		{opts.Platform, &profile.Platform},
		{opts.RuntimeVersion, &profile.RuntimeVersion},
		{opts.Implementation, &profile.Implementation},
		{opts.WorkDir, &profile.WorkDir},
		{opts.Pip, &profile.Pip},
	}

	for _, o := range overrides {
		if o.value != "" {
			*o.field = o.value
		}
	}

	if opts.Prune != nil {
		profile.Prune = *opts.Prune
	}
}

// Run executes the build. The staging tree is removed on every exit path.
func (b *builder) Run(ctx context.Context) (*layer.ArtifactMetadata, error) {
	started := time.Now()

	if err := b.reset(ctx); err != nil {
		return nil, err
	}

	defer b.cleanup(ctx)

	manifest, stagingRoot, err := b.stage(ctx)
	if err != nil {
		return nil, err
	}

	metadata := &layer.ArtifactMetadata{
		Path:         b.profile.Output,
		Target:       b.profile.Target(),
		Requirements: len(manifest.Requirements),
	}

	if rules := b.profile.EffectivePruneRules(); len(rules) > 0 {
		var report *prune.Report

		report, err = b.prune(ctx, stagingRoot, rules)
		if err != nil {
			return nil, err
		}

		metadata.PrunedPaths = report.Removed
	}

	if err = b.archive(ctx, stagingRoot, metadata); err != nil {
		return nil, err
	}

	metadata.Duration = time.Since(started)

	logger.InfoKV(ctx, "Layer built",
		"path", metadata.Path,
		"compressed", humanize.IBytes(uint64(metadata.CompressedSize)),
		"uncompressed", humanize.IBytes(metadata.UncompressedSize),
		"entries", humanize.Comma(int64(metadata.Entries)),
		"duration", metadata.Duration.Round(time.Millisecond),
	)

	return metadata, nil
}

// reset prepares an empty scratch directory and, with clean set, drops the previous artifact.
func (b *builder) reset(ctx context.Context) error {
	if b.clean {
		if err := os.Remove(b.profile.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
			return layer.WriteError("remove previous artifact", err)
		}

		logger.DebugKV(ctx, "Removed previous artifact", "path", b.profile.Output)
	}

	if b.profile.WorkDir == "" {
		workDir, err := os.MkdirTemp("", "layer-builder-")
		if err != nil {
			return layer.WriteError("create scratch directory", err)
		}

		b.workDir = workDir
		b.ownsWorkDir = true

		return nil
	}

	b.workDir = filepath.Clean(b.profile.WorkDir)

	// A fixed scratch directory may hold a tree left by an interrupted run.
	if err := os.RemoveAll(b.stagingRoot()); err != nil {
		return layer.WriteError("remove stale staging tree", err)
	}

	return nil
}

// stagingRoot is the module-search folder inside the scratch directory.
func (b *builder) stagingRoot() string {
	return filepath.Join(b.workDir, layer.ModuleSearchFolder)
}

// stage validates the manifest and lets the resolver populate the staging tree.
func (b *builder) stage(ctx context.Context) (*layer.Manifest, string, error) {
	manifest, err := layer.ParseManifest(b.profile.Manifest)
	if err != nil {
		return nil, "", err
	}

	stagingRoot := b.stagingRoot()
	if err = os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, "", layer.WriteError("create staging tree", err)
	}

	logger.InfoKV(ctx, "Installing dependencies",
		"manifest", manifest.Path,
		"requirements", len(manifest.Requirements),
		"includes", len(manifest.Includes),
		"staging", stagingRoot,
	)

	if err = b.resolver.Resolve(ctx, manifest.Path, b.profile.Target(), stagingRoot); err != nil {
		return nil, "", err
	}

	return manifest, stagingRoot, nil
}

// prune applies the rule set to the staging tree.
func (b *builder) prune(ctx context.Context, stagingRoot string, rules []layer.PruneRule) (*prune.Report, error) {
	pruner, err := prune.Compile(rules)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Pruning staging tree", "rules", len(rules))

	report, err := pruner.Apply(ctx, stagingRoot)
	if err != nil {
		return nil, fmt.Errorf("prune staging tree: %w", err)
	}

	logger.InfoKV(ctx, "Pruned staging tree",
		"removed", report.Removed,
		"freed", humanize.IBytes(uint64(report.FreedBytes)),
		"unmatched_rules", len(report.Unmatched),
	)

	return report, nil
}

// archive writes the artifact and reads its sizes back while holding the
// output lock, so the report describes this build's archive.
func (b *builder) archive(ctx context.Context, stagingRoot string, metadata *layer.ArtifactMetadata) error {
	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()

	outputLock, err := lock.Acquire(lockCtx, b.profile.Output)
	if err != nil {
		return layer.WriteError("lock "+b.profile.Output, err)
	}

	defer func() {
		if err := outputLock.Release(); err != nil {
			logger.WarnKV(ctx, "Failed to release artifact lock", "error", err)
		}
	}()

	logger.InfoKV(ctx, "Writing artifact", "path", b.profile.Output)

	if _, err = archive.Write(ctx, stagingRoot, b.profile.Output, &archive.Options{Progress: b.progress}); err != nil {
		return err
	}

	return b.report(ctx, metadata)
}

// report fills sizes and the entry count from the written archive.
func (b *builder) report(ctx context.Context, metadata *layer.ArtifactMetadata) error {
	info, err := archive.Inspect(b.profile.Output)
	if err != nil {
		return fmt.Errorf("report artifact: %w", err)
	}

	metadata.CompressedSize = info.CompressedSize
	metadata.UncompressedSize = info.UncompressedSize
	metadata.Entries = len(info.Entries)

	if folders := info.TopLevelFolders(); len(folders) != 1 || folders[0] != layer.ModuleSearchFolder {
		logger.WarnKV(ctx, "Unexpected archive layout", "top_level", folders)
	}

	return nil
}

// cleanup removes the staging tree (or the whole scratch directory this run created).
func (b *builder) cleanup(ctx context.Context) {
	target := b.stagingRoot()
	if b.ownsWorkDir {
		target = b.workDir
	}

	if err := os.RemoveAll(target); err != nil {
		logger.WarnKV(ctx, "Failed to remove staging tree", "path", target, "error", err)
		return
	}

	logger.DebugKV(ctx, "Removed staging tree", "path", target)
}
