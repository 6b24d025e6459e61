package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/oshokin/layer-builder/internal/config"
	"github.com/oshokin/layer-builder/internal/domain/layer"
	"github.com/oshokin/layer-builder/internal/logger"
	"github.com/oshokin/layer-builder/internal/service/builder"
	"github.com/oshokin/layer-builder/internal/version"
)

var (
	// configPath to the profiles YAML file; empty means the default location.
	configPath string

	// logLevel is the minimal level written to stderr.
	logLevel string

	// progress enables the archiving progress bar on stderr.
	progress bool

	// buildOptions collects flag values for the builder.
	buildOptions = new(builder.Options)

	// prune is copied into buildOptions only when the flag was given.
	prune bool

	// rootCmd represents the base command that builds a layer.
	rootCmd = &cobra.Command{
		Use:   "layer-builder",
		Short: "Build a zipped Python dependency layer for a function runtime",
		Long: "Install the packages listed in a requirements file for a target platform,\n" +
			"optionally prune tests and bytecode, and zip the result under python/.",
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := *buildOptions
			options.ConfigPath = configPath

			if cmd.Flags().Changed("prune") {
				options.Prune = &prune
			}

			if progress {
				options.Progress = cmd.ErrOrStderr()
			}

			metadata, err := builder.Run(ctx, &options)
			if err != nil {
				return err
			}

			return printSummary(cmd.OutOrStdout(), metadata)
		},
	}
)

// Execute runs the layer-builder CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging applies the --log-level flag to the global logger.
func setupLogging(_ *cobra.Command, _ []string) error {
	level, ok := logger.ParseLogLevel(logLevel)
	if !ok {
		return layer.ConfigError(fmt.Sprintf("unknown log level %q", logLevel), nil)
	}

	logger.SetLevel(level)

	return nil
}

// printSummary writes the artifact report to w.
func printSummary(w io.Writer, metadata *layer.ArtifactMetadata) error {
	_, err := fmt.Fprintf(w,
		"Layer:        %s\nTarget:       %s\nSize:         %s (%s uncompressed)\nEntries:      %s\nPruned paths: %d\nDuration:     %s\n",
		metadata.Path,
		metadata.Target,
		humanize.IBytes(uint64(metadata.CompressedSize)),
		humanize.IBytes(metadata.UncompressedSize),
		humanize.Comma(int64(metadata.Entries)),
		metadata.PrunedPaths,
		metadata.Duration.Round(time.Millisecond),
	)

	return err
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	persistent := rootCmd.PersistentFlags()
	persistent.StringVarP(&configPath, "config", "c", "", "path to profiles file (default "+config.DefaultConfigFilename+" if present)")
	persistent.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	flags := rootCmd.Flags()
	flags.StringVarP(&buildOptions.Profile, "profile", "P", config.DefaultProfile, "profile to build")
	flags.StringVarP(&buildOptions.Manifest, "manifest", "m", "", "requirements file (overrides profile)")
	flags.StringVarP(&buildOptions.Output, "output", "o", "", "archive path (overrides profile)")
	flags.StringVar(&buildOptions.Platform, "platform", "", "wheel platform tag, e.g. "+layer.DefaultPlatform)
	flags.StringVar(&buildOptions.RuntimeVersion, "runtime-version", "", "interpreter version, e.g. "+layer.DefaultRuntimeVersion)
	flags.StringVar(&buildOptions.Implementation, "implementation", "", "interpreter implementation tag, e.g. "+layer.DefaultImplementation)
	flags.StringVar(&buildOptions.WorkDir, "work-dir", "", "fixed scratch directory (default: fresh temporary directory)")
	flags.StringVar(&buildOptions.Pip, "pip", "", "pip executable (default: pip)")
	flags.BoolVar(&prune, "prune", false, "remove tests, caches and bytecode before archiving")
	flags.BoolVar(&buildOptions.Clean, "clean", false, "delete an existing artifact before building")
	flags.BoolVar(&progress, "progress", false, "show an archiving progress bar on stderr")

	rootCmd.AddCommand(profilesCmd)
}
