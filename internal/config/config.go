package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/layer-builder/internal/domain/layer"
)

// Config holds the named build profiles.
type Config struct {
	// Profiles maps a profile name to its build parameters.
	Profiles map[string]*Profile `yaml:"profiles"`
	// LockTimeout bounds the wait for another build writing the same artifact.
	LockTimeout time.Duration `yaml:"lock_timeout,omitempty"`
}

// Profile is one named layer configuration: what to install, for which
// target, where to write it and whether to prune.
type Profile struct {
	// Manifest is the path to the requirements file.
	Manifest string `yaml:"manifest"`
	// Output is the path of the produced archive.
	Output string `yaml:"output"`
	// RuntimeVersion is the interpreter version packages are resolved for.
	RuntimeVersion string `yaml:"runtime_version,omitempty"`
	// Platform is the wheel platform tag.
	Platform string `yaml:"platform,omitempty"`
	// Implementation is the interpreter implementation tag.
	Implementation string `yaml:"implementation,omitempty"`
	// AllowSource lets pip fall back to source distributions.
	AllowSource bool `yaml:"allow_source,omitempty"`
	// Prune enables size reduction.
	Prune bool `yaml:"prune,omitempty"`
	// PruneRules replaces the default rule set when Prune is enabled.
	PruneRules []layer.PruneRule `yaml:"prune_rules,omitempty"`
	// Pip is the package manager executable.
	Pip string `yaml:"pip,omitempty"`
	// PipArgs are appended to the pip command line.
	PipArgs []string `yaml:"pip_args,omitempty"`
	// WorkDir is a fixed scratch directory; a fresh temporary one is used when empty.
	WorkDir string `yaml:"work_dir,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for build profiles.
	DefaultConfigFilename = "layer-builder.yaml"

	// DefaultProfile is used when no profile is named.
	DefaultProfile = "default"

	// SlimProfile is the built-in profile with pruning enabled.
	SlimProfile = "slim"

	// DefaultManifest is the requirements file used by the built-in profiles.
	DefaultManifest = "requirements.txt"

	// DefaultOutput is the archive written by the default profile.
	DefaultOutput = "layer.zip"

	// DefaultLockTimeout bounds the wait for a concurrent artifact write.
	DefaultLockTimeout = 2 * time.Minute

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errUnknownProfile is returned for a profile name absent from the configuration.
	errUnknownProfile = errors.New("unknown profile")
)

// Builtin returns the profiles available without a config file.
func Builtin() *Config {
	return &Config{
		Profiles: map[string]*Profile{
			DefaultProfile: {
				Manifest: DefaultManifest,
				Output:   DefaultOutput,
			},
			SlimProfile: {
				Manifest: DefaultManifest,
				Output:   "layer-slim.zip",
				Prune:    true,
			},
		},
		LockTimeout: DefaultLockTimeout,
	}
}

// Load reads profiles from path and merges them over the built-in ones.
// A missing file at the default location yields the built-in profiles;
// a missing file named explicitly is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	cfg := Builtin()

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return nil, layer.ConfigError("read settings", err)
	}

	var fromFile Config
	if err = yaml.Unmarshal(contents, &fromFile); err != nil {
		return nil, layer.ConfigError("unmarshal settings", err)
	}

	for name, profile := range fromFile.Profiles {
		cfg.Profiles[name] = profile
	}

	if fromFile.LockTimeout > 0 {
		cfg.LockTimeout = fromFile.LockTimeout
	}

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks every profile and fills defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if len(cfg.Profiles) == 0 {
		return layer.ConfigError("no profiles configured", nil)
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	for name, profile := range cfg.Profiles {
		if profile == nil {
			return layer.ConfigError("profile "+name+" is empty", nil)
		}

		if err := profile.Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
	}

	return nil
}

// Validate checks required fields, the target and the prune rules.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Manifest) == "" {
		return layer.ConfigError("manifest path must be provided", nil)
	}

	if strings.TrimSpace(p.Output) == "" {
		return layer.ConfigError("output path must be provided", nil)
	}

	if info, err := os.Stat(p.Output); err == nil && info.IsDir() {
		return layer.ConfigError("output path "+p.Output+" is a directory", nil)
	}

	if err := p.Target().Validate(); err != nil {
		return err
	}

	for _, rule := range p.PruneRules {
		if err := rule.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Target returns the layer target described by the profile, with defaults applied.
func (p *Profile) Target() layer.Target {
	return layer.Target{
		RuntimeVersion: p.RuntimeVersion,
		Platform:       p.Platform,
		Implementation: p.Implementation,
		BinaryOnly:     !p.AllowSource,
	}.WithDefaults()
}

// EffectivePruneRules returns nil when pruning is off, the custom rules
// when set, and the default rule set otherwise.
func (p *Profile) EffectivePruneRules() []layer.PruneRule {
	if !p.Prune {
		return nil
	}

	if len(p.PruneRules) > 0 {
		return p.PruneRules
	}

	return layer.DefaultPruneRules()
}

// Profile returns a copy of the named profile, or the default one when name is empty.
func (c *Config) Profile(name string) (*Profile, error) {
	if name == "" {
		name = DefaultProfile
	}

	profile, ok := c.Profiles[name]
	if !ok || profile == nil {
		return nil, layer.ConfigError(
			fmt.Sprintf("profile %q (known: %s)", name, strings.Join(c.ProfileNames(), ", ")),
			errUnknownProfile,
		)
	}

	cloned := *profile
	cloned.PruneRules = append([]layer.PruneRule(nil), profile.PruneRules...)
	cloned.PipArgs = append([]string(nil), profile.PipArgs...)

	return &cloned, nil
}

// ProfileNames returns the profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
