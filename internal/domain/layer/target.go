package layer

import (
	"regexp"
	"strings"
)

const (
	// ModuleSearchFolder is the top-level folder the function runtime adds to its import path.
	ModuleSearchFolder = "python"

	// DefaultRuntimeVersion is the interpreter version packages are resolved for.
	DefaultRuntimeVersion = "3.12"
	// DefaultPlatform is the binary platform tag of the function runtime.
	DefaultPlatform = "manylinux2014_aarch64"
	// DefaultImplementation is the interpreter implementation tag (CPython).
	DefaultImplementation = "cp"
)

// runtimeVersionPattern accepts "3", "3.12" and "312".
var runtimeVersionPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

// Target describes the platform the layer is built for.
type Target struct {
	// RuntimeVersion is the interpreter version, e.g. "3.12".
	RuntimeVersion string
	// Platform is the wheel platform tag, e.g. "manylinux2014_aarch64".
	Platform string
	// Implementation is the interpreter implementation tag, e.g. "cp".
	Implementation string
	// BinaryOnly restricts resolution to prebuilt wheels.
	BinaryOnly bool
}

// DefaultTarget returns the arm64 / Python 3.12 target.
func DefaultTarget() Target {
	return Target{
		RuntimeVersion: DefaultRuntimeVersion,
		Platform:       DefaultPlatform,
		Implementation: DefaultImplementation,
		BinaryOnly:     true,
	}
}

// WithDefaults fills empty fields from DefaultTarget. BinaryOnly is left as is.
func (t Target) WithDefaults() Target {
	defaults := DefaultTarget()

	if t.RuntimeVersion == "" {
		t.RuntimeVersion = defaults.RuntimeVersion
	}

	if t.Platform == "" {
		t.Platform = defaults.Platform
	}

	if t.Implementation == "" {
		t.Implementation = defaults.Implementation
	}

	return t
}

// Validate checks that every field is usable on a package-manager command line.
func (t Target) Validate() error {
	if !runtimeVersionPattern.MatchString(t.RuntimeVersion) {
		return ConfigError("invalid runtime version "+quote(t.RuntimeVersion), nil)
	}

	if t.Platform == "" || strings.ContainsAny(t.Platform, " \t/\\") {
		return ConfigError("invalid platform "+quote(t.Platform), nil)
	}

	if t.Implementation == "" || strings.ContainsAny(t.Implementation, " \t/\\") {
		return ConfigError("invalid implementation "+quote(t.Implementation), nil)
	}

	return nil
}

// String renders the target as "cp3.12-manylinux2014_aarch64".
func (t Target) String() string {
	return t.Implementation + t.RuntimeVersion + "-" + t.Platform
}

func quote(s string) string {
	return `"` + s + `"`
}
