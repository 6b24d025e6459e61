package layer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration covers a bad or missing manifest, output path, target or prune rule.
	ErrConfiguration = errors.New("configuration error")
	// ErrDependencyResolution means the package manager could not satisfy the manifest for the target.
	ErrDependencyResolution = errors.New("dependency resolution error")
	// ErrArtifactWrite covers I/O failures while producing the archive.
	ErrArtifactWrite = errors.New("artifact write error")
)

// DependencyResolutionError carries the diagnostic output of a failed package-manager run.
type DependencyResolutionError struct {
	// Command is the executed command line, for diagnostics only.
	Command string
	// ExitCode is the process exit code, or -1 if the process did not exit normally.
	ExitCode int
	// Stderr is the captured diagnostic output of the package manager.
	Stderr string
	// Err is the underlying exec error.
	Err error
}

// Error implements error.
func (e *DependencyResolutionError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: %s exited with code %d", ErrDependencyResolution, e.Command, e.ExitCode)

	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		b.WriteString(":\n")
		b.WriteString(stderr)
	}

	return b.String()
}

// Is reports whether target is ErrDependencyResolution.
func (e *DependencyResolutionError) Is(target error) bool {
	return target == ErrDependencyResolution
}

// Unwrap returns the underlying exec error.
func (e *DependencyResolutionError) Unwrap() error {
	return e.Err
}

// ConfigError wraps err (or a plain message when err is nil) as an ErrConfiguration.
func ConfigError(message string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrConfiguration, message)
	}

	return fmt.Errorf("%w: %s: %w", ErrConfiguration, message, err)
}

// WriteError wraps err as an ErrArtifactWrite.
func WriteError(message string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrArtifactWrite, message, err)
}
