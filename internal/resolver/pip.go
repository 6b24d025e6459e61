package resolver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/oshokin/layer-builder/internal/domain/layer"
	"github.com/oshokin/layer-builder/internal/logger"
)

// Resolver installs every requirement of a manifest for a target into dest.
type Resolver interface {
	Resolve(ctx context.Context, manifestPath string, target layer.Target, dest string) error
}

// DefaultPipExecutable is looked up in PATH when no explicit executable is configured.
const DefaultPipExecutable = "pip"

// Pip resolves manifests by running `pip install --target`.
type Pip struct {
	// executable is the pip binary (name or path).
	executable string
	// extraArgs are appended after the generated arguments.
	extraArgs []string
}

// Option configures the pip adapter.
type Option func(*Pip)

// WithExecutable overrides the pip binary, e.g. "pip3.12" or an absolute path.
func WithExecutable(executable string) Option {
	return func(p *Pip) {
		if executable != "" {
			p.executable = executable
		}
	}
}

// WithExtraArgs appends raw arguments, e.g. "--index-url".
func WithExtraArgs(args ...string) Option {
	return func(p *Pip) {
		p.extraArgs = append(p.extraArgs, args...)
	}
}

// NewPip returns a pip adapter.
func NewPip(opts ...Option) *Pip {
	p := &Pip{executable: DefaultPipExecutable}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Args returns the pip arguments used for the given manifest, target and destination.
func (p *Pip) Args(manifestPath string, target layer.Target, dest string) []string {
	args := []string{
		"install",
		"--requirement", manifestPath,
		"--target", dest,
		"--platform", target.Platform,
		"--implementation", target.Implementation,
		"--python-version", target.RuntimeVersion,
		"--upgrade",
		"--no-input",
		"--disable-pip-version-check",
	}

	if target.BinaryOnly {
		args = append(args, "--only-binary=:all:")
	}

	return append(args, p.extraArgs...)
}

// Resolve runs pip and waits for it to exit.
// Stdout is streamed to the debug log, stderr is captured for the returned error.
func (p *Pip) Resolve(ctx context.Context, manifestPath string, target layer.Target, dest string) error {
	executable, err := exec.LookPath(p.executable)
	if err != nil {
		return layer.ConfigError("package manager "+p.executable+" not found", err)
	}

	args := p.Args(manifestPath, target, dest)
	commandLine := p.executable + " " + strings.Join(args, " ")

	logger.DebugKV(ctx, "Running package manager", "command", commandLine)

	//nolint:gosec // Arguments are built from validated configuration.
	cmd := exec.CommandContext(ctx, executable, args...)

	var stderr bytes.Buffer

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pip stdout: %w", err)
	}

	cmd.Stderr = &stderr

	if err = cmd.Start(); err != nil {
		return layer.ConfigError("start "+p.executable, err)
	}

	// Stdout must be drained before Wait closes the pipe.
	streamLines(ctx, stdout)

	if err = cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("pip interrupted: %w", ctxErr)
		}

		exitCode := -1

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		return &layer.DependencyResolutionError{
			Command:  commandLine,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}

	return nil
}

// maxLogLine bounds a single logged line of package manager output.
const maxLogLine = 1 << 20

// streamLines copies r into the debug log line by line and drains it to EOF,
// even past a line longer than maxLogLine, so the child never blocks on write.
func streamLines(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLogLine)

	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Debug(ctx, line)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.DebugKV(ctx, "Package manager output not logged", "error", err)
	}

	_, _ = io.Copy(io.Discard, r)
}
