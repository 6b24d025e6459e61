// Package resolvertest provides a fake pip executable for tests.
package resolvertest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// MissingPackage makes the fake pip fail the way pip does for an unknown distribution.
const MissingPackage = "nosuchpkg"

// WriteFakePip writes a shell script that behaves like `pip install --target`:
// it creates files (relative to --target) and exits 0, unless the requirements
// file mentions MissingPackage, in which case it prints pip's error to stderr
// and exits 1. The received arguments are saved next to the script as <script>.args.
//
// Tests that execute the script must not run in parallel with other tests
// writing executables, or exec may fail with ETXTBSY.
func WriteFakePip(t *testing.T, dir string, files map[string]string) string {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	sort.Strings(names)

	var b strings.Builder

	b.WriteString(`#!/bin/sh
echo "$@" > "$0.args"
target=""
req=""
while [ $# -gt 0 ]; do
  case "$1" in
    --target) target="$2"; shift 2 ;;
    --requirement) req="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "Collecting packages from $req"
if grep -q '` + MissingPackage + `' "$req"; then
  echo "ERROR: Could not find a version that satisfies the requirement ` + MissingPackage + `" >&2
  echo "ERROR: No matching distribution found for ` + MissingPackage + `" >&2
  exit 1
fi
`)

	for _, name := range names {
		path := `"$target"/` + shellQuote(filepath.ToSlash(name))

		b.WriteString(`mkdir -p "$(dirname ` + path + `)"` + "\n")
		b.WriteString(`printf '%s' ` + shellQuote(files[name]) + ` > ` + path + "\n")
	}

	b.WriteString("echo \"Successfully installed packages\"\n")

	script := filepath.Join(dir, "pip")

	//nolint:gosec // The fake must be executable.
	require.NoError(t, os.WriteFile(script, []byte(b.String()), 0o755))

	return script
}

// ReadArgs returns the arguments the fake pip received on its last run.
func ReadArgs(t *testing.T, script string) string {
	t.Helper()

	data, err := os.ReadFile(script + ".args")
	require.NoError(t, err)

	return strings.TrimSpace(string(data))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
