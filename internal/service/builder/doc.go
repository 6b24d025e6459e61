// Package builder assembles a function runtime layer.
//
// It installs a requirements file for a foreign platform into a staging
// tree rooted at the runtime's module-search folder ("python"), optionally
// prunes it, zips it into the configured artifact and reports its size.
// The staging tree is removed on every exit path; the artifact is only
// replaced once a complete archive exists.
//
// Concurrent builds are safe: each run stages in its own scratch directory
// unless a fixed one is configured, and writes to the same artifact path
// are serialized through a lock file.
package builder
