// Package lock serializes writes to the same artifact path across processes
// with a PID-stamped lock file. Locks whose owner process no longer exists
// are reclaimed automatically.
package lock
