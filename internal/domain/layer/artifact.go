package layer

import "time"

// ArtifactMetadata is what a successful build reports about the produced archive.
type ArtifactMetadata struct {
	// Path is where the archive was written.
	Path string
	// Target is the platform the layer was built for.
	Target Target
	// CompressedSize is the archive size on disk in bytes.
	CompressedSize int64
	// UncompressedSize is the sum of the uncompressed sizes of all entries.
	UncompressedSize uint64
	// Entries is the number of files stored in the archive.
	Entries int
	// Requirements is the number of manifest entries handed to the package manager.
	Requirements int
	// PrunedPaths counts paths removed by prune rules (a removed directory counts once).
	PrunedPaths int
	// Duration is the wall-clock time of the whole build.
	Duration time.Duration
}
