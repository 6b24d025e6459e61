// Package layer contains the core types of a layer build.
//
// It defines the Manifest read from a requirements file, the Target a
// layer is resolved for, the PruneRule set used for size reduction, the
// ArtifactMetadata a build reports and the error taxonomy shared by every
// build stage (ErrConfiguration, ErrDependencyResolution, ErrArtifactWrite).
package layer
