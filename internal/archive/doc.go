// Package archive turns a staging tree into the zip artifact of a layer and reads it back.
//
// Writes go through a pending file that is atomically renamed into place,
// so the output path only ever holds a complete archive.
package archive
