// Package resolver isolates the external package manager behind the Resolver interface.
//
// Pip is the only adapter: it installs a requirements file for a foreign
// platform into a target directory and turns a non-zero exit into a
// layer.DependencyResolutionError carrying pip's stderr.
package resolver
