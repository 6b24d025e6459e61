// Package prune shrinks a staging tree by deleting paths that match glob rules.
package prune
