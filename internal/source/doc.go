// Package source makes sure a working copy of the project is on disk and
// finds its module root.
//
// Ownership boundary:
// - clone of the canonical remote when no working copy is found
//
// - ordered module-root probing by marker file
package source
