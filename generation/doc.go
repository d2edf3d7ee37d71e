// Package generation implements snapshot isolation for the container fabric.
//
// A monotonic generation counter identifies each committed state. The writer
// stages mutations in a transaction overlay and publishes them by swapping a
// single pointer to the next table; readers pin the current view with a
// lock-free refcount and keep resolving through it for the whole operation.
// Superseded views are reclaimed epoch-style, once their last pin drops.
package generation
