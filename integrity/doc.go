// Package integrity verifies container health and analyzes rollbacks.
//
// Verification runs four checks per container: content-hash recomputation,
// orphaned structural references, dangling relations, and a codec
// reconstruction round trip. Recomputable findings (child-count drift,
// unflagged dangling relations) can be repaired automatically through a
// Repairer; everything else is reported and logged. A Scanner sweeps the
// whole live-id set with bounded concurrency and a rate limit.
package integrity
