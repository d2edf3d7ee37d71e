// Package commitlog provides the append-only mutation log that guards the
// binary store's in-place header rewrites. Every mutation is logged (CRC32
// framed, optionally zstd compressed) before the structural file is touched;
// replay on open re-applies anything the stores may have lost to a crash.
package commitlog
