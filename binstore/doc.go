// Package binstore implements the durable, mmap-friendly binary store for
// structural records and children segments.
//
// Two files live under the data directory: structural.dat, a fixed-stride
// array of 32-byte records indexed directly by container id, and
// children.dat, an append-only file of child-id segments referenced by
// (offset, capacity). Child lists grow by appending a doubled segment and
// retiring the old one; retired segments remain readable until Compact
// rewrites the file, so snapshot readers never observe reclaimed bytes.
package binstore
