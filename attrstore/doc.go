// Package attrstore implements the variable-length attribute and version
// store.
//
// attributes.dat is append-only: every Put writes a new framed record
// (length prefix, CRC32, optional lz4 block compression) whose envelope
// links back to the previous version's offset. Version history is therefore
// a backward offset chain; the blake3 content hash over the canonical
// record encoding is computed at write time and travels with the envelope.
package attrstore
