package binstore

import "errors"

const (
	// StructuralMagic identifies the structural header file (ASCII: "FCS1").
	StructuralMagic = 0x46435331
	// ChildrenMagic identifies the children segment file (ASCII: "FCC1").
	ChildrenMagic = 0x46434331

	// FormatVersion is the current file format version (v1.0.0).
	FormatVersion = 0x00010000

	// FileHeaderSize is the fixed preamble of both files.
	FileHeaderSize = 16

	// RecordSize is the fixed stride of a structural record.
	RecordSize = 32
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported format version")
	ErrCorruptRecord  = errors.New("corrupt structural record")
	ErrNotFound       = errors.New("container not found")
	ErrIDExhausted    = errors.New("container id space exhausted")
)

// File preamble layout (little-endian, 16 bytes):
//
//	[0:4]   magic
//	[4:8]   format version
//	[8:16]  reserved
//
// Structural record layout within its 32-byte stride (little-endian):
//
//	[0:8]   parent_id
//	[8:16]  children_offset
//	[16:20] version
//	[20:24] child_count
//	[24:28] children_capacity
//	[28:32] flags
//
// The container id is not stored: ids are allocated densely and map 1:1 to
// record slots (id == slot+1), which keeps the stride at 32 bytes and makes
// reads pure offset arithmetic. Tombstoned ids keep their slot forever; the
// flags word marks them.
const (
	recFlagTombstone = 1 << 0
)
