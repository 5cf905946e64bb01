// Package format houses the low-level decoders for the flattened device tree
// (FDT) binary format. The goal is to keep the parsing focused,
// allocation-free where possible, and independent from the public API so
// higher-level packages can orchestrate the data in a more ergonomic form.
package format

const (
	// Magic is the big-endian value at the start of every device tree blob.
	Magic = 0xd00dfeed

	// HeaderSize is the size of the fixed FDT header in bytes.
	HeaderSize = 40

	// Version is the blob version this library reads and writes. Read-write
	// operations require exactly this version; the layout of earlier
	// versions differs in the strings/struct bookkeeping.
	Version = 17

	// LastCompVersion is the oldest version the produced blobs remain
	// compatible with.
	LastCompVersion = 16

	// Header field offsets. All fields are big-endian uint32.
	MagicOffset           = 0x00
	TotalSizeOffset       = 0x04
	OffDtStructOffset     = 0x08
	OffDtStringsOffset    = 0x0C
	OffMemRsvmapOffset    = 0x10
	VersionOffset         = 0x14
	LastCompVersionOffset = 0x18
	BootCpuidPhysOffset   = 0x1C
	SizeDtStringsOffset   = 0x20
	SizeDtStructOffset    = 0x24

	// Structure block tokens.
	TokenBeginNode = 0x1
	TokenEndNode   = 0x2
	TokenProp      = 0x3
	TokenNop       = 0x4
	TokenEnd       = 0x9

	// TokenSize is the width of one structure token.
	TokenSize = 4

	// PropHeaderSize is the length and name-offset pair preceding every
	// property value (the token itself not included).
	PropHeaderSize = 8

	// StructAlignment is the required alignment of the structure block and
	// of every token within it.
	StructAlignment = 4

	// MemRsvAlignment is the required alignment of the memory reservation
	// block, whose entries are (u64 address, u64 size) pairs.
	MemRsvAlignment = 8

	// MemRsvEntrySize is the size of one reservation entry.
	MemRsvEntrySize = 16

	// MinPhandle and MaxPhandle bound the valid phandle range. 0 and
	// 0xffffffff are reserved.
	MinPhandle = 1
	MaxPhandle = 0xfffffffe

	// MaxNameLen caps node and property name scans so a corrupt blob cannot
	// drag an unterminated-string search across the whole buffer.
	MaxNameLen = 255
)
