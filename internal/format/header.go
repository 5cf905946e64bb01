package format

import (
	"errors"
	"fmt"
)

// Header is a zero-copy view over the 40-byte FDT header at the start of the
// blob. All accessors read directly from h.raw; setters write back in place.
type Header struct {
	raw []byte // len >= HeaderSize
}

// HasMagic is a fast, zero-alloc check for the FDT magic value.
func HasMagic(b []byte) bool {
	if len(b) < MagicOffset+4 {
		return false
	}
	return ReadU32(b, MagicOffset) == Magic
}

// ParseHeader validates the magic value and returns a header view.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("format: buffer too small for FDT header (%d)", len(b))
	}
	if !HasMagic(b) {
		return Header{}, errors.New("format: bad FDT magic")
	}
	return Header{raw: b[:HeaderSize]}, nil
}

// HeaderView wraps a buffer as a header without checking the magic. Used when
// initializing a fresh blob.
func HeaderView(b []byte) Header {
	return Header{raw: b[:HeaderSize]}
}

// ---- Primitive field readers (no alloc) ----

// Raw returns the raw bytes of the header.
func (h Header) Raw() []byte { return h.raw }

// Magic returns the magic field.
func (h Header) Magic() uint32 { return ReadU32(h.raw, MagicOffset) }

// TotalSize returns the declared total size of the blob.
func (h Header) TotalSize() int { return int(ReadU32(h.raw, TotalSizeOffset)) }

// OffDtStruct returns the byte offset of the structure block.
func (h Header) OffDtStruct() int { return int(ReadU32(h.raw, OffDtStructOffset)) }

// OffDtStrings returns the byte offset of the strings block.
func (h Header) OffDtStrings() int { return int(ReadU32(h.raw, OffDtStringsOffset)) }

// OffMemRsvmap returns the byte offset of the memory reservation block.
func (h Header) OffMemRsvmap() int { return int(ReadU32(h.raw, OffMemRsvmapOffset)) }

// Version returns the blob version field.
func (h Header) Version() uint32 { return ReadU32(h.raw, VersionOffset) }

// LastCompVersion returns the last compatible version field.
func (h Header) LastCompVersion() uint32 { return ReadU32(h.raw, LastCompVersionOffset) }

// BootCpuidPhys returns the booting CPU identifier field.
func (h Header) BootCpuidPhys() uint32 { return ReadU32(h.raw, BootCpuidPhysOffset) }

// SizeDtStrings returns the size of the strings block.
func (h Header) SizeDtStrings() int { return int(ReadU32(h.raw, SizeDtStringsOffset)) }

// SizeDtStruct returns the size of the structure block.
func (h Header) SizeDtStruct() int { return int(ReadU32(h.raw, SizeDtStructOffset)) }

// ---- Field writers ----

// SetMagic writes the magic field.
func (h Header) SetMagic(v uint32) { PutU32(h.raw, MagicOffset, v) }

// SetTotalSize writes the total size field.
func (h Header) SetTotalSize(v int) { PutU32(h.raw, TotalSizeOffset, uint32(v)) }

// SetOffDtStruct writes the structure block offset.
func (h Header) SetOffDtStruct(v int) { PutU32(h.raw, OffDtStructOffset, uint32(v)) }

// SetOffDtStrings writes the strings block offset.
func (h Header) SetOffDtStrings(v int) { PutU32(h.raw, OffDtStringsOffset, uint32(v)) }

// SetOffMemRsvmap writes the memory reservation block offset.
func (h Header) SetOffMemRsvmap(v int) { PutU32(h.raw, OffMemRsvmapOffset, uint32(v)) }

// SetVersion writes the version field.
func (h Header) SetVersion(v uint32) { PutU32(h.raw, VersionOffset, v) }

// SetLastCompVersion writes the last compatible version field.
func (h Header) SetLastCompVersion(v uint32) { PutU32(h.raw, LastCompVersionOffset, v) }

// SetBootCpuidPhys writes the booting CPU identifier field.
func (h Header) SetBootCpuidPhys(v uint32) { PutU32(h.raw, BootCpuidPhysOffset, v) }

// SetSizeDtStrings writes the strings block size.
func (h Header) SetSizeDtStrings(v int) { PutU32(h.raw, SizeDtStringsOffset, uint32(v)) }

// SetSizeDtStruct writes the structure block size.
func (h Header) SetSizeDtStruct(v int) { PutU32(h.raw, SizeDtStructOffset, uint32(v)) }

// HeaderError classifies the specific header violation so the engine can map
// it onto its error taxonomy without re-parsing messages.
type HeaderError int

// Header violation categories.
const (
	HeaderOK HeaderError = iota
	HeaderBadMagic
	HeaderBadVersion
	HeaderTruncated
	HeaderBadLayout
	HeaderBadAlignment
)

func (e HeaderError) Error() string {
	switch e {
	case HeaderBadMagic:
		return "format: bad FDT magic"
	case HeaderBadVersion:
		return "format: unsupported FDT version"
	case HeaderTruncated:
		return "format: truncated FDT blob"
	case HeaderBadLayout:
		return "format: FDT sub-blocks in unsupported order"
	case HeaderBadAlignment:
		return "format: misaligned FDT sub-block"
	default:
		return "format: ok"
	}
}

// Validate performs a thorough header validation against a buffer of
// capacity bytes.
//
// Policy choices (conservative but practical):
//   - Magic must match.
//   - Version must be exactly 17 with last-comp <= 17: the read-write
//     operations rely on the version-17 bookkeeping.
//   - TotalSize must cover at least the header and must not exceed the
//     buffer capacity.
//   - Blocks must appear in the canonical order header, memory reservation,
//     structure, strings, each fully inside TotalSize.
//   - The reservation block must be 8-byte aligned, the structure block and
//     its size 4-byte aligned.
func (h Header) Validate(capacity int) HeaderError {
	if h.Magic() != Magic {
		return HeaderBadMagic
	}
	if h.Version() != Version || h.LastCompVersion() > Version {
		return HeaderBadVersion
	}

	total := h.TotalSize()
	if total < HeaderSize || total > capacity {
		return HeaderTruncated
	}

	rsvOff := h.OffMemRsvmap()
	structOff := h.OffDtStruct()
	structSize := h.SizeDtStruct()
	strOff := h.OffDtStrings()
	strSize := h.SizeDtStrings()

	if rsvOff%MemRsvAlignment != 0 || structOff%StructAlignment != 0 ||
		structSize%StructAlignment != 0 {
		return HeaderBadAlignment
	}
	if rsvOff < HeaderSize || structOff < rsvOff {
		return HeaderBadLayout
	}
	if structSize < 0 || structOff+structSize > total || structOff+structSize < structOff {
		return HeaderTruncated
	}
	if strOff < structOff+structSize {
		return HeaderBadLayout
	}
	if strSize < 0 || strOff+strSize > total || strOff+strSize < strOff {
		return HeaderTruncated
	}
	return HeaderOK
}
