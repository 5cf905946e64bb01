package fdt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/protectedvm/fdtkit/internal/format"
)

// Tree is a device tree blob together with the buffer that holds it. The
// buffer capacity bounds how far the blob may grow; the header's total size
// records how much of it the blob currently claims.
//
// gen counts structure-relocating mutations. Handles capture it at creation
// and refuse to read once it moves on.
type Tree struct {
	buf []byte
	gen uint64
}

// FromSlice wraps buf as a device tree after a full structural validation:
// header sanity, block layout, memory reservation terminator, token
// well-formedness, nesting, string table references, and phandle uniqueness.
// The tree takes ownership of buf; the unused tail beyond the declared total
// size is growth headroom for mutations.
func FromSlice(buf []byte) (*Tree, error) {
	t := &Tree{buf: buf}
	if err := t.checkFull(); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateEmptyTree formats buf as a tree holding only an empty root node and
// returns it. The buffer is zeroed first; everything beyond the minimal blob
// is immediately available as growth headroom.
func CreateEmptyTree(buf []byte) (*Tree, error) {
	rsvOff := format.AlignUp(format.HeaderSize, format.MemRsvAlignment)
	structOff := rsvOff + format.MemRsvEntrySize
	structSize := 4 * format.TokenSize // BEGIN_NODE, empty name, END_NODE, END
	minSize := structOff + structSize
	if len(buf) < minSize {
		return nil, ErrNoSpace
	}
	for i := range buf {
		buf[i] = 0
	}

	h := format.HeaderView(buf)
	h.SetMagic(format.Magic)
	h.SetVersion(format.Version)
	h.SetLastCompVersion(format.LastCompVersion)
	h.SetTotalSize(len(buf))
	h.SetOffMemRsvmap(rsvOff)
	h.SetOffDtStruct(structOff)
	h.SetSizeDtStruct(structSize)
	h.SetOffDtStrings(structOff + structSize)
	h.SetSizeDtStrings(0)

	s := buf[structOff:]
	format.PutU32(s, 0, format.TokenBeginNode)
	// offset 4..8 is the empty root name plus padding, already zero
	format.PutU32(s, 8, format.TokenEndNode)
	format.PutU32(s, 12, format.TokenEnd)
	return &Tree{buf: buf}, nil
}

// Bytes returns the blob as currently laid out, trimmed to the declared
// total size. The slice aliases the tree's buffer.
func (t *Tree) Bytes() []byte {
	return t.buf[:t.TotalSize()]
}

// TotalSize returns the size the header claims for the blob.
func (t *Tree) TotalSize() int {
	return t.header().TotalSize()
}

// Capacity returns the size of the backing buffer, the hard ceiling for any
// growth.
func (t *Tree) Capacity() int {
	return len(t.buf)
}

// Generation returns the mutation generation. It changes whenever a
// mutation relocates structure block content.
func (t *Tree) Generation() uint64 {
	return t.gen
}

// BootCpuidPhys returns the booting CPU identifier from the header.
func (t *Tree) BootCpuidPhys() uint32 {
	return t.header().BootCpuidPhys()
}

func (t *Tree) header() format.Header {
	return format.HeaderView(t.buf)
}

// structBytes returns the structure block. Header offsets move during
// mutation, so this is re-derived on every access rather than cached.
func (t *Tree) structBytes() []byte {
	h := t.header()
	return t.buf[h.OffDtStruct() : h.OffDtStruct()+h.SizeDtStruct()]
}

func (t *Tree) stringsBytes() []byte {
	h := t.header()
	return t.buf[h.OffDtStrings() : h.OffDtStrings()+h.SizeDtStrings()]
}

// stringAt resolves a strings block offset to the NUL-terminated name
// starting there.
func (t *Tree) stringAt(off int) (string, error) {
	ss := t.stringsBytes()
	if off < 0 || off >= len(ss) {
		return "", ErrBadOffset
	}
	i := bytes.IndexByte(ss[off:], 0)
	if i < 0 {
		return "", ErrTruncated
	}
	return string(ss[off : off+i]), nil
}

// dataEnd is the offset one past the last byte the blob currently uses;
// the area [dataEnd, TotalSize) is free space for growth.
func (t *Tree) dataEnd() int {
	h := t.header()
	return h.OffDtStrings() + h.SizeDtStrings()
}

// ---- Node lookup ----

// Root returns a read-only handle on the root node.
func (t *Tree) Root() Node {
	return Node{t: t, off: 0, gen: t.gen}
}

// RootMut returns a mutable handle on the root node.
func (t *Tree) RootMut() NodeMut {
	return NodeMut{Node{t: t, off: 0, gen: t.gen}}
}

// Node resolves an absolute path to a read-only node handle. A path
// component without a unit address ("serial") matches a node with one
// ("serial@3f8") when the part before '@' is equal and no exact match
// exists earlier among the siblings.
func (t *Tree) Node(path string) (Node, error) {
	off, err := t.pathOffset(path)
	if err != nil {
		return Node{}, err
	}
	return Node{t: t, off: off, gen: t.gen}, nil
}

// NodeMut resolves an absolute path to a mutable node handle.
func (t *Tree) NodeMut(path string) (NodeMut, error) {
	off, err := t.pathOffset(path)
	if err != nil {
		return NodeMut{}, err
	}
	return NodeMut{Node{t: t, off: off, gen: t.gen}}, nil
}

// Chosen returns the /chosen node, or ErrNotFound.
func (t *Tree) Chosen() (Node, error) {
	return t.Node("/chosen")
}

// ChosenMut returns the /chosen node for mutation, or ErrNotFound.
func (t *Tree) ChosenMut() (NodeMut, error) {
	return t.NodeMut("/chosen")
}

// Memory returns an iterator over the (address, size) entries of the
// /memory node's reg property. The node must carry device_type = "memory".
func (t *Tree) Memory() (*RegIter, error) {
	n, err := t.Node("/memory")
	if err != nil {
		return nil, err
	}
	dt, err := n.PropString("device_type")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBadValue
		}
		return nil, err
	}
	if dt != "memory" {
		return nil, ErrBadValue
	}
	it, err := n.Reg()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBadValue
		}
		return nil, err
	}
	return it, nil
}

// FirstMemoryRange returns the first memory range listed by /memory.
func (t *Tree) FirstMemoryRange() (Range, error) {
	it, err := t.Memory()
	if err != nil {
		return Range{}, err
	}
	if !it.Next() {
		if err := it.Err(); err != nil {
			return Range{}, err
		}
		return Range{}, ErrNotFound
	}
	r := it.Reg()
	if !r.HasSize {
		return Range{}, ErrBadValue
	}
	return Range{Start: r.Addr, End: r.Addr + r.Size}, nil
}

// CompatibleNodes iterates nodes whose compatible property contains the
// given string, in document order.
func (t *Tree) CompatibleNodes(compatible string) *CompatibleIter {
	return &CompatibleIter{t: t, gen: t.gen, off: -1, compatible: compatible}
}

// NodeWithPhandle finds the node carrying the given phandle.
func (t *Tree) NodeWithPhandle(p Phandle) (Node, error) {
	off, err := t.offsetWithPhandle(p.Uint32())
	if err != nil {
		return Node{}, err
	}
	return Node{t: t, off: off, gen: t.gen}, nil
}

// NodeMutWithPhandle finds the node carrying the given phandle for mutation.
func (t *Tree) NodeMutWithPhandle(p Phandle) (NodeMut, error) {
	off, err := t.offsetWithPhandle(p.Uint32())
	if err != nil {
		return NodeMut{}, err
	}
	return NodeMut{Node{t: t, off: off, gen: t.gen}}, nil
}

// MaxPhandle returns the highest phandle value used in the tree.
func (t *Tree) MaxPhandle() (Phandle, error) {
	max, err := t.maxPhandleValue()
	if err != nil {
		return 0, err
	}
	return NewPhandle(max)
}

// maxPhandleValue scans every node; trees without phandles report zero.
func (t *Tree) maxPhandleValue() (uint32, error) {
	var max uint32
	off := -1
	for {
		next, err := t.nextNode(off, nil)
		if errors.Is(err, ErrNotFound) {
			return max, nil
		}
		if err != nil {
			return 0, err
		}
		off = next
		v, err := t.nodePhandleValue(off)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if v > max {
			max = v
		}
	}
}

func (t *Tree) offsetWithPhandle(want uint32) (int, error) {
	if want < format.MinPhandle || want > format.MaxPhandle {
		return 0, ErrBadPhandle
	}
	off := -1
	for {
		next, err := t.nextNode(off, nil)
		if err != nil {
			return 0, err // ErrNotFound once the walk ends
		}
		off = next
		v, err := t.nodePhandleValue(off)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if v == want {
			return off, nil
		}
	}
}

// nodePhandleValue reads the node's phandle cell, accepting the legacy
// linux,phandle spelling as a fallback.
func (t *Tree) nodePhandleValue(off int) (uint32, error) {
	val, _, err := t.propValueNamed(off, "phandle")
	if errors.Is(err, ErrNotFound) {
		val, _, err = t.propValueNamed(off, "linux,phandle")
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 4 {
		return 0, ErrBadValue
	}
	return format.ReadU32(val, 0), nil
}

// nodePhandle returns the node's phandle after range checking.
func (t *Tree) nodePhandle(off int) (Phandle, error) {
	v, err := t.nodePhandleValue(off)
	if err != nil {
		return 0, err
	}
	return NewPhandle(v)
}

// path reconstructs the absolute path of the node at off by walking the
// ancestor chain from the root.
func (t *Tree) path(off int) (string, error) {
	if off == 0 {
		return "/", nil
	}
	_, depth, err := t.supernodeAtDepth(off, 0)
	if err != nil {
		return "", err
	}
	var b []byte
	for d := 1; d <= depth; d++ {
		anc, _, err := t.supernodeAtDepth(off, d)
		if err != nil {
			return "", err
		}
		name, err := t.nodeNameAt(anc)
		if err != nil {
			return "", err
		}
		b = append(b, '/')
		b = append(b, name...)
	}
	return string(b), nil
}

// Pack relocates the sub-blocks into their canonical tight layout directly
// after the header and shrinks the declared total size to the bytes in use.
// NOP tombstones in the structure block are kept as-is. The freed tail of
// the buffer is zeroed.
func (t *Tree) Pack() error {
	old := t.TotalSize()
	if err := t.canonicalize(); err != nil {
		return err
	}
	end := t.dataEnd()
	t.header().SetTotalSize(end)
	for i := end; i < old; i++ {
		t.buf[i] = 0
	}
	t.gen++
	return nil
}

// Unpack opens the whole buffer capacity to the blob: blocks move to the
// canonical layout and the declared total size grows to the capacity, so
// that mutations have all remaining room to splice into. The reclaimed free
// area is zeroed.
func (t *Tree) Unpack() error {
	if err := t.canonicalize(); err != nil {
		return err
	}
	t.header().SetTotalSize(len(t.buf))
	for i := t.dataEnd(); i < len(t.buf); i++ {
		t.buf[i] = 0
	}
	t.gen++
	return nil
}

// canonicalize moves the memory reservation, structure, and strings blocks
// to their tight canonical offsets. Validation guarantees each block starts
// at or after its canonical position, so ascending moves never overlap
// destructively.
func (t *Tree) canonicalize() error {
	h := t.header()

	rsvSize, err := t.memRsvBlockSize()
	if err != nil {
		return err
	}
	rsvOff := format.AlignUp(format.HeaderSize, format.MemRsvAlignment)
	structOff := format.AlignUp(rsvOff+rsvSize, format.StructAlignment)
	strOff := structOff + h.SizeDtStruct()
	if strOff+h.SizeDtStrings() > len(t.buf) {
		return ErrNoSpace
	}
	// Validation guarantees blocks sit at or after their canonical spots,
	// so every move below shifts data toward the header and cannot clobber
	// bytes it has yet to read.
	if h.OffMemRsvmap() < rsvOff || h.OffDtStruct() < structOff || h.OffDtStrings() < strOff {
		return ErrBadLayout
	}

	copy(t.buf[rsvOff:rsvOff+rsvSize], t.buf[h.OffMemRsvmap():h.OffMemRsvmap()+rsvSize])
	copy(t.buf[structOff:structOff+h.SizeDtStruct()], t.buf[h.OffDtStruct():h.OffDtStruct()+h.SizeDtStruct()])
	copy(t.buf[strOff:strOff+h.SizeDtStrings()], t.buf[h.OffDtStrings():h.OffDtStrings()+h.SizeDtStrings()])
	h.SetOffMemRsvmap(rsvOff)
	h.SetOffDtStruct(structOff)
	h.SetOffDtStrings(strOff)
	return nil
}

// CopyFromSlice replaces the tree's content with another blob, which is
// validated first. The old content is zeroed where the new blob does not
// cover it. All outstanding handles become stale.
func (t *Tree) CopyFromSlice(src []byte) error {
	if len(src) > len(t.buf) {
		return ErrNoSpace
	}
	if _, err := FromSlice(append([]byte(nil), src...)); err != nil {
		return fmt.Errorf("fdt: source blob rejected: %w", err)
	}
	old := t.TotalSize()
	copy(t.buf, src)
	for i := len(src); i < old; i++ {
		t.buf[i] = 0
	}
	t.gen++
	return nil
}

// MemoryReservations returns the (address, size) pairs of the memory
// reservation block, excluding the zero terminator.
func (t *Tree) MemoryReservations() ([]MemReserveEntry, error) {
	h := t.header()
	off := h.OffMemRsvmap()
	var out []MemReserveEntry
	for {
		if off+format.MemRsvEntrySize > h.TotalSize() {
			return nil, ErrTruncated
		}
		addr := format.ReadU64(t.buf, off)
		size := format.ReadU64(t.buf, off+8)
		if addr == 0 && size == 0 {
			return out, nil
		}
		out = append(out, MemReserveEntry{Addr: addr, Size: size})
		off += format.MemRsvEntrySize
	}
}

// memRsvBlockSize measures the reservation block including its terminator.
func (t *Tree) memRsvBlockSize() (int, error) {
	entries, err := t.MemoryReservations()
	if err != nil {
		return 0, err
	}
	return (len(entries) + 1) * format.MemRsvEntrySize, nil
}

// MemReserveEntry is one memory reservation block entry.
type MemReserveEntry struct {
	Addr uint64
	Size uint64
}

// Range is a half-open address range.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the range length.
func (r Range) Len() uint64 { return r.End - r.Start }

// IsWithin reports whether r lies entirely inside outer.
func (r Range) IsWithin(outer Range) bool {
	return r.Start >= outer.Start && r.End <= outer.End && r.Start <= r.End
}

// Overlaps reports whether the two ranges share any address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}
