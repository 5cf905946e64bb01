package fdt

import (
	"fmt"

	"github.com/protectedvm/fdtkit/internal/format"
)

// checkFull validates the whole blob before a Tree is handed out. Nothing
// the engine does afterwards re-validates from scratch, so this pass has to
// establish every invariant the accessors rely on:
//
//   - header fields, block order, and alignment
//   - memory reservation block terminated before the structure block
//   - structure block: known tokens only, root at offset zero, balanced
//     nesting, exactly one END at the very end
//   - properties precede subnodes within a node (the splice-based insertion
//     points depend on this ordering)
//   - every property name offset resolves inside the strings block
//   - phandle values are in range and unique
func (t *Tree) checkFull() error {
	if err := t.checkHeader(); err != nil {
		return err
	}
	if err := t.checkMemRsv(); err != nil {
		return err
	}
	return t.checkStructure()
}

func (t *Tree) checkHeader() error {
	if len(t.buf) < format.HeaderSize {
		return ErrTruncated
	}
	switch t.header().Validate(len(t.buf)) {
	case format.HeaderOK:
		return nil
	case format.HeaderBadMagic:
		return ErrBadMagic
	case format.HeaderBadVersion:
		return ErrBadVersion
	case format.HeaderTruncated:
		return ErrTruncated
	case format.HeaderBadLayout:
		return ErrBadLayout
	default:
		return ErrAlignment
	}
}

// checkMemRsv scans for the zero terminator entry, which must appear before
// the structure block begins.
func (t *Tree) checkMemRsv() error {
	h := t.header()
	off := h.OffMemRsvmap()
	for {
		if off+format.MemRsvEntrySize > h.OffDtStruct() {
			return ErrTruncated
		}
		if format.ReadU64(t.buf, off) == 0 && format.ReadU64(t.buf, off+8) == 0 {
			return nil
		}
		off += format.MemRsvEntrySize
	}
}

func (t *Tree) checkStructure() error {
	s := t.structBytes()
	if len(s) < 4*format.TokenSize {
		return ErrTruncated
	}
	if format.ReadU32(s, 0) != format.TokenBeginNode {
		return ErrBadStructure
	}

	// seenChild[d] records whether the node at depth d already has a
	// subnode, which makes any later property at that depth a layout the
	// read-write code cannot handle.
	var seenChild []bool
	phandles := make(map[uint32]bool)
	depth := 0
	off := 0
	sawEnd := false
	for {
		tag, next, err := t.nextTag(off)
		if err != nil {
			return err
		}
		switch tag {
		case format.TokenBeginNode:
			if sawEnd || (depth == 0 && off != 0) {
				return ErrBadStructure
			}
			if depth > 0 {
				seenChild[depth-1] = true
			}
			seenChild = append(seenChild[:depth], false)
			depth++
		case format.TokenEndNode:
			if depth == 0 {
				return ErrBadStructure
			}
			depth--
		case format.TokenProp:
			if depth == 0 {
				return ErrBadStructure
			}
			if seenChild[depth-1] {
				return ErrBadLayout
			}
			if err := t.checkProp(off, phandles); err != nil {
				return err
			}
		case format.TokenNop:
		case format.TokenEnd:
			if depth != 0 {
				return ErrBadStructure
			}
			sawEnd = true
		}
		off = next
		if sawEnd {
			if off != len(s) {
				return ErrBadStructure
			}
			return nil
		}
		if off >= len(s) {
			return ErrTruncated
		}
	}
}

// checkProp verifies the name reference and, for phandle properties, value
// range and tree-wide uniqueness.
func (t *Tree) checkProp(propOff int, phandles map[uint32]bool) error {
	nameOff, val, err := t.propAt(propOff)
	if err != nil {
		return err
	}
	name, err := t.stringAt(nameOff)
	if err != nil {
		return fmt.Errorf("%w: unresolvable property name", ErrBadStructure)
	}
	if name == "phandle" || name == "linux,phandle" {
		if len(val) != 4 {
			return ErrBadPhandle
		}
		v := format.ReadU32(val, 0)
		if v < format.MinPhandle || v > format.MaxPhandle {
			return ErrBadPhandle
		}
		// Uniqueness is enforced on the modern spelling only; legacy trees
		// mirror the same value under linux,phandle on the same node.
		if name == "phandle" {
			if phandles[v] {
				return ErrBadPhandle
			}
			phandles[v] = true
		}
	}
	return nil
}
