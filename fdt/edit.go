package fdt

import (
	"bytes"
	"errors"

	"github.com/protectedvm/fdtkit/internal/format"
)

// Splice-based mutation internals. The blob keeps its free space as one
// region between the end of the strings block and the declared total size;
// growing or shrinking anywhere inside the used area shifts everything
// behind the edit point and adjusts the header bookkeeping.

// splice replaces oldLen bytes at absolute offset at with newLen bytes of
// room, shifting the tail of the used area. Freed bytes at the end are
// zeroed; inserted bytes hold shifted garbage until the caller writes them.
func (t *Tree) splice(at, oldLen, newLen int) error {
	end := t.dataEnd()
	if at < 0 || oldLen < 0 || at+oldLen > end {
		return ErrBadOffset
	}
	delta := newLen - oldLen
	if end+delta > t.TotalSize() {
		return ErrNoSpace
	}
	copy(t.buf[at+newLen:end+delta], t.buf[at+oldLen:end])
	for i := end + delta; i < end; i++ {
		t.buf[i] = 0
	}
	return nil
}

// spliceStruct splices inside the structure block (at is block-relative)
// and keeps the structure size and the strings offset in step. Any length
// change relocates content, so it advances the generation.
func (t *Tree) spliceStruct(at, oldLen, newLen int) error {
	h := t.header()
	if err := t.splice(h.OffDtStruct()+at, oldLen, newLen); err != nil {
		return err
	}
	delta := newLen - oldLen
	if delta != 0 {
		h.SetSizeDtStruct(h.SizeDtStruct() + delta)
		h.SetOffDtStrings(h.OffDtStrings() + delta)
		t.gen++
	}
	return nil
}

// findString looks for name as a complete NUL-terminated entry in the
// strings block.
func (t *Tree) findString(name string) (int, bool) {
	ss := t.stringsBytes()
	target := make([]byte, 0, len(name)+1)
	target = append(target, name...)
	target = append(target, 0)
	for off := 0; off+len(target) <= len(ss); {
		i := bytes.Index(ss[off:], target)
		if i < 0 {
			return 0, false
		}
		off += i
		if off == 0 || ss[off-1] == 0 {
			return off, true
		}
		off++
	}
	return 0, false
}

// findAddString returns the strings block offset of name, appending it at
// the end of the block when absent. Appends survive a failed later splice;
// an orphaned name is wasted space, not corruption.
func (t *Tree) findAddString(name string) (int, error) {
	if off, ok := t.findString(name); ok {
		return off, nil
	}
	h := t.header()
	end := t.dataEnd()
	if end+len(name)+1 > t.TotalSize() {
		return 0, ErrNoSpace
	}
	off := h.SizeDtStrings()
	copy(t.buf[end:], name)
	t.buf[end+len(name)] = 0
	h.SetSizeDtStrings(h.SizeDtStrings() + len(name) + 1)
	return off, nil
}

// addProperty inserts a new property of the given value length directly
// after the node header, before any existing property or subnode, and
// returns the struct-relative offset of its zeroed value area.
func (t *Tree) addProperty(nodeOff int, name string, length int) (int, error) {
	insert, err := t.checkNodeOffset(nodeOff)
	if err != nil {
		return 0, err
	}
	nameOff, err := t.findAddString(name)
	if err != nil {
		return 0, err
	}
	total := format.TokenSize + format.PropHeaderSize + format.AlignUp(length, format.StructAlignment)
	if err := t.spliceStruct(insert, 0, total); err != nil {
		return 0, err
	}
	s := t.structBytes()
	format.PutU32(s, insert, format.TokenProp)
	format.PutU32(s, insert+4, uint32(length))
	format.PutU32(s, insert+8, uint32(nameOff))
	for i := insert + format.TokenSize + format.PropHeaderSize; i < insert+total; i++ {
		s[i] = 0
	}
	return insert + format.TokenSize + format.PropHeaderSize, nil
}

// resizeProperty changes the value length of an existing property and
// returns the struct-relative offset of the value area. Bytes beyond the
// old value are unspecified until the caller writes them.
func (t *Tree) resizeProperty(nodeOff int, name string, length int) (int, error) {
	propOff, val, err := t.findPropNamed(nodeOff, name)
	if err != nil {
		return 0, err
	}
	valOff := propOff + format.TokenSize + format.PropHeaderSize
	oldTotal := format.AlignUp(len(val), format.StructAlignment)
	newTotal := format.AlignUp(length, format.StructAlignment)
	if err := t.spliceStruct(valOff, oldTotal, newTotal); err != nil {
		return 0, err
	}
	format.PutU32(t.structBytes(), propOff+format.TokenSize, uint32(length))
	return valOff, nil
}

// setProp creates or resizes the named property and writes value into it.
func (t *Tree) setProp(nodeOff int, name string, value []byte) error {
	valOff, err := t.resizeProperty(nodeOff, name, len(value))
	if errors.Is(err, ErrNotFound) {
		valOff, err = t.addProperty(nodeOff, name, len(value))
	}
	if err != nil {
		return err
	}
	s := t.structBytes()
	copy(s[valOff:], value)
	for i := valOff + len(value); i < format.AlignUp(valOff+len(value), format.StructAlignment); i++ {
		s[i] = 0
	}
	return nil
}

// setPropInplace overwrites an existing value of exactly the same length.
// No bookkeeping changes, no handle invalidation.
func (t *Tree) setPropInplace(nodeOff int, name string, value []byte) error {
	val, valOff, err := t.propValueNamed(nodeOff, name)
	if err != nil {
		return err
	}
	if len(val) != len(value) {
		return ErrNoSpace
	}
	copy(t.structBytes()[valOff:], value)
	return nil
}

// appendProp extends the named property with extra bytes, creating it when
// absent.
func (t *Tree) appendProp(nodeOff int, name string, extra []byte) error {
	propOff, val, err := t.findPropNamed(nodeOff, name)
	if errors.Is(err, ErrNotFound) {
		valOff, err := t.addProperty(nodeOff, name, len(extra))
		if err != nil {
			return err
		}
		copy(t.structBytes()[valOff:], extra)
		return nil
	}
	if err != nil {
		return err
	}
	oldLen := len(val)
	valOff := propOff + format.TokenSize + format.PropHeaderSize
	oldTotal := format.AlignUp(oldLen, format.StructAlignment)
	newTotal := format.AlignUp(oldLen+len(extra), format.StructAlignment)
	if err := t.spliceStruct(valOff, oldTotal, newTotal); err != nil {
		return err
	}
	s := t.structBytes()
	format.PutU32(s, propOff+format.TokenSize, uint32(oldLen+len(extra)))
	copy(s[valOff+oldLen:], extra)
	for i := valOff + oldLen + len(extra); i < valOff+newTotal; i++ {
		s[i] = 0
	}
	return nil
}

// trimProp shrinks the named property to the given length. Growing is not
// supported; an equal length is a no-op.
func (t *Tree) trimProp(nodeOff int, name string, length int) error {
	_, val, err := t.findPropNamed(nodeOff, name)
	if err != nil {
		return err
	}
	switch {
	case len(val) == length:
		return nil
	case len(val) < length:
		return ErrNoSpace
	}
	return t.setProp(nodeOff, name, val[:length])
}

// delProp removes the named property by splicing it out.
func (t *Tree) delProp(nodeOff int, name string) error {
	propOff, val, err := t.findPropNamed(nodeOff, name)
	if err != nil {
		return err
	}
	total := format.TokenSize + format.PropHeaderSize + format.AlignUp(len(val), format.StructAlignment)
	return t.spliceStruct(propOff, total, 0)
}

// nopProp tombstones the named property with NOP tokens. Sizes and offsets
// stay put, so outstanding handles remain valid.
func (t *Tree) nopProp(nodeOff int, name string) error {
	propOff, val, err := t.findPropNamed(nodeOff, name)
	if err != nil {
		return err
	}
	total := format.TokenSize + format.PropHeaderSize + format.AlignUp(len(val), format.StructAlignment)
	t.writeNops(propOff, total)
	return nil
}

// nopNodeAt tombstones a whole subtree with NOP tokens.
func (t *Tree) nopNodeAt(nodeOff int) error {
	end, err := t.nodeEndOffset(nodeOff)
	if err != nil {
		return err
	}
	t.writeNops(nodeOff, end-nodeOff)
	return nil
}

// writeNops fills a token-aligned structure region with NOP tokens. Node
// names and property payloads are padded to token size, so any subtree or
// property extent is exactly expressible as NOPs.
func (t *Tree) writeNops(off, length int) {
	s := t.structBytes()
	for i := off; i < off+length; i += format.TokenSize {
		format.PutU32(s, i, format.TokenNop)
	}
}

// addSubnode inserts an empty child node after the parent's properties and
// before its existing subnodes, returning the new node's offset.
func (t *Tree) addSubnode(parentOff int, name string) (int, error) {
	if _, err := t.subnodeOffset(parentOff, name); err == nil {
		return 0, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	// insertion point: skip the node header, then properties and NOPs
	off, err := t.checkNodeOffset(parentOff)
	if err != nil {
		return 0, err
	}
	for {
		tag, next, err := t.nextTag(off)
		if err != nil {
			return 0, err
		}
		if tag != format.TokenProp && tag != format.TokenNop {
			break
		}
		off = next
	}

	nameLen := format.AlignUp(len(name)+1, format.StructAlignment)
	total := format.TokenSize + nameLen + format.TokenSize
	if err := t.spliceStruct(off, 0, total); err != nil {
		return 0, err
	}
	s := t.structBytes()
	format.PutU32(s, off, format.TokenBeginNode)
	for i := off + format.TokenSize; i < off+format.TokenSize+nameLen; i++ {
		s[i] = 0
	}
	copy(s[off+format.TokenSize:], name)
	format.PutU32(s, off+total-format.TokenSize, format.TokenEndNode)
	return off, nil
}
