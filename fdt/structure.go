package fdt

import (
	"bytes"
	"errors"
	"strings"

	"github.com/protectedvm/fdtkit/internal/format"
)

// Structure block walking primitives. All offsets in this file are relative
// to the start of the structure block and always 4-byte aligned. Every read
// is bounds-checked against the live block size, never against cached
// lengths, so the primitives stay correct across splices.

// nextTag reads the token at off and returns it together with the offset of
// the token that follows (for BEGIN_NODE and PROP this skips the payload).
func (t *Tree) nextTag(off int) (tag uint32, next int, err error) {
	s := t.structBytes()
	if off < 0 || off%format.StructAlignment != 0 || off+format.TokenSize > len(s) {
		return 0, 0, ErrTruncated
	}
	tag = format.ReadU32(s, off)
	off += format.TokenSize
	switch tag {
	case format.TokenBeginNode:
		// skip the NUL-terminated name
		p := off
		for {
			if p >= len(s) {
				return 0, 0, ErrTruncated
			}
			if s[p] == 0 {
				break
			}
			if p-off >= format.MaxNameLen {
				return 0, 0, ErrBadStructure
			}
			p++
		}
		next = format.AlignUp(p+1, format.StructAlignment)
	case format.TokenProp:
		if off+format.PropHeaderSize > len(s) {
			return 0, 0, ErrTruncated
		}
		plen := int(format.ReadU32(s, off))
		if plen < 0 || off+format.PropHeaderSize+plen > len(s) {
			return 0, 0, ErrTruncated
		}
		next = format.AlignUp(off+format.PropHeaderSize+plen, format.StructAlignment)
	case format.TokenEndNode, format.TokenNop, format.TokenEnd:
		next = off
	default:
		return 0, 0, ErrBadStructure
	}
	if next > len(s) {
		return 0, 0, ErrTruncated
	}
	return tag, next, nil
}

// checkNodeOffset verifies a BEGIN_NODE token at off and returns the offset
// just past the node header (token plus padded name).
func (t *Tree) checkNodeOffset(off int) (int, error) {
	tag, next, err := t.nextTag(off)
	if err != nil || tag != format.TokenBeginNode {
		return 0, ErrBadOffset
	}
	return next, nil
}

// checkPropOffset verifies a PROP token at off and returns the offset just
// past the property (header, value, padding).
func (t *Tree) checkPropOffset(off int) (int, error) {
	tag, next, err := t.nextTag(off)
	if err != nil || tag != format.TokenProp {
		return 0, ErrBadOffset
	}
	return next, nil
}

// nextNode advances from the node at off to the next node in document
// order. Pass off = -1 to land on the first node (the root). When depth is
// non-nil it is adjusted across node boundaries and the walk stops with
// ErrNotFound as soon as it would leave the subtree the caller entered at
// relative depth zero. ErrNotFound also marks the end of the whole tree.
func (t *Tree) nextNode(off int, depth *int) (int, error) {
	var next int
	if off >= 0 {
		var err error
		if next, err = t.checkNodeOffset(off); err != nil {
			return 0, err
		}
	}
	for {
		off = next
		tag, n, err := t.nextTag(off)
		if err != nil {
			return 0, err
		}
		next = n
		switch tag {
		case format.TokenBeginNode:
			if depth != nil {
				*depth++
			}
			return off, nil
		case format.TokenEndNode:
			if depth != nil {
				*depth--
				if *depth < 0 {
					return 0, ErrNotFound
				}
			}
		case format.TokenProp, format.TokenNop:
		case format.TokenEnd:
			return 0, ErrNotFound
		}
	}
}

// firstSubnode returns the first direct child of the node at off.
func (t *Tree) firstSubnode(off int) (int, error) {
	depth := 0
	sub, err := t.nextNode(off, &depth)
	if err != nil {
		return 0, err
	}
	if depth != 1 {
		return 0, ErrInternal
	}
	return sub, nil
}

// nextSubnode returns the sibling following the node at off.
func (t *Tree) nextSubnode(off int) (int, error) {
	depth := 1
	for {
		next, err := t.nextNode(off, &depth)
		if err != nil {
			return 0, err
		}
		off = next
		if depth == 1 {
			return off, nil
		}
	}
}

// nodeEndOffset returns the offset just past the END_NODE token matching the
// BEGIN_NODE at off, i.e. the extent of the whole subtree.
func (t *Tree) nodeEndOffset(off int) (int, error) {
	next, err := t.checkNodeOffset(off)
	if err != nil {
		return 0, err
	}
	depth := 1
	off = next
	for depth > 0 {
		tag, n, err := t.nextTag(off)
		if err != nil {
			return 0, err
		}
		switch tag {
		case format.TokenBeginNode:
			depth++
		case format.TokenEndNode:
			depth--
		case format.TokenProp, format.TokenNop:
		case format.TokenEnd:
			return 0, ErrBadStructure
		}
		off = n
	}
	return off, nil
}

// nodeNameAt returns the name stored in the BEGIN_NODE token at off. The
// root's name is the empty string.
func (t *Tree) nodeNameAt(off int) (string, error) {
	if _, err := t.checkNodeOffset(off); err != nil {
		return "", err
	}
	s := t.structBytes()
	start := off + format.TokenSize
	end := bytes.IndexByte(s[start:], 0)
	if end < 0 {
		return "", ErrTruncated
	}
	return string(s[start : start+end]), nil
}

// nameMatches implements component matching for path lookup: an exact match
// always wins, and a component without a unit address matches any node name
// whose part before '@' is equal.
func nameMatches(nodeName, component string) bool {
	if nodeName == component {
		return true
	}
	if strings.IndexByte(component, '@') >= 0 {
		return false
	}
	if i := strings.IndexByte(nodeName, '@'); i >= 0 {
		return nodeName[:i] == component
	}
	return false
}

// subnodeOffset finds the direct child of parentOff named component.
func (t *Tree) subnodeOffset(parentOff int, component string) (int, error) {
	off, err := t.firstSubnode(parentOff)
	for err == nil {
		name, nerr := t.nodeNameAt(off)
		if nerr != nil {
			return 0, nerr
		}
		if nameMatches(name, component) {
			return off, nil
		}
		off, err = t.nextSubnode(off)
	}
	return 0, err
}

// pathOffset resolves an absolute path to a node offset.
func (t *Tree) pathOffset(path string) (int, error) {
	if path == "" || path[0] != '/' {
		return 0, ErrBadPath
	}
	off := 0
	for path != "" {
		path = path[1:] // leading '/'
		if path == "" {
			break
		}
		component := path
		if i := strings.IndexByte(path, '/'); i >= 0 {
			component, path = path[:i], path[i:]
		} else {
			path = ""
		}
		if component == "" {
			continue
		}
		var err error
		if off, err = t.subnodeOffset(off, component); err != nil {
			return 0, err
		}
	}
	return off, nil
}

// supernodeAtDepth walks the tree from the root to the node at nodeOff and
// returns the ancestor sitting at the given absolute depth (0 is the root)
// along with the node's own depth.
func (t *Tree) supernodeAtDepth(nodeOff, superDepth int) (superOff, nodeDepth int, err error) {
	if superDepth < 0 {
		return 0, 0, ErrNotFound
	}
	off, depth := 0, 0
	superOff = -1
	for {
		if depth == superDepth {
			superOff = off
		}
		if off == nodeOff {
			if superDepth > depth {
				return 0, 0, ErrNotFound
			}
			return superOff, depth, nil
		}
		next, nerr := t.nextNode(off, &depth)
		if nerr != nil || next > nodeOff {
			// walked past nodeOff without landing on it
			return 0, 0, ErrBadOffset
		}
		off = next
	}
}

// nodeDepth returns the absolute depth of the node at off.
func (t *Tree) nodeDepth(off int) (int, error) {
	_, depth, err := t.supernodeAtDepth(off, 0)
	return depth, err
}

// parentOffset returns the offset of the parent of the node at off. The
// root has no parent.
func (t *Tree) parentOffset(off int) (int, error) {
	depth, err := t.nodeDepth(off)
	if err != nil {
		return 0, err
	}
	if depth == 0 {
		return 0, ErrNotFound
	}
	parent, _, err := t.supernodeAtDepth(off, depth-1)
	return parent, err
}

// ---- Properties ----

// firstPropOffset returns the offset of the first property of the node at
// nodeOff, or ErrNotFound when the node has none.
func (t *Tree) firstPropOffset(nodeOff int) (int, error) {
	off, err := t.checkNodeOffset(nodeOff)
	if err != nil {
		return 0, err
	}
	return t.scanPropOffset(off)
}

// nextPropOffset returns the offset of the property following the one at
// propOff, or ErrNotFound at the end of the node's property list.
func (t *Tree) nextPropOffset(propOff int) (int, error) {
	next, err := t.checkPropOffset(propOff)
	if err != nil {
		return 0, err
	}
	return t.scanPropOffset(next)
}

// scanPropOffset skips NOPs to the next PROP token. Any other token ends
// the property list.
func (t *Tree) scanPropOffset(off int) (int, error) {
	for {
		tag, next, err := t.nextTag(off)
		if err != nil {
			return 0, err
		}
		switch tag {
		case format.TokenProp:
			return off, nil
		case format.TokenNop:
			off = next
		default:
			return 0, ErrNotFound
		}
	}
}

// propAt decodes the property at propOff: its name offset in the strings
// block and its value, aliased into the structure block.
func (t *Tree) propAt(propOff int) (nameOff int, value []byte, err error) {
	if _, err := t.checkPropOffset(propOff); err != nil {
		return 0, nil, err
	}
	s := t.structBytes()
	plen := int(format.ReadU32(s, propOff+format.TokenSize))
	nameOff = int(format.ReadU32(s, propOff+format.TokenSize+4))
	start := propOff + format.TokenSize + format.PropHeaderSize
	return nameOff, s[start : start+plen], nil
}

// propName resolves the name of the property at propOff.
func (t *Tree) propName(propOff int) (string, error) {
	nameOff, _, err := t.propAt(propOff)
	if err != nil {
		return "", err
	}
	return t.stringAt(nameOff)
}

// findPropNamed locates a property by name within the node at nodeOff,
// returning the property offset and its value.
func (t *Tree) findPropNamed(nodeOff int, name string) (propOff int, value []byte, err error) {
	off, err := t.firstPropOffset(nodeOff)
	for err == nil {
		nameOff, val, perr := t.propAt(off)
		if perr != nil {
			return 0, nil, perr
		}
		pname, perr := t.stringAt(nameOff)
		if perr != nil {
			return 0, nil, perr
		}
		if pname == name {
			return off, val, nil
		}
		off, err = t.nextPropOffset(off)
	}
	return 0, nil, err
}

// propValueNamed is findPropNamed for callers that only need the value.
func (t *Tree) propValueNamed(nodeOff int, name string) (value []byte, valueOff int, err error) {
	propOff, val, err := t.findPropNamed(nodeOff, name)
	if err != nil {
		return nil, 0, err
	}
	return val, propOff + format.TokenSize + format.PropHeaderSize, nil
}

// ---- Compatible matching ----

// stringListContains reports whether a NUL-separated string list property
// value contains s as a complete entry. An unterminated tail never matches.
func stringListContains(val []byte, s string) bool {
	for len(val) > 0 {
		i := bytes.IndexByte(val, 0)
		if i < 0 {
			return false
		}
		if string(val[:i]) == s {
			return true
		}
		val = val[i+1:]
	}
	return false
}

// nodeIsCompatible reports whether the node's compatible property lists the
// given string. Nodes without the property are simply not compatible.
func (t *Tree) nodeIsCompatible(off int, compatible string) (bool, error) {
	val, _, err := t.propValueNamed(off, "compatible")
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stringListContains(val, compatible), nil
}

// offsetByCompatible finds the first node strictly after startOff (pass -1
// to include the root) whose compatible property lists the given string.
func (t *Tree) offsetByCompatible(startOff int, compatible string) (int, error) {
	off := startOff
	for {
		next, err := t.nextNode(off, nil)
		if err != nil {
			return 0, err
		}
		off = next
		ok, err := t.nodeIsCompatible(off, compatible)
		if err != nil {
			return 0, err
		}
		if ok {
			return off, nil
		}
	}
}
