package fdt

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/protectedvm/fdtkit/internal/format"
)

// ApplyOverlay merges a device tree overlay into this tree:
//
//  1. every phandle in the overlay is offset past the base tree's maximum
//  2. the overlay's internal references (__local_fixups__) are re-pointed
//     at the shifted values
//  3. unresolved references (__fixups__) are resolved through the base
//     tree's __symbols__ table and patched into the overlay
//  4. each fragment's __overlay__ subtree is merged into its target node
//  5. the base __symbols__ table learns the overlay's labels
//
// The overlay is consumed: its magic is erased even on success, since the
// fixup steps rewrite it in place. On failure both trees may be half
// edited, so both magics are erased and neither tree is usable afterwards.
func (t *Tree) ApplyOverlay(overlay *Tree) error {
	if err := t.applyOverlay(overlay); err != nil {
		t.eraseMagic()
		overlay.eraseMagic()
		return err
	}
	overlay.eraseMagic()
	return nil
}

// eraseMagic deliberately spoils the blob so later construction from its
// bytes fails instead of reading an inconsistent tree.
func (t *Tree) eraseMagic() {
	t.header().SetMagic(0xffffffff)
	t.gen++
}

func (t *Tree) applyOverlay(o *Tree) error {
	delta, err := t.maxPhandleValue()
	if err != nil {
		return err
	}
	if err := o.overlayAdjustPhandles(delta); err != nil {
		return err
	}
	if err := o.overlayUpdateLocalFixups(delta); err != nil {
		return err
	}
	if err := t.overlayResolveFixups(o); err != nil {
		return err
	}
	if err := t.overlayMerge(o); err != nil {
		return err
	}
	return t.overlaySymbolUpdate(o)
}

// overlayAdjustPhandles adds delta to every phandle property in the
// overlay so they land above the base tree's range.
func (o *Tree) overlayAdjustPhandles(delta uint32) error {
	off := -1
	for {
		next, err := o.nextNode(off, nil)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		off = next
		for _, name := range []string{"phandle", "linux,phandle"} {
			val, valOff, err := o.propValueNamed(off, name)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if len(val) != 4 {
				return ErrBadPhandle
			}
			v := format.ReadU32(val, 0) + delta
			if v < format.MinPhandle || v > format.MaxPhandle {
				return ErrNoPhandles
			}
			format.PutU32(o.structBytes(), valOff, v)
		}
	}
}

// overlayUpdateLocalFixups walks /__local_fixups__, whose tree mirrors the
// overlay proper: each property lists byte offsets of phandle cells in the
// same-named property of the mirrored node.
func (o *Tree) overlayUpdateLocalFixups(delta uint32) error {
	lf, err := o.pathOffset("/__local_fixups__")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.overlayFixupNode(0, lf, delta)
}

func (o *Tree) overlayFixupNode(nodeOff, fixupOff int, delta uint32) error {
	po, err := o.firstPropOffset(fixupOff)
	for err == nil {
		nameOff, offsets, perr := o.propAt(po)
		if perr != nil {
			return perr
		}
		name, perr := o.stringAt(nameOff)
		if perr != nil {
			return perr
		}
		if len(offsets)%4 != 0 {
			return ErrBadOverlay
		}
		// Snapshot the offsets: the poke writes below go into the same
		// structure block this slice aliases.
		offsets = append([]byte(nil), offsets...)
		tval, tvalOff, perr := o.propValueNamed(nodeOff, name)
		if perr != nil {
			return ErrBadOverlay
		}
		for i := 0; i < len(offsets); i += 4 {
			poke := int(format.ReadU32(offsets, i))
			if poke < 0 || poke+4 > len(tval) {
				return ErrBadOverlay
			}
			v := format.ReadU32(tval, poke) + delta
			if v < format.MinPhandle || v > format.MaxPhandle {
				return ErrNoPhandles
			}
			format.PutU32(o.structBytes(), tvalOff+poke, v)
		}
		po, err = o.nextPropOffset(po)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	so, err := o.firstSubnode(fixupOff)
	for err == nil {
		name, nerr := o.nodeNameAt(so)
		if nerr != nil {
			return nerr
		}
		target, nerr := o.subnodeOffset(nodeOff, name)
		if nerr != nil {
			return ErrBadOverlay
		}
		if nerr := o.overlayFixupNode(target, so, delta); nerr != nil {
			return nerr
		}
		so, err = o.nextSubnode(so)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// overlayResolveFixups patches the overlay's unresolved phandle references
// (/__fixups__) with values looked up through the base tree's /__symbols__
// table. Each fixup property is named after a label and lists
// "path:property:offset" entries pointing into the overlay.
func (t *Tree) overlayResolveFixups(o *Tree) error {
	fx, err := o.pathOffset("/__fixups__")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	po, err := o.firstPropOffset(fx)
	for err == nil {
		nameOff, entries, perr := o.propAt(po)
		if perr != nil {
			return perr
		}
		label, perr := o.stringAt(nameOff)
		if perr != nil {
			return perr
		}
		ph, perr := t.symbolPhandle(label)
		if perr != nil {
			return perr
		}
		if perr := o.overlayApplyFixup(entries, ph); perr != nil {
			return perr
		}
		po, err = o.nextPropOffset(po)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// symbolPhandle resolves a label through /__symbols__ to the phandle of the
// node the label names.
func (t *Tree) symbolPhandle(label string) (uint32, error) {
	sym, err := t.pathOffset("/__symbols__")
	if err != nil {
		return 0, err
	}
	val, _, err := t.propValueNamed(sym, label)
	if err != nil {
		return 0, err
	}
	path, err := cString(val)
	if err != nil {
		return 0, ErrBadValue
	}
	off, err := t.pathOffset(path)
	if err != nil {
		return 0, err
	}
	v, err := t.nodePhandleValue(off)
	if errors.Is(err, ErrNotFound) {
		return 0, ErrBadPhandle
	}
	return v, err
}

// overlayApplyFixup writes the resolved phandle at every location a fixup
// property lists.
func (o *Tree) overlayApplyFixup(entries []byte, phandle uint32) error {
	if len(entries) == 0 || entries[len(entries)-1] != 0 {
		return ErrBadOverlay
	}
	for _, entry := range bytes.Split(entries[:len(entries)-1], []byte{0}) {
		path, propName, poke, err := parseFixupEntry(string(entry))
		if err != nil {
			return err
		}
		nodeOff, err := o.pathOffset(path)
		if err != nil {
			return err
		}
		val, valOff, err := o.propValueNamed(nodeOff, propName)
		if err != nil {
			return ErrBadOverlay
		}
		if poke < 0 || poke+4 > len(val) {
			return ErrBadOverlay
		}
		format.PutU32(o.structBytes(), valOff+poke, phandle)
	}
	return nil
}

func parseFixupEntry(s string) (path, prop string, offset int, err error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", 0, ErrBadOverlay
	}
	j := strings.IndexByte(s[i+1:], ':')
	if j < 0 {
		return "", "", 0, ErrBadOverlay
	}
	offset, cerr := strconv.Atoi(s[i+1+j+1:])
	if cerr != nil {
		return "", "", 0, ErrBadOverlay
	}
	return s[:i], s[i+1 : i+1+j], offset, nil
}

// overlayMerge applies each fragment's __overlay__ subtree onto its target
// node in the base tree. Fragments without an __overlay__ subnode are
// skipped.
func (t *Tree) overlayMerge(o *Tree) error {
	so, err := o.firstSubnode(0)
	for err == nil {
		ov, serr := o.subnodeOffset(so, "__overlay__")
		switch {
		case serr == nil:
			targetOff, terr := t.overlayTarget(o, so)
			if terr != nil {
				return terr
			}
			if terr := t.overlayApplyNode(targetOff, o, ov); terr != nil {
				return terr
			}
		case !errors.Is(serr, ErrNotFound):
			return serr
		}
		so, err = o.nextSubnode(so)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// overlayTarget resolves where a fragment lands in the base tree, from its
// target phandle or target-path property. Exactly one must be present.
func (t *Tree) overlayTarget(o *Tree, fragOff int) (int, error) {
	phVal, _, phErr := o.propValueNamed(fragOff, "target")
	if phErr != nil && !errors.Is(phErr, ErrNotFound) {
		return 0, phErr
	}
	pathVal, _, paErr := o.propValueNamed(fragOff, "target-path")
	if paErr != nil && !errors.Is(paErr, ErrNotFound) {
		return 0, paErr
	}
	switch {
	case phErr == nil && paErr == nil:
		return 0, ErrBadOverlay
	case phErr == nil:
		if len(phVal) != 4 {
			return 0, ErrBadPhandle
		}
		return t.offsetWithPhandle(format.ReadU32(phVal, 0))
	case paErr == nil:
		path, err := cString(pathVal)
		if err != nil {
			return 0, ErrBadValue
		}
		return t.pathOffset(path)
	default:
		return 0, ErrBadOverlay
	}
}

// overlayApplyNode copies the overlay subtree at srcOff onto the base node
// at targetOff: properties are set (replacing existing values), missing
// subnodes are created, and the merge recurses.
func (t *Tree) overlayApplyNode(targetOff int, o *Tree, srcOff int) error {
	po, err := o.firstPropOffset(srcOff)
	for err == nil {
		nameOff, val, perr := o.propAt(po)
		if perr != nil {
			return perr
		}
		name, perr := o.stringAt(nameOff)
		if perr != nil {
			return perr
		}
		if perr := t.setProp(targetOff, name, val); perr != nil {
			return perr
		}
		po, err = o.nextPropOffset(po)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	so, err := o.firstSubnode(srcOff)
	for err == nil {
		name, serr := o.nodeNameAt(so)
		if serr != nil {
			return serr
		}
		dst, serr := t.addSubnode(targetOff, name)
		if errors.Is(serr, ErrExists) {
			dst, serr = t.subnodeOffset(targetOff, name)
		}
		if serr != nil {
			return serr
		}
		if serr := t.overlayApplyNode(dst, o, so); serr != nil {
			return serr
		}
		so, err = o.nextSubnode(so)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// overlaySymbolUpdate translates the overlay's /__symbols__ entries from
// fragment-relative paths into base tree paths and records them in the
// base /__symbols__ table, which must already exist.
func (t *Tree) overlaySymbolUpdate(o *Tree) error {
	osym, err := o.pathOffset("/__symbols__")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	bsym, err := t.pathOffset("/__symbols__")
	if err != nil {
		return err
	}
	po, err := o.firstPropOffset(osym)
	for err == nil {
		nameOff, val, perr := o.propAt(po)
		if perr != nil {
			return perr
		}
		label, perr := o.stringAt(nameOff)
		if perr != nil {
			return perr
		}
		opath, perr := cString(val)
		if perr != nil {
			return ErrBadOverlay
		}
		newPath, perr := t.overlayRebaseSymbol(o, opath)
		if perr != nil {
			return perr
		}
		if perr := t.setProp(bsym, label, append([]byte(newPath), 0)); perr != nil {
			return perr
		}
		po, err = o.nextPropOffset(po)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// overlayRebaseSymbol turns "/fragment@N/__overlay__/suffix" into the
// corresponding base tree path via the fragment's target.
func (t *Tree) overlayRebaseSymbol(o *Tree, opath string) (string, error) {
	if opath == "" || opath[0] != '/' {
		return "", ErrBadOverlay
	}
	rest := opath[1:]
	fragName := rest
	suffix := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		fragName, rest = rest[:i], rest[i+1:]
		comp := rest
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			comp, suffix = rest[:j], rest[j+1:]
		}
		if comp != "__overlay__" {
			return "", ErrBadOverlay
		}
	} else {
		return "", ErrBadOverlay
	}
	frag, err := o.subnodeOffset(0, fragName)
	if err != nil {
		return "", ErrBadOverlay
	}
	targetOff, err := t.overlayTarget(o, frag)
	if err != nil {
		return "", err
	}
	targetPath, err := t.path(targetOff)
	if err != nil {
		return "", err
	}
	switch {
	case suffix == "":
		return targetPath, nil
	case targetPath == "/":
		return "/" + suffix, nil
	default:
		return targetPath + "/" + suffix, nil
	}
}

// cString decodes a NUL-terminated property value.
func cString(val []byte) (string, error) {
	if len(val) == 0 || val[len(val)-1] != 0 {
		return "", ErrBadValue
	}
	s := val[:len(val)-1]
	if bytes.IndexByte(s, 0) >= 0 {
		return "", ErrBadValue
	}
	return string(s), nil
}
