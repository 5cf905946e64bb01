package fdt

import (
	"errors"

	"github.com/protectedvm/fdtkit/internal/format"
)

// NodeMut is a mutable handle on a node. Mutations through the handle that
// relocate structure content advance the tree generation; the handle
// re-captures it afterwards (its own offset never moves as a result of
// edits inside or after itself), while every other outstanding handle goes
// stale.
type NodeMut struct {
	Node
}

// Mut upgrades a read handle to a mutable one on the same node.
func (n Node) Mut() NodeMut { return NodeMut{n} }

// AsNode returns the read-only view of this handle.
func (n NodeMut) AsNode() Node { return n.Node }

// refresh re-captures the generation after a mutation through this handle.
func (n *NodeMut) refresh() { n.gen = n.t.gen }

// SetProp creates or replaces the named property.
func (n *NodeMut) SetProp(name string, value []byte) error {
	if err := n.valid(); err != nil {
		return err
	}
	err := n.t.setProp(n.off, name, value)
	n.refresh()
	return err
}

// SetPropU32 creates or replaces the named property with a single cell.
func (n *NodeMut) SetPropU32(name string, v uint32) error {
	var b [4]byte
	format.PutU32(b[:], 0, v)
	return n.SetProp(name, b[:])
}

// SetPropU64 creates or replaces the named property with a two-cell value.
func (n *NodeMut) SetPropU64(name string, v uint64) error {
	var b [8]byte
	format.PutU64(b[:], 0, v)
	return n.SetProp(name, b[:])
}

// SetPropString creates or replaces the named property with a
// NUL-terminated string.
func (n *NodeMut) SetPropString(name, v string) error {
	b := make([]byte, len(v)+1)
	copy(b, v)
	return n.SetProp(name, b)
}

// SetPropEmpty creates or replaces the named property with an empty value.
func (n *NodeMut) SetPropEmpty(name string) error {
	return n.SetProp(name, nil)
}

// SetPropInplace overwrites the value of an existing property of exactly
// the same length without invalidating any handle.
func (n *NodeMut) SetPropInplace(name string, value []byte) error {
	if err := n.valid(); err != nil {
		return err
	}
	return n.t.setPropInplace(n.off, name, value)
}

// SetPropInplaceU32 overwrites a single-cell property in place.
func (n *NodeMut) SetPropInplaceU32(name string, v uint32) error {
	var b [4]byte
	format.PutU32(b[:], 0, v)
	return n.SetPropInplace(name, b[:])
}

// SetPropInplaceU64 overwrites a two-cell property in place.
func (n *NodeMut) SetPropInplaceU64(name string, v uint64) error {
	var b [8]byte
	format.PutU64(b[:], 0, v)
	return n.SetPropInplace(name, b[:])
}

// SetPropAddrRangeInplace overwrites the named property with one
// (address, size) entry encoded with the parent's cell counts. The
// existing value must have exactly that entry's length.
func (n *NodeMut) SetPropAddrRangeInplace(name string, addr, size uint64) error {
	if err := n.valid(); err != nil {
		return err
	}
	b, err := n.encodeAddrRange(addr, size)
	if err != nil {
		return err
	}
	return n.t.setPropInplace(n.off, name, b)
}

// AppendProp extends the named property, creating it when absent.
func (n *NodeMut) AppendProp(name string, extra []byte) error {
	if err := n.valid(); err != nil {
		return err
	}
	err := n.t.appendProp(n.off, name, extra)
	n.refresh()
	return err
}

// AppendPropU32 appends one cell to the named property.
func (n *NodeMut) AppendPropU32(name string, v uint32) error {
	var b [4]byte
	format.PutU32(b[:], 0, v)
	return n.AppendProp(name, b[:])
}

// AppendPropAddrRange appends one (address, size) entry encoded with the
// parent's cell counts.
func (n *NodeMut) AppendPropAddrRange(name string, addr, size uint64) error {
	if err := n.valid(); err != nil {
		return err
	}
	b, err := n.encodeAddrRange(addr, size)
	if err != nil {
		return err
	}
	err = n.t.appendProp(n.off, name, b)
	n.refresh()
	return err
}

// encodeAddrRange packs (addr, size) per the parent's #address-cells and
// #size-cells. Address range encoding supports one or two cells per field.
func (n *NodeMut) encodeAddrRange(addr, size uint64) ([]byte, error) {
	parentOff, err := n.t.parentOffset(n.off)
	if err != nil {
		return nil, err
	}
	parent := Node{t: n.t, off: parentOff, gen: n.gen}
	addrCells, err := parent.AddressCells()
	if err != nil {
		return nil, err
	}
	sizeCells, err := parent.SizeCells()
	if err != nil {
		return nil, err
	}
	b, err := appendCellValue(nil, addrCells, addr)
	if err != nil {
		return nil, err
	}
	return appendCellValue(b, sizeCells, size)
}

func appendCellValue(b []byte, cells int, v uint64) ([]byte, error) {
	switch cells {
	case 1:
		if v > 0xffffffff {
			return nil, ErrBadValue
		}
		return format.AppendU32(b, uint32(v)), nil
	case 2:
		return format.AppendU64(b, v), nil
	default:
		return nil, ErrBadCellCount
	}
}

// TrimProp shrinks the named property to length bytes. An equal length is
// a no-op; growing fails with ErrNoSpace.
func (n *NodeMut) TrimProp(name string, length int) error {
	if err := n.valid(); err != nil {
		return err
	}
	err := n.t.trimProp(n.off, name, length)
	n.refresh()
	return err
}

// DelProp removes the named property, reclaiming its space.
func (n *NodeMut) DelProp(name string) error {
	if err := n.valid(); err != nil {
		return err
	}
	err := n.t.delProp(n.off, name)
	n.refresh()
	return err
}

// NopProp tombstones the named property with NOP tokens, leaving all
// offsets and handles intact.
func (n *NodeMut) NopProp(name string) error {
	if err := n.valid(); err != nil {
		return err
	}
	return n.t.nopProp(n.off, name)
}

// AddSubnode creates an empty child node. It is inserted after this node's
// properties and before its existing children.
func (n *NodeMut) AddSubnode(name string) (NodeMut, error) {
	if err := n.valid(); err != nil {
		return NodeMut{}, err
	}
	off, err := n.t.addSubnode(n.off, name)
	n.refresh()
	if err != nil {
		return NodeMut{}, err
	}
	return NodeMut{Node{t: n.t, off: off, gen: n.gen}}, nil
}

// SubnodeMut finds a direct child by name for mutation.
func (n NodeMut) SubnodeMut(name string) (NodeMut, error) {
	sub, err := n.Subnode(name)
	if err != nil {
		return NodeMut{}, err
	}
	return sub.Mut(), nil
}

// Nop tombstones this node and its whole subtree with NOP tokens. The
// handle must not be used afterwards.
func (n *NodeMut) Nop() error {
	if err := n.valid(); err != nil {
		return err
	}
	return n.t.nopNodeAt(n.off)
}

// DeleteAndNextCompatible tombstones this node and returns the next node
// after it matching the compatible string. ErrNotFound means the node was
// deleted and no further match exists.
func (n *NodeMut) DeleteAndNextCompatible(compatible string) (NodeMut, error) {
	if err := n.valid(); err != nil {
		return NodeMut{}, err
	}
	nextOff, err := n.t.offsetByCompatible(n.off, compatible)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return NodeMut{}, err
	}
	found := err == nil
	if found && nextOff == n.off {
		return NodeMut{}, ErrInternal
	}
	if nerr := n.t.nopNodeAt(n.off); nerr != nil {
		return NodeMut{}, nerr
	}
	if !found {
		return NodeMut{}, ErrNotFound
	}
	return NodeMut{Node{t: n.t, off: nextOff, gen: n.gen}}, nil
}
