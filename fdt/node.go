package fdt

import (
	"bytes"
	"errors"

	"github.com/protectedvm/fdtkit/internal/format"
)

// Node is a read-only handle on a node: the owning tree, the node's
// structure block offset, and the tree generation the handle was minted
// under. Handles are cheap values; copy them freely.
type Node struct {
	t   *Tree
	off int
	gen uint64
}

// valid gates every access through the handle.
func (n Node) valid() error {
	if n.t == nil {
		return ErrBadState
	}
	if n.gen != n.t.gen {
		return ErrStaleHandle
	}
	return nil
}

// Tree returns the tree this node belongs to.
func (n Node) Tree() *Tree { return n.t }

// Name returns the node's name including any unit address. The root's name
// is the empty string.
func (n Node) Name() (string, error) {
	if err := n.valid(); err != nil {
		return "", err
	}
	return n.t.nodeNameAt(n.off)
}

// Path reconstructs the node's absolute path.
func (n Node) Path() (string, error) {
	if err := n.valid(); err != nil {
		return "", err
	}
	return n.t.path(n.off)
}

// Parent returns the parent node; the root has none.
func (n Node) Parent() (Node, error) {
	if err := n.valid(); err != nil {
		return Node{}, err
	}
	off, err := n.t.parentOffset(n.off)
	if err != nil {
		return Node{}, err
	}
	return Node{t: n.t, off: off, gen: n.gen}, nil
}

// Subnode finds a direct child by name, with the same unit-address matching
// rules as path lookup.
func (n Node) Subnode(name string) (Node, error) {
	if err := n.valid(); err != nil {
		return Node{}, err
	}
	off, err := n.t.subnodeOffset(n.off, name)
	if err != nil {
		return Node{}, err
	}
	return Node{t: n.t, off: off, gen: n.gen}, nil
}

// NextCompatible finds the next node strictly after this one, in document
// order, whose compatible property lists the given string.
func (n Node) NextCompatible(compatible string) (Node, error) {
	if err := n.valid(); err != nil {
		return Node{}, err
	}
	off, err := n.t.offsetByCompatible(n.off, compatible)
	if err != nil {
		return Node{}, err
	}
	return Node{t: n.t, off: off, gen: n.gen}, nil
}

// IsCompatible reports whether the node's compatible property lists the
// given string.
func (n Node) IsCompatible(compatible string) (bool, error) {
	if err := n.valid(); err != nil {
		return false, err
	}
	return n.t.nodeIsCompatible(n.off, compatible)
}

// Phandle returns the node's phandle, from either the phandle or the
// legacy linux,phandle property.
func (n Node) Phandle() (Phandle, error) {
	if err := n.valid(); err != nil {
		return 0, err
	}
	return n.t.nodePhandle(n.off)
}

// ---- Property access ----

// Prop returns the raw value of the named property. The slice aliases the
// structure block and is only valid until the next size-changing mutation.
func (n Node) Prop(name string) ([]byte, error) {
	if err := n.valid(); err != nil {
		return nil, err
	}
	val, _, err := n.t.propValueNamed(n.off, name)
	return val, err
}

// HasProp reports whether the named property exists.
func (n Node) HasProp(name string) (bool, error) {
	_, err := n.Prop(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PropString interprets the named property as a single NUL-terminated
// string.
func (n Node) PropString(name string) (string, error) {
	val, err := n.Prop(name)
	if err != nil {
		return "", err
	}
	if len(val) == 0 || val[len(val)-1] != 0 {
		return "", ErrBadValue
	}
	s := val[:len(val)-1]
	if bytes.IndexByte(s, 0) >= 0 {
		return "", ErrBadValue
	}
	return string(s), nil
}

// PropU32 interprets the named property as a single cell.
func (n Node) PropU32(name string) (uint32, error) {
	val, err := n.Prop(name)
	if err != nil {
		return 0, err
	}
	if len(val) != 4 {
		return 0, ErrBadValue
	}
	return format.ReadU32(val, 0), nil
}

// PropU64 interprets the named property as two cells forming a big-endian
// 64-bit value.
func (n Node) PropU64(name string) (uint64, error) {
	val, err := n.Prop(name)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, ErrBadValue
	}
	return format.ReadU64(val, 0), nil
}

// PropCells returns an iterator over the named property's value as 32-bit
// cells. The value length must be a multiple of four.
func (n Node) PropCells(name string) (*CellIter, error) {
	val, err := n.Prop(name)
	if err != nil {
		return nil, err
	}
	if len(val)%4 != 0 {
		return nil, ErrBadValue
	}
	return &CellIter{val: val}, nil
}

// ---- Addressing ----

// Cell count bounds the engine accepts. A three-cell address only fits a
// 64-bit value when its top cell is zero, which the reg iterator enforces
// per entry.
const (
	maxAddrCells = 3
	maxSizeCells = 2
)

// AddressCells returns the node's #address-cells, defaulting to 2.
func (n Node) AddressCells() (int, error) {
	return n.cellCount("#address-cells", 2, maxAddrCells)
}

// SizeCells returns the node's #size-cells, defaulting to 1.
func (n Node) SizeCells() (int, error) {
	return n.cellCount("#size-cells", 1, maxSizeCells)
}

func (n Node) cellCount(name string, def, max int) (int, error) {
	v, err := n.PropU32(name)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	if v > uint32(max) {
		return 0, ErrBadCellCount
	}
	return int(v), nil
}

// Reg returns an iterator over the node's reg property, decoded with the
// parent's cell counts. ErrNotFound means the node has no reg property.
func (n Node) Reg() (*RegIter, error) {
	parent, err := n.Parent()
	if err != nil {
		return nil, err
	}
	addrCells, err := parent.AddressCells()
	if err != nil {
		return nil, err
	}
	sizeCells, err := parent.SizeCells()
	if err != nil {
		return nil, err
	}
	if addrCells < 1 {
		return nil, ErrBadCellCount
	}
	cells, err := n.PropCells("reg")
	if err != nil {
		return nil, err
	}
	return &RegIter{cells: cells, addrCells: addrCells, sizeCells: sizeCells}, nil
}

// Ranges returns an iterator over the node's ranges property: child
// addresses in this node's cell counts, parent addresses in the parent's.
func (n Node) Ranges() (*RangesIter, error) {
	parent, err := n.Parent()
	if err != nil {
		return nil, err
	}
	childAddr, err := n.AddressCells()
	if err != nil {
		return nil, err
	}
	childSize, err := n.SizeCells()
	if err != nil {
		return nil, err
	}
	parentAddr, err := parent.AddressCells()
	if err != nil {
		return nil, err
	}
	if childAddr < 1 || parentAddr < 1 || childSize < 1 {
		return nil, ErrBadCellCount
	}
	cells, err := n.PropCells("ranges")
	if err != nil {
		return nil, err
	}
	return &RangesIter{
		cells:      cells,
		childAddr:  childAddr,
		childSize:  childSize,
		parentAddr: parentAddr,
	}, nil
}
