package fdt

import "errors"

// Structure iterators. Unlike the value iterators these hold live offsets
// into the structure block, so they capture the tree generation and stop
// with ErrStaleHandle if a size-changing mutation happens mid-walk.

// SubnodeIter walks the direct children of a node.
type SubnodeIter struct {
	t     *Tree
	gen   uint64
	off   int // current child, or the parent before the first Next
	first bool
	err   error
	done  bool
}

// Subnodes iterates the node's direct children in document order.
func (n Node) Subnodes() *SubnodeIter {
	it := &SubnodeIter{t: n.t, gen: n.gen, off: n.off, first: true}
	if err := n.valid(); err != nil {
		it.err = err
	}
	return it
}

// Next advances to the next child.
func (it *SubnodeIter) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if it.gen != it.t.gen {
		it.err = ErrStaleHandle
		return false
	}
	var off int
	var err error
	if it.first {
		off, err = it.t.firstSubnode(it.off)
		it.first = false
	} else {
		off, err = it.t.nextSubnode(it.off)
	}
	if errors.Is(err, ErrNotFound) {
		it.done = true
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	it.off = off
	return true
}

// Node returns the current child. Only valid after a true Next.
func (it *SubnodeIter) Node() Node {
	return Node{t: it.t, off: it.off, gen: it.gen}
}

// Err reports why the iteration stopped early, if it did.
func (it *SubnodeIter) Err() error { return it.err }

// DescendantIter walks a node's whole subtree in document order, excluding
// the node itself, tracking the depth relative to it.
type DescendantIter struct {
	t     *Tree
	gen   uint64
	off   int
	depth int
	err   error
	done  bool
}

// Descendants iterates every node below this one.
func (n Node) Descendants() *DescendantIter {
	it := &DescendantIter{t: n.t, gen: n.gen, off: n.off}
	if err := n.valid(); err != nil {
		it.err = err
	}
	return it
}

// Next advances to the next descendant.
func (it *DescendantIter) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if it.gen != it.t.gen {
		it.err = ErrStaleHandle
		return false
	}
	off, err := it.t.nextNode(it.off, &it.depth)
	if errors.Is(err, ErrNotFound) {
		it.done = true
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	it.off = off
	return true
}

// Node returns the current descendant. Only valid after a true Next.
func (it *DescendantIter) Node() Node {
	return Node{t: it.t, off: it.off, gen: it.gen}
}

// Depth returns the current descendant's depth relative to the starting
// node (direct children are at depth 1).
func (it *DescendantIter) Depth() int { return it.depth }

// Err reports why the iteration stopped early, if it did.
func (it *DescendantIter) Err() error { return it.err }

// Property is a read-only handle on one property of a node.
type Property struct {
	t   *Tree
	off int // property token offset
	gen uint64
}

func (p Property) valid() error {
	if p.t == nil {
		return ErrBadState
	}
	if p.gen != p.t.gen {
		return ErrStaleHandle
	}
	return nil
}

// Name resolves the property's name.
func (p Property) Name() (string, error) {
	if err := p.valid(); err != nil {
		return "", err
	}
	return p.t.propName(p.off)
}

// Value returns the property's value, aliased into the structure block.
func (p Property) Value() ([]byte, error) {
	if err := p.valid(); err != nil {
		return nil, err
	}
	_, val, err := p.t.propAt(p.off)
	return val, err
}

// PropertyIter walks the properties of a node.
type PropertyIter struct {
	t     *Tree
	gen   uint64
	off   int // current property, or the node before the first Next
	first bool
	err   error
	done  bool
}

// Properties iterates the node's properties in storage order.
func (n Node) Properties() *PropertyIter {
	it := &PropertyIter{t: n.t, gen: n.gen, off: n.off, first: true}
	if err := n.valid(); err != nil {
		it.err = err
	}
	return it
}

// Next advances to the next property.
func (it *PropertyIter) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if it.gen != it.t.gen {
		it.err = ErrStaleHandle
		return false
	}
	var off int
	var err error
	if it.first {
		off, err = it.t.firstPropOffset(it.off)
		it.first = false
	} else {
		off, err = it.t.nextPropOffset(it.off)
	}
	if errors.Is(err, ErrNotFound) {
		it.done = true
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	it.off = off
	return true
}

// Property returns the current property. Only valid after a true Next.
func (it *PropertyIter) Property() Property {
	return Property{t: it.t, off: it.off, gen: it.gen}
}

// Err reports why the iteration stopped early, if it did.
func (it *PropertyIter) Err() error { return it.err }

// CompatibleIter walks the nodes matching a compatible string in document
// order across the whole tree.
type CompatibleIter struct {
	t          *Tree
	gen        uint64
	off        int // current node, or -1 before the first Next
	compatible string
	err        error
	done       bool
}

// Next advances to the next matching node.
func (it *CompatibleIter) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if it.gen != it.t.gen {
		it.err = ErrStaleHandle
		return false
	}
	off, err := it.t.offsetByCompatible(it.off, it.compatible)
	if errors.Is(err, ErrNotFound) {
		it.done = true
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	it.off = off
	return true
}

// Node returns the current match. Only valid after a true Next.
func (it *CompatibleIter) Node() Node {
	return Node{t: it.t, off: it.off, gen: it.gen}
}

// Err reports why the iteration stopped early, if it did.
func (it *CompatibleIter) Err() error { return it.err }
