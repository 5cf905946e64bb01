package fdt

import "github.com/protectedvm/fdtkit/internal/format"

// Value iterators decode a property that was already copied out as a cell
// view, so they stay usable across tree mutations. They follow the
// Next/Err shape: Next advances and reports whether a value is ready, Err
// explains a premature stop.

// CellIter walks a property value as big-endian 32-bit cells.
type CellIter struct {
	val []byte
	cur uint32
	ok  bool
}

// Next advances to the next cell.
func (it *CellIter) Next() bool {
	if len(it.val) < 4 {
		it.ok = false
		return false
	}
	it.cur = format.ReadU32(it.val, 0)
	it.val = it.val[4:]
	it.ok = true
	return true
}

// Cell returns the current cell. Only valid after a true Next.
func (it *CellIter) Cell() uint32 { return it.cur }

// Remaining returns how many whole cells are left to consume.
func (it *CellIter) Remaining() int { return len(it.val) / 4 }

// take reads n cells as one big-endian value. More than two cells only fit
// when the extra top cells are zero.
func (it *CellIter) take(n int) (uint64, bool, error) {
	var v uint64
	for i := 0; i < n; i++ {
		if !it.Next() {
			if i == 0 {
				return 0, false, nil // clean end of the list
			}
			return 0, false, ErrTruncated
		}
		if i < n-2 && it.cur != 0 {
			return 0, false, ErrBadValue
		}
		v = v<<32 | uint64(it.cur)
	}
	return v, true, nil
}

// Reg is one (address, size) entry of a reg property. Size is only
// meaningful when HasSize is set; a zero #size-cells parent produces
// address-only entries.
type Reg struct {
	Addr    uint64
	Size    uint64
	HasSize bool
}

// RegIter decodes a reg property entry by entry using the parent node's
// cell counts.
type RegIter struct {
	cells     *CellIter
	addrCells int
	sizeCells int
	cur       Reg
	err       error
	done      bool
}

// Next advances to the next (address, size) entry.
func (it *RegIter) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	addr, ok, err := it.cells.take(it.addrCells)
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		it.done = true
		return false
	}
	it.cur = Reg{Addr: addr}
	if it.sizeCells > 0 {
		size, ok, err := it.cells.take(it.sizeCells)
		if err == nil && !ok {
			err = ErrTruncated
		}
		if err != nil {
			it.err = err
			return false
		}
		it.cur.Size = size
		it.cur.HasSize = true
	}
	return true
}

// Reg returns the current entry. Only valid after a true Next.
func (it *RegIter) Reg() Reg { return it.cur }

// Err reports why the iteration stopped early, if it did.
func (it *RegIter) Err() error { return it.err }

// AddressRange is one translation entry of a ranges property. ChildAddrHi
// carries the top cell of a three-cell child address (the PCI phys.hi
// flags word); for narrower child addresses it is zero.
type AddressRange struct {
	ChildAddrHi uint32
	ChildAddr   uint64
	ParentAddr  uint64
	Size        uint64
}

// RangesIter decodes a ranges property entry by entry.
type RangesIter struct {
	cells      *CellIter
	childAddr  int
	childSize  int
	parentAddr int
	cur        AddressRange
	err        error
	done       bool
}

// Next advances to the next translation entry.
func (it *RangesIter) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	var hi uint32
	n := it.childAddr
	if n == maxAddrCells {
		if !it.cells.Next() {
			it.done = true
			return false
		}
		hi = it.cells.Cell()
		n--
	}
	child, ok, err := it.cells.take(n)
	if err == nil && !ok {
		if it.childAddr == maxAddrCells {
			err = ErrTruncated // had the hi cell, missing the rest
		} else {
			it.done = true
			return false
		}
	}
	if err != nil {
		it.err = err
		return false
	}
	parent, ok, err := it.cells.take(it.parentAddr)
	if err == nil && !ok {
		err = ErrTruncated
	}
	if err != nil {
		it.err = err
		return false
	}
	size, ok, err := it.cells.take(it.childSize)
	if err == nil && !ok {
		err = ErrTruncated
	}
	if err != nil {
		it.err = err
		return false
	}
	it.cur = AddressRange{ChildAddrHi: hi, ChildAddr: child, ParentAddr: parent, Size: size}
	return true
}

// Range returns the current entry. Only valid after a true Next.
func (it *RangesIter) Range() AddressRange { return it.cur }

// Err reports why the iteration stopped early, if it did.
func (it *RangesIter) Err() error { return it.err }
