package fdt

import "errors"

// Engine error taxonomy. The sentinels keep the classic device-tree error
// categories so callers can branch with errors.Is rather than on text.
var (
	// ErrNotFound indicates the requested node or property does not exist.
	ErrNotFound = errors.New("fdt: node or property not found")
	// ErrExists indicates an attempt to create an existing node or property.
	ErrExists = errors.New("fdt: node or property already exists")
	// ErrNoSpace indicates insufficient buffer space to contain the expanded tree.
	ErrNoSpace = errors.New("fdt: insufficient buffer space")
	// ErrBadOffset indicates a structure block offset that is out of bounds or invalid.
	ErrBadOffset = errors.New("fdt: bad structure block offset")
	// ErrBadPath indicates a badly formatted path.
	ErrBadPath = errors.New("fdt: badly formatted path")
	// ErrBadPhandle indicates an invalid phandle length or value.
	ErrBadPhandle = errors.New("fdt: bad phandle")
	// ErrBadState indicates an incomplete or inconsistent device tree.
	ErrBadState = errors.New("fdt: bad device tree state")
	// ErrTruncated indicates the tree or a sub-block is improperly terminated.
	ErrTruncated = errors.New("fdt: truncated device tree")
	// ErrBadMagic indicates the header is missing its magic value.
	ErrBadMagic = errors.New("fdt: bad magic")
	// ErrBadVersion indicates a version this library cannot handle.
	ErrBadVersion = errors.New("fdt: unsupported version")
	// ErrBadStructure indicates a corrupt structure block.
	ErrBadStructure = errors.New("fdt: corrupt structure block")
	// ErrBadLayout indicates sub-blocks in an order the read-write code cannot handle.
	ErrBadLayout = errors.New("fdt: sub-blocks in unsupported order")
	// ErrInternal indicates the library failed an internal assertion.
	ErrInternal = errors.New("fdt: internal assertion failed")
	// ErrBadCellCount indicates a bad #address-cells or #size-cells value.
	ErrBadCellCount = errors.New("fdt: bad #address-cells or #size-cells")
	// ErrBadValue indicates an unexpected property value.
	ErrBadValue = errors.New("fdt: unexpected property value")
	// ErrBadOverlay indicates an overlay that cannot be applied.
	ErrBadOverlay = errors.New("fdt: overlay cannot be applied")
	// ErrNoPhandles indicates no phandle value is available anymore.
	ErrNoPhandles = errors.New("fdt: no phandles available")
	// ErrBadFlags indicates an invalid flag or combination of flags.
	ErrBadFlags = errors.New("fdt: bad flags")
	// ErrAlignment indicates a misaligned block or buffer.
	ErrAlignment = errors.New("fdt: bad alignment")

	// ErrStaleHandle indicates a node, property, or iterator was used after a
	// mutation changed the structure block length. Handles capture the tree
	// generation at creation; any later size-changing edit invalidates them.
	ErrStaleHandle = errors.New("fdt: stale handle after tree mutation")
)
