// Package fdt implements an engine for the flattened device tree (FDT)
// binary format: a fixed-capacity, offset-addressed tree store with bounded
// accessors, zero-copy node and property views, lazy forward-only iterators,
// in-place and splice-based mutation, pack/unpack relocation, and overlay
// application with phandle fixups.
//
// A Tree owns its backing buffer. Construction walks and validates the whole
// blob, so a Tree that exists is structurally sound and every byte range the
// engine hands out lies within the declared total size. Node, property, and
// iterator handles are ephemeral (tree identity + structure offset): any
// mutation that changes the structure block length invalidates all
// previously obtained handles, which is enforced with a generation counter —
// access through a stale handle fails with ErrStaleHandle instead of reading
// relocated data. In-place edits and tombstoning (NOP overwrites) preserve
// outstanding offsets.
package fdt
