package fdt

import "os"

// File is a device tree blob backed by a file, memory mapped where the
// platform allows it. The Tree edits the backing bytes directly.
type File struct {
	f    *os.File
	data []byte
	size int64
	tree *Tree
}

// Tree returns the tree over the current mapping. Grow replaces it.
func (fl *File) Tree() *Tree { return fl.tree }

// Size returns the backing file size, which is also the tree's capacity.
func (fl *File) Size() int64 { return fl.size }
