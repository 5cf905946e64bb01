//go:build linux || darwin

package fdt

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Open mmaps a device tree blob RW so edits land in the file directly. The
// mapping covers the whole file; the slack between the blob's declared
// total size and the file size is the tree's growth headroom.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	sz := st.Size()
	if sz == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("empty device tree file: %s", path)
	}

	data, err := syscall.Mmap(
		int(f.Fd()),
		0,
		int(sz),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED,
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	t, err := FromSlice(data)
	if err != nil {
		_ = syscall.Munmap(data)
		_ = f.Close()
		return nil, err
	}

	return &File{f: f, data: data, size: sz, tree: t}, nil
}

// Flush pushes the mapped pages to disk.
func (fl *File) Flush() error {
	if fl.data == nil {
		return ErrBadState
	}
	return unix.Msync(fl.data, unix.MS_SYNC)
}

// Close unmaps and closes the file. The Tree must not be used afterwards.
func (fl *File) Close() error {
	var err error
	if fl.data != nil {
		_ = syscall.Munmap(fl.data)
		fl.data = nil
	}
	if fl.f != nil {
		err = fl.f.Close()
		fl.f = nil
	}
	fl.tree = nil
	return err
}

// Grow extends the file by n zero bytes and remaps it, giving the tree that
// much more growth headroom. The old Tree and every handle on it are
// invalid afterwards; use Tree() to get the remapped one.
func (fl *File) Grow(n int64) error {
	if fl == nil || fl.f == nil {
		return ErrBadState
	}
	if n <= 0 {
		return nil
	}

	newSize := fl.size + n

	if fl.data != nil {
		if err := syscall.Munmap(fl.data); err != nil {
			return fmt.Errorf("fdt: unmap before grow: %w", err)
		}
		fl.data = nil
		fl.tree = nil
	}

	if err := fl.f.Truncate(newSize); err != nil {
		fl.remapAt(fl.size)
		return fmt.Errorf("fdt: extend file: %w", err)
	}

	if err := fl.remapAt(newSize); err != nil {
		fl.remapAt(fl.size)
		return fmt.Errorf("fdt: remap after grow: %w", err)
	}
	fl.size = newSize
	return nil
}

// remapAt maps the file at the given size and rebuilds the Tree over the
// new mapping. The old mapping must already be gone.
func (fl *File) remapAt(size int64) error {
	data, err := syscall.Mmap(
		int(fl.f.Fd()),
		0,
		int(size),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED,
	)
	if err != nil {
		return err
	}
	t, err := FromSlice(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return err
	}
	fl.data = data
	fl.tree = t
	return nil
}
