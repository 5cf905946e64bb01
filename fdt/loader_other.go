//go:build !linux && !darwin

package fdt

import (
	"fmt"
	"io"
	"os"
)

// Open loads a device tree blob into memory on platforms without mmap
// support. Edits only reach the file on Flush.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	sz := st.Size()
	if sz == 0 {
		f.Close()
		return nil, fmt.Errorf("empty device tree file: %s", path)
	}

	buf := make([]byte, sz)
	if _, err := io.ReadFull(f, buf); err != nil {
		f.Close()
		return nil, err
	}

	t, err := FromSlice(buf)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &File{f: f, data: buf, size: sz, tree: t}, nil
}

// Flush writes the in-memory buffer back to the file.
func (fl *File) Flush() error {
	if fl.data == nil || fl.f == nil {
		return ErrBadState
	}
	if _, err := fl.f.WriteAt(fl.data, 0); err != nil {
		return fmt.Errorf("fdt: write back: %w", err)
	}
	return fl.f.Sync()
}

// Close flushes nothing and closes the file. The Tree must not be used
// afterwards.
func (fl *File) Close() error {
	var err error
	if fl.f != nil {
		err = fl.f.Close()
		fl.f = nil
	}
	fl.data = nil
	fl.tree = nil
	return err
}

// Grow extends the file by n zero bytes and the in-memory buffer with it.
// The old Tree and every handle on it are invalid afterwards; use Tree()
// to get the rebuilt one.
func (fl *File) Grow(n int64) error {
	if fl == nil || fl.f == nil {
		return ErrBadState
	}
	if n <= 0 {
		return nil
	}

	newSize := fl.size + n
	if err := fl.f.Truncate(newSize); err != nil {
		return fmt.Errorf("fdt: extend file: %w", err)
	}

	buf := make([]byte, newSize)
	copy(buf, fl.data)
	t, err := FromSlice(buf)
	if err != nil {
		return err
	}
	fl.data = buf
	fl.size = newSize
	fl.tree = t
	return nil
}
