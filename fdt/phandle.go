package fdt

import "github.com/protectedvm/fdtkit/internal/format"

// Phandle is a node reference usable in properties. Zero and 0xffffffff are
// reserved by the format and never valid.
type Phandle uint32

// Valid phandle bounds.
const (
	PhandleMin Phandle = format.MinPhandle
	PhandleMax Phandle = format.MaxPhandle
)

// NewPhandle range-checks a raw cell value.
func NewPhandle(v uint32) (Phandle, error) {
	if v < uint32(PhandleMin) || v > uint32(PhandleMax) {
		return 0, ErrBadPhandle
	}
	return Phandle(v), nil
}

// Uint32 returns the raw cell value.
func (p Phandle) Uint32() uint32 { return uint32(p) }
