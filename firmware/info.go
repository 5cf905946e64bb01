package firmware

import (
	"github.com/protectedvm/fdtkit/fdt"
	"github.com/protectedvm/fdtkit/internal/format"
)

// DeviceTreeInfo is the validated snapshot of everything the pipeline reads
// from the untrusted tree. It is built once per boot by Sanitize and drives
// the template patching; nothing else from the original tree survives.
type DeviceTreeInfo struct {
	// KernelRange is the pre-loaded kernel location from /config, when the
	// host provided one.
	KernelRange *fdt.Range
	// InitrdRange is the pre-loaded ramdisk location from /chosen, when the
	// VM has an initrd.
	InitrdRange *fdt.Range
	// MemoryRange is the guest main memory, validated to start at MemStart
	// with a positive page-aligned size.
	MemoryRange fdt.Range
	// Bootargs is the kernel command line, nil when absent. It is copied
	// into the template unmodified and filtered again for the next stage
	// when the VM is not debuggable.
	Bootargs *string
	// NumCPUs is the count of v8 CPU nodes, at least one.
	NumCPUs int
	// PCI is the validated host bridge topology.
	PCI PCIInfo
	// Serial lists the recognized serial port base addresses.
	Serial SerialInfo
	// Swiotlb is the validated DMA bounce buffer pool geometry.
	Swiotlb SwiotlbInfo
	// DeviceAssignment carries the validated assigned-device configuration
	// from the external collaborator, nil when no VM overlay was given.
	DeviceAssignment DeviceAssignment
	// VendorPublicKey is copied through for the guest init stage; it is not
	// trusted or verified here.
	VendorPublicKey []byte
}

// PCIIRQMask is one interrupt-map-mask entry.
type PCIIRQMask [pciIRQMaskCells]uint32

// PCIIRQMap is one interrupt-map entry.
type PCIIRQMap [pciIRQMapCells]uint32

// PCIInfo is the host bridge description: exactly two address ranges plus
// the interrupt routing tables, each bounded by maxPCIIRQs entries.
type PCIInfo struct {
	Ranges   [2]fdt.AddressRange
	IRQMasks []PCIIRQMask
	IRQMaps  []PCIIRQMap
}

// encodeRanges packs both ranges back into the 7-cells-per-entry layout of
// the template's ranges property.
func (p *PCIInfo) encodeRanges() []byte {
	var b []byte
	for _, r := range p.Ranges {
		b = format.AppendU32(b, r.ChildAddrHi)
		b = format.AppendU64(b, r.ChildAddr)
		b = format.AppendU64(b, r.ParentAddr)
		b = format.AppendU64(b, r.Size)
	}
	return b
}

// SerialInfo records the base address of each recognized serial port, in
// document order, at most maxSerials of them.
type SerialInfo struct {
	Addrs []uint64
}

// Contains reports whether addr is a recognized port base.
func (s *SerialInfo) Contains(addr uint64) bool {
	for _, a := range s.Addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// SwiotlbInfo is the DMA pool geometry: either a fixed placement (Addr set,
// from a reg property) or a dynamic one (size and alignment properties).
type SwiotlbInfo struct {
	Addr  *uint64
	Size  uint64
	Align *uint64
}

// FixedRange returns the pool's fixed placement when one was given.
func (s *SwiotlbInfo) FixedRange() (fdt.Range, bool) {
	if s.Addr == nil {
		return fdt.Range{}, false
	}
	return fdt.Range{Start: *s.Addr, End: *s.Addr + s.Size}, true
}
