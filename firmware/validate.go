package firmware

import (
	log "github.com/sirupsen/logrus"

	"github.com/protectedvm/fdtkit/fdt"
)

// Exact-shape validation of the extracted facts. Everything here fails
// closed: a tree describing hardware the platform does not provide aborts
// sanitization instead of being partially honored.

// readAndValidateMemoryRange accepts exactly the platform's main memory
// layout: first range based at MemStart with a positive page-aligned size.
// A second range is tolerated with a warning and otherwise ignored.
func readAndValidateMemoryRange(t *fdt.Tree) (fdt.Range, error) {
	it, err := t.Memory()
	if err != nil {
		log.Errorf("Failed to read memory range from DT: %v", err)
		return fdt.Range{}, ErrInvalidDeviceTree
	}
	if !it.Next() {
		if err := it.Err(); err != nil {
			log.Errorf("Failed to read memory range from DT: %v", err)
		} else {
			log.Error("The /memory node in the DT contains no range.")
		}
		return fdt.Range{}, ErrInvalidDeviceTree
	}
	reg := it.Reg()
	if !reg.HasSize {
		log.Error("The /memory range has no size.")
		return fdt.Range{}, ErrInvalidDeviceTree
	}
	if it.Next() {
		log.Warn("The /memory node in the DT contains more than one memory range, while only one is expected.")
	}

	if reg.Addr != MemStart {
		log.Errorf("Memory base address %#x is not %#x", reg.Addr, MemStart)
		return fdt.Range{}, ErrInvalidDeviceTree
	}
	if reg.Size%GuestPageSize != 0 {
		log.Errorf("Memory size %#x is not a multiple of page size %#x", reg.Size, GuestPageSize)
		return fdt.Range{}, ErrInvalidDeviceTree
	}
	if reg.Size == 0 {
		log.Error("Memory size is 0")
		return fdt.Range{}, ErrInvalidDeviceTree
	}
	return fdt.Range{Start: reg.Addr, End: reg.Addr + reg.Size}, nil
}

// validateNumCPUs requires at least one CPU and a redistributor region that
// does not overflow.
func validateNumCPUs(numCPUs int) error {
	if numCPUs == 0 {
		return ErrInvalidCPUCount
	}
	if _, ok := gicPatchedSize(numCPUs); !ok {
		return ErrInvalidCPUCount
	}
	return nil
}

func validatePCIInfo(pci *PCIInfo, memory fdt.Range) error {
	for i := range pci.Ranges {
		if err := validatePCIAddrRange(pci.Ranges[i], memory); err != nil {
			return err
		}
	}
	for i := range pci.IRQMasks {
		if err := validatePCIIRQMask(pci.IRQMasks[i]); err != nil {
			return err
		}
	}
	for i := range pci.IRQMaps {
		if err := validatePCIIRQMap(pci.IRQMaps[i], i); err != nil {
			return err
		}
	}
	return nil
}

// validatePCIAddrRange accepts only 64-bit non-prefetchable memory windows
// with an identity bus-to-CPU mapping, ending inside the translatable
// range and disjoint from main memory.
func validatePCIAddrRange(r fdt.AddressRange, memory fdt.Range) error {
	flags := pciMemoryFlags(r.ChildAddrHi)
	busAddr := r.ChildAddr
	cpuAddr := r.ParentAddr

	if flags.rangeType() != pciRangeMemory64 {
		log.Errorf("Invalid range type %d for bus address %#x in PCI node", flags.rangeType(), busAddr)
		return ErrInvalidDeviceTree
	}
	if flags.prefetchable() {
		log.Errorf("PCI bus address %#x in PCI node is prefetchable", busAddr)
		return ErrInvalidDeviceTree
	}
	// crosvm maps the PCI window at identity.
	if busAddr != cpuAddr {
		log.Errorf("PCI bus address: %#x is different from CPU address: %#x", busAddr, cpuAddr)
		return ErrInvalidDeviceTree
	}

	busEnd := busAddr + r.Size
	if busEnd < busAddr {
		log.Errorf("PCI address range size %#x overflows", r.Size)
		return ErrInvalidDeviceTree
	}
	if busEnd > MaxVirtAddr {
		log.Errorf("PCI address end %#x is outside of translatable range", busEnd)
		return ErrInvalidDeviceTree
	}

	if (fdt.Range{Start: busAddr, End: busEnd}).Overlaps(memory) {
		log.Errorf("PCI address range %#x-%#x overlaps with main memory range %#x-%#x",
			busAddr, busEnd, memory.Start, memory.End)
		return ErrInvalidDeviceTree
	}
	return nil
}

func validatePCIIRQMask(mask PCIIRQMask) error {
	expected := PCIIRQMask{0xf800, 0x0, 0x0, 0x7}
	if mask != expected {
		log.Errorf("Invalid PCI irq mask %#v", mask)
		return ErrInvalidDeviceTree
	}
	return nil
}

// validatePCIIRQMap checks one interrupt-map entry against the shape crosvm
// generates for the device at the given index: device address derived from
// the index, INTA, zero controller address, a level-high GIC SPI with
// sequential interrupt numbers.
func validatePCIIRQMap(m PCIIRQMap, idx int) error {
	const (
		pciDeviceShift   = 11
		pciIRQIntA       = 1
		aarch64IRQBase   = 4
		gicSPI           = 0
		irqTypeLevelHigh = 4
	)

	pciAddr := [3]uint32{m[0], m[1], m[2]}
	pciIRQNumber := m[3]
	// m[4] is the interrupt controller phandle, skipped.
	gicAddr := [2]uint32{m[5], m[6]}
	gicInterruptType := m[7]
	gicIRQNumber := m[8]
	gicIRQType := m[9]

	physHi := uint32(1<<pciDeviceShift) * uint32(idx+1)
	expectedPCIAddr := [3]uint32{physHi, 0, 0}

	if pciAddr != expectedPCIAddr {
		log.Errorf("PCI device address %#x %#x %#x in interrupt-map is different from expected address %#x %#x %#x",
			pciAddr[0], pciAddr[1], pciAddr[2], expectedPCIAddr[0], expectedPCIAddr[1], expectedPCIAddr[2])
		return ErrInvalidDeviceTree
	}
	if pciIRQNumber != pciIRQIntA {
		log.Errorf("PCI INT# %#x in interrupt-map is different from expected value %#x", pciIRQNumber, pciIRQIntA)
		return ErrInvalidDeviceTree
	}
	if gicAddr != [2]uint32{0, 0} {
		log.Errorf("GIC address %#x %#x in interrupt-map is different from expected address 0x0 0x0",
			gicAddr[0], gicAddr[1])
		return ErrInvalidDeviceTree
	}
	if gicInterruptType != gicSPI {
		log.Errorf("GIC peripheral interrupt type %#x in interrupt-map is different from expected value %#x",
			gicInterruptType, gicSPI)
		return ErrInvalidDeviceTree
	}
	if want := uint32(aarch64IRQBase + idx); gicIRQNumber != want {
		log.Errorf("GIC irq number %#x in interrupt-map is unexpected. Expected %#x", gicIRQNumber, want)
		return ErrInvalidDeviceTree
	}
	if gicIRQType != irqTypeLevelHigh {
		log.Errorf("IRQ type in %#x is invalid. Must be LEVEL_HIGH %#x", gicIRQType, irqTypeLevelHigh)
		return ErrInvalidDeviceTree
	}
	return nil
}

// validateSwiotlbInfo checks the pool geometry: positive page-aligned size,
// page-aligned alignment when given, and a fixed placement fully inside
// main memory.
func validateSwiotlbInfo(s *SwiotlbInfo, memory fdt.Range) error {
	if s.Size == 0 || s.Size%GuestPageSize != 0 {
		log.Errorf("Invalid swiotlb size %#x", s.Size)
		return ErrInvalidDeviceTree
	}
	if s.Align != nil && *s.Align%GuestPageSize != 0 {
		log.Errorf("Invalid swiotlb alignment %#x", *s.Align)
		return ErrInvalidDeviceTree
	}
	if s.Addr != nil && *s.Addr+s.Size < *s.Addr {
		log.Errorf("Invalid swiotlb range: addr:%#x size:%#x", *s.Addr, s.Size)
		return ErrInvalidDeviceTree
	}
	if r, ok := s.FixedRange(); ok && !r.IsWithin(memory) {
		log.Errorf("swiotlb range %#x-%#x not part of memory range %#x-%#x",
			r.Start, r.End, memory.Start, memory.End)
		return ErrInvalidDeviceTree
	}
	return nil
}
