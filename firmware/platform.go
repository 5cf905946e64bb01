package firmware

// Fixed facts about the virtual platform the guest runs on. The validation
// layer rejects any tree describing different hardware instead of adapting
// to it.
const (
	// MemStart is the only accepted guest main memory base address.
	MemStart uint64 = 0x8000_0000
	// GuestPageSize bounds all size and alignment checks.
	GuestPageSize uint64 = 4096
	// MaxVirtAddr is the translatable address ceiling; no device range may
	// end beyond it.
	MaxVirtAddr uint64 = 1 << 40

	// gicRedistSizePerCPU is the GIC redistributor frame size per CPU.
	gicRedistSizePerCPU uint64 = 32 * 4096

	cpuCompatible     = "arm,arm-v8"
	gicCompatible     = "arm,gic-v3"
	timerCompatible   = "arm,armv8-timer"
	serialCompatible  = "ns16550a"
	pciCompatible     = "pci-host-cam-generic"
	swiotlbCompatible = "restricted-dma-pool"
	diceCompatible    = "google,open-dice"
)

// PCI interrupt layout bounds.
const (
	pciIRQMaskCells = 4
	pciIRQMapCells  = 10
	maxPCIIRQs      = 10
	maxSerials      = 4
)

// pciMemoryFlags decodes the phys.hi cell of a PCI child address.
type pciMemoryFlags uint32

// PCI address space codes from the phys.hi ss bits.
const (
	pciRangeConfig   = 0
	pciRangeIO       = 1
	pciRangeMemory32 = 2
	pciRangeMemory64 = 3
)

func (f pciMemoryFlags) rangeType() uint32 { return (uint32(f) >> 24) & 0x3 }

func (f pciMemoryFlags) prefetchable() bool { return uint32(f)&0x4000_0000 != 0 }

// gicPatchedSize computes the total redistributor region size for the given
// CPU count. The second return is false on multiplication overflow, which
// the CPU count validation treats as an invalid count.
func gicPatchedSize(numCPUs int) (uint64, bool) {
	n := uint64(numCPUs)
	if n != 0 && n > (1<<64-1)/gicRedistSizePerCPU {
		return 0, false
	}
	return gicRedistSizePerCPU * n, true
}
