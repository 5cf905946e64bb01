package firmware

import (
	goerrors "errors"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/protectedvm/fdtkit/fdt"
	"github.com/protectedvm/fdtkit/internal/format"
)

// Patchers write the validated facts into the template. Wherever the
// template already carries a property of the right width the edit happens
// in place; only properties whose size legitimately varies (initrd,
// bootargs, vendor key) use the general setter.

func patchDeviceTree(t *fdt.Tree, info *DeviceTreeInfo) error {
	if info.InitrdRange != nil {
		if err := patchInitrdRange(t, *info.InitrdRange); err != nil {
			log.Errorf("Failed to patch initrd range to DT: %v", err)
			return ErrInvalidDeviceTree
		}
	}
	if err := patchMemoryRange(t, info.MemoryRange); err != nil {
		log.Errorf("Failed to patch memory range to DT: %v", err)
		return ErrInvalidDeviceTree
	}
	if info.Bootargs != nil {
		if err := patchBootargs(t, *info.Bootargs); err != nil {
			log.Errorf("Failed to patch bootargs to DT: %v", err)
			return ErrInvalidDeviceTree
		}
	}
	if err := patchNumCPUs(t, info.NumCPUs); err != nil {
		log.Errorf("Failed to patch cpus to DT: %v", err)
		return ErrInvalidDeviceTree
	}
	if err := patchPCIInfo(t, &info.PCI); err != nil {
		log.Errorf("Failed to patch pci info to DT: %v", err)
		return ErrInvalidDeviceTree
	}
	if err := patchSerialInfo(t, &info.Serial); err != nil {
		log.Errorf("Failed to patch serial info to DT: %v", err)
		return ErrInvalidDeviceTree
	}
	if err := patchSwiotlbInfo(t, &info.Swiotlb); err != nil {
		log.Errorf("Failed to patch swiotlb info to DT: %v", err)
		return ErrInvalidDeviceTree
	}
	if err := patchGIC(t, info.NumCPUs); err != nil {
		log.Errorf("Failed to patch gic info to DT: %v", err)
		return ErrInvalidDeviceTree
	}
	if err := patchTimer(t, info.NumCPUs); err != nil {
		log.Errorf("Failed to patch timer info to DT: %v", err)
		return ErrInvalidDeviceTree
	}
	if info.DeviceAssignment != nil {
		// Runs after the overlay was applied; the patch may need more room
		// than the overlay's own buffer carried.
		if err := info.DeviceAssignment.Patch(t); err != nil {
			log.Errorf("Failed to patch device assignment info to DT: %v", err)
			return ErrInvalidDeviceTree
		}
	}
	if info.VendorPublicKey != nil {
		if err := patchVendorPublicKey(t, info.VendorPublicKey); err != nil {
			log.Errorf("Failed to patch vendor_public_key to DT: %v", err)
			return ErrInvalidDeviceTree
		}
	}
	return nil
}

func patchInitrdRange(t *fdt.Tree, r fdt.Range) error {
	chosen, err := t.ChosenMut()
	if err != nil {
		return errors.Wrap(err, "locating /chosen")
	}
	if err := chosen.SetPropU32("linux,initrd-start", uint32(r.Start)); err != nil {
		return errors.Wrap(err, "setting linux,initrd-start")
	}
	if err := chosen.SetPropU32("linux,initrd-end", uint32(r.End)); err != nil {
		return errors.Wrap(err, "setting linux,initrd-end")
	}
	return nil
}

func patchMemoryRange(t *fdt.Tree, r fdt.Range) error {
	var value [16]byte
	format.PutU64(value[:], 0, MemStart)
	format.PutU64(value[:], 8, r.Len())

	node, err := t.NodeMut("/memory")
	if err != nil {
		return errors.Wrap(err, "locating /memory")
	}
	return node.SetPropInplace("reg", value[:])
}

// patchBootargs copies the command line through unmodified. Verification
// has not run yet at this point; the next-stage step filters it again when
// the VM turns out not to be debuggable.
func patchBootargs(t *fdt.Tree, bootargs string) error {
	chosen, err := t.ChosenMut()
	if err != nil {
		return errors.Wrap(err, "locating /chosen")
	}
	return chosen.SetPropString("bootargs", bootargs)
}

// patchNumCPUs keeps the first numCPUs CPU nodes in document order and
// tombstones the rest.
func patchNumCPUs(t *fdt.Tree, numCPUs int) error {
	cur, err := t.Root().NextCompatible(cpuCompatible)
	for i := 0; i < numCPUs; i++ {
		if goerrors.Is(err, fdt.ErrNotFound) {
			return errors.Wrap(fdt.ErrNoSpace, "fewer CPU nodes than requested")
		}
		if err != nil {
			return err
		}
		cur, err = cur.NextCompatible(cpuCompatible)
	}
	for err == nil {
		mut := cur.Mut()
		var next fdt.NodeMut
		next, err = mut.DeleteAndNextCompatible(cpuCompatible)
		cur = next.AsNode()
	}
	if !goerrors.Is(err, fdt.ErrNotFound) {
		return err
	}
	return nil
}

func patchPCIInfo(t *fdt.Tree, pci *PCIInfo) error {
	node, err := t.Root().NextCompatible(pciCompatible)
	if err != nil {
		return errors.Wrap(err, "locating PCI host bridge")
	}
	mut := node.Mut()

	if err := mut.TrimProp("interrupt-map-mask", len(pci.IRQMasks)*pciIRQMaskCells*4); err != nil {
		return errors.Wrap(err, "trimming interrupt-map-mask")
	}
	if err := mut.TrimProp("interrupt-map", len(pci.IRQMaps)*pciIRQMapCells*4); err != nil {
		return errors.Wrap(err, "trimming interrupt-map")
	}
	return mut.SetPropInplace("ranges", pci.encodeRanges())
}

// patchSerialInfo tombstones the serial nodes whose base address was not
// collected from the input tree.
func patchSerialInfo(t *fdt.Tree, serial *SerialInfo) error {
	cur, err := t.Root().NextCompatible(serialCompatible)
	for err == nil {
		reg, rerr := firstReg(cur)
		if rerr != nil {
			return errors.Wrap(rerr, "reading serial node reg")
		}
		if !serial.Contains(reg.Addr) {
			mut := cur.Mut()
			var next fdt.NodeMut
			next, err = mut.DeleteAndNextCompatible(serialCompatible)
			cur = next.AsNode()
		} else {
			cur, err = cur.NextCompatible(serialCompatible)
		}
	}
	if !goerrors.Is(err, fdt.ErrNotFound) {
		return err
	}
	return nil
}

func patchSwiotlbInfo(t *fdt.Tree, s *SwiotlbInfo) error {
	node, err := t.Root().NextCompatible(swiotlbCompatible)
	if err != nil {
		return errors.Wrap(err, "locating swiotlb node")
	}
	mut := node.Mut()

	if r, ok := s.FixedRange(); ok {
		if err := mut.SetPropAddrRangeInplace("reg", r.Start, r.Len()); err != nil {
			return errors.Wrap(err, "setting swiotlb reg")
		}
		if err := mut.NopProp("size"); err != nil {
			return errors.Wrap(err, "dropping swiotlb size")
		}
		return errors.Wrap(mut.NopProp("alignment"), "dropping swiotlb alignment")
	}

	if err := mut.NopProp("reg"); err != nil {
		return errors.Wrap(err, "dropping swiotlb reg")
	}
	if err := mut.SetPropInplaceU64("size", s.Size); err != nil {
		return errors.Wrap(err, "setting swiotlb size")
	}
	return errors.Wrap(mut.SetPropInplaceU64("alignment", *s.Align), "setting swiotlb alignment")
}

// patchGIC rewrites the interrupt controller reg so the redistributor
// region sits directly below the distributor, sized for the CPU count.
func patchGIC(t *fdt.Tree, numCPUs int) error {
	node, err := t.Root().NextCompatible(gicCompatible)
	if err != nil {
		return errors.Wrap(err, "locating interrupt controller")
	}
	regs, err := node.Reg()
	if err != nil {
		return errors.Wrap(err, "reading interrupt controller reg")
	}
	if !regs.Next() {
		return errors.Wrap(fdt.ErrNotFound, "interrupt controller distributor reg")
	}
	dist := regs.Reg()
	if !regs.Next() {
		return errors.Wrap(fdt.ErrNotFound, "interrupt controller redistributor reg")
	}

	// The CPU count validation guarantees this cannot overflow.
	size, _ := gicPatchedSize(numCPUs)

	var value [32]byte
	format.PutU64(value[:], 0, dist.Addr)
	format.PutU64(value[:], 8, dist.Size)
	format.PutU64(value[:], 16, dist.Addr-size)
	format.PutU64(value[:], 24, size)
	mut := node.Mut()
	return mut.SetPropInplace("reg", value[:])
}

// patchTimer ORs the CPU mask into the flags cell of each of the timer's
// four per-CPU interrupts.
func patchTimer(t *fdt.Tree, numCPUs int) error {
	const (
		numInterrupts     = 4
		cellsPerInterrupt = 3
	)
	node, err := t.Root().NextCompatible(timerCompatible)
	if err != nil {
		return errors.Wrap(err, "locating timer")
	}
	cells, err := node.PropCells("interrupts")
	if err != nil {
		return errors.Wrap(err, "reading timer interrupts")
	}
	var value [numInterrupts * cellsPerInterrupt]uint32
	for i := range value {
		if !cells.Next() {
			return errors.Wrap(fdt.ErrBadValue, "timer interrupts too short")
		}
		value[i] = cells.Cell()
	}

	cpuMask := (uint32(1)<<uint(numCPUs) - 1) & 0xff << 8
	for i := 2; i < len(value); i += cellsPerInterrupt {
		value[i] |= cpuMask
	}

	var raw [len(value) * 4]byte
	for i, v := range value {
		format.PutU32(raw[:], i*4, v)
	}
	mut := node.Mut()
	return mut.SetPropInplace("interrupts", raw[:])
}

// patchVendorPublicKey passes the unverified vendor key through to the
// guest under a fresh /avf node.
func patchVendorPublicKey(t *fdt.Tree, key []byte) error {
	root := t.RootMut()
	avf, err := root.AddSubnode("avf")
	if err != nil {
		return errors.Wrap(err, "creating /avf")
	}
	return errors.Wrap(avf.SetProp("vendor_public_key", key), "setting vendor_public_key")
}
