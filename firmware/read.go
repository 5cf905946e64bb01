package firmware

import (
	goerrors "errors"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/protectedvm/fdtkit/fdt"
)

// Per-fact extraction from the untrusted tree. Absence of an optional fact
// is not an error; malformed values always are. Every returned value is a
// copy, since the source tree is overwritten by the template right after
// parsing.

// readKernelRange extracts the pre-loaded kernel location from /config.
func readKernelRange(t *fdt.Tree) (*fdt.Range, error) {
	config, err := t.Node("/config")
	if goerrors.Is(err, fdt.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "locating /config")
	}
	addr, err := optionalU32(config, "kernel-address")
	if err != nil {
		return nil, err
	}
	size, err := optionalU32(config, "kernel-size")
	if err != nil {
		return nil, err
	}
	if addr == nil || size == nil {
		return nil, nil
	}
	start := uint64(*addr)
	return &fdt.Range{Start: start, End: start + uint64(*size)}, nil
}

// readInitrdRange extracts the pre-loaded ramdisk location from /chosen.
// Initrd-less VMs are fine.
func readInitrdRange(t *fdt.Tree) (*fdt.Range, error) {
	chosen, err := t.Chosen()
	if goerrors.Is(err, fdt.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "locating /chosen")
	}
	start, err := optionalU32(chosen, "linux,initrd-start")
	if err != nil {
		return nil, err
	}
	end, err := optionalU32(chosen, "linux,initrd-end")
	if err != nil {
		return nil, err
	}
	if start == nil || end == nil {
		return nil, nil
	}
	return &fdt.Range{Start: uint64(*start), End: uint64(*end)}, nil
}

func readBootargs(t *fdt.Tree) (*string, error) {
	chosen, err := t.Chosen()
	if goerrors.Is(err, fdt.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "locating /chosen")
	}
	s, err := chosen.PropString("bootargs")
	if goerrors.Is(err, fdt.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading bootargs")
	}
	return &s, nil
}

// readNumCPUs counts the v8 CPU nodes.
func readNumCPUs(t *fdt.Tree) (int, error) {
	n := 0
	it := t.CompatibleNodes(cpuCompatible)
	for it.Next() {
		n++
	}
	if err := it.Err(); err != nil {
		return 0, errors.Wrap(err, "counting CPU nodes")
	}
	return n, nil
}

// readPCIInfo extracts the host bridge ranges and interrupt tables.
func readPCIInfo(t *fdt.Tree) (PCIInfo, error) {
	var info PCIInfo

	it := t.CompatibleNodes(pciCompatible)
	if !it.Next() {
		if err := it.Err(); err != nil {
			return info, errors.Wrap(err, "locating PCI host bridge")
		}
		return info, errors.Wrap(fdt.ErrNotFound, "locating PCI host bridge")
	}
	node := it.Node()

	ranges, err := node.Ranges()
	if err != nil {
		return info, errors.Wrap(err, "reading PCI ranges")
	}
	for i := range info.Ranges {
		if !ranges.Next() {
			if err := ranges.Err(); err != nil {
				return info, errors.Wrap(err, "decoding PCI ranges")
			}
			return info, errors.Wrap(fdt.ErrNotFound, "PCI node needs two ranges")
		}
		info.Ranges[i] = ranges.Range()
	}

	masks, err := node.PropCells("interrupt-map-mask")
	if err != nil {
		return info, errors.Wrap(err, "reading interrupt-map-mask")
	}
	for len(info.IRQMasks) < maxPCIIRQs {
		var mask PCIIRQMask
		n, err := takeCells(masks, mask[:])
		if err != nil {
			return info, errors.Wrap(err, "decoding interrupt-map-mask")
		}
		if n == 0 {
			break
		}
		info.IRQMasks = append(info.IRQMasks, mask)
	}
	if masks.Remaining() >= pciIRQMaskCells {
		log.Warnf("Input DT has more than %d PCI entries", maxPCIIRQs)
		return info, errors.Wrap(fdt.ErrNoSpace, "interrupt-map-mask")
	}

	maps, err := node.PropCells("interrupt-map")
	if err != nil {
		return info, errors.Wrap(err, "reading interrupt-map")
	}
	for len(info.IRQMaps) < maxPCIIRQs {
		var entry PCIIRQMap
		n, err := takeCells(maps, entry[:])
		if err != nil {
			return info, errors.Wrap(err, "decoding interrupt-map")
		}
		if n == 0 {
			break
		}
		info.IRQMaps = append(info.IRQMaps, entry)
	}
	if maps.Remaining() >= pciIRQMapCells {
		log.Warnf("Input DT has more than %d PCI entries", maxPCIIRQs)
		return info, errors.Wrap(fdt.ErrNoSpace, "interrupt-map")
	}

	return info, nil
}

// takeCells fills out with the next len(out) cells. A clean end before the
// first cell returns 0; running out mid-chunk drops the partial chunk the
// same way, matching chunked iteration over a cell list.
func takeCells(it *fdt.CellIter, out []uint32) (int, error) {
	for i := range out {
		if !it.Next() {
			return 0, nil
		}
		out[i] = it.Cell()
	}
	return len(out), nil
}

// readSerialInfo collects the base address of each recognized serial port,
// bounded by maxSerials.
func readSerialInfo(t *fdt.Tree) (SerialInfo, error) {
	var info SerialInfo
	it := t.CompatibleNodes(serialCompatible)
	for len(info.Addrs) < maxSerials && it.Next() {
		reg, err := firstReg(it.Node())
		if err != nil {
			return info, errors.Wrap(err, "reading serial port reg")
		}
		info.Addrs = append(info.Addrs, reg.Addr)
	}
	if err := it.Err(); err != nil {
		return info, errors.Wrap(err, "scanning serial ports")
	}
	return info, nil
}

// firstReg returns the node's first reg entry.
func firstReg(n fdt.Node) (fdt.Reg, error) {
	it, err := n.Reg()
	if err != nil {
		return fdt.Reg{}, err
	}
	if !it.Next() {
		if err := it.Err(); err != nil {
			return fdt.Reg{}, err
		}
		return fdt.Reg{}, fdt.ErrNotFound
	}
	return it.Reg(), nil
}

// readSwiotlbInfo extracts the DMA pool geometry: a reg property fixes the
// placement; otherwise size and alignment describe a dynamic pool.
func readSwiotlbInfo(t *fdt.Tree) (SwiotlbInfo, error) {
	var info SwiotlbInfo
	it := t.CompatibleNodes(swiotlbCompatible)
	if !it.Next() {
		if err := it.Err(); err != nil {
			return info, errors.Wrap(err, "locating swiotlb node")
		}
		return info, errors.Wrap(fdt.ErrNotFound, "locating swiotlb node")
	}
	node := it.Node()

	reg, err := firstReg(node)
	switch {
	case err == nil:
		if !reg.HasSize {
			return info, errors.Wrap(fdt.ErrBadValue, "swiotlb reg has no size")
		}
		addr := reg.Addr
		info.Addr = &addr
		info.Size = reg.Size
	case goerrors.Is(err, fdt.ErrNotFound):
		size, err := node.PropU64("size")
		if err != nil {
			return info, errors.Wrap(err, "reading swiotlb size")
		}
		align, err := node.PropU64("alignment")
		if err != nil {
			return info, errors.Wrap(err, "reading swiotlb alignment")
		}
		info.Size = size
		info.Align = &align
	default:
		return info, errors.Wrap(err, "reading swiotlb reg")
	}
	return info, nil
}

// readVendorPublicKey copies the vendor key blob from /avf when present.
func readVendorPublicKey(t *fdt.Tree) ([]byte, error) {
	avf, err := t.Node("/avf")
	if goerrors.Is(err, fdt.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "locating /avf")
	}
	key, err := avf.Prop("vendor_public_key")
	if goerrors.Is(err, fdt.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading vendor_public_key")
	}
	return append([]byte(nil), key...), nil
}

// optionalU32 reads a single-cell property, mapping absence to nil.
func optionalU32(n fdt.Node, name string) (*uint32, error) {
	v, err := n.PropU32(name)
	if goerrors.Is(err, fdt.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	return &v, nil
}
