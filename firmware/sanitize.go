package firmware

import (
	log "github.com/sirupsen/logrus"

	"github.com/protectedvm/fdtkit/fdt"
)

// Sanitize rebuilds the untrusted host-provided device tree in place. The
// input is parsed and validated into a DeviceTreeInfo, then the buffer is
// overwritten with the compiled-in template and the validated facts are
// patched back in. Nothing the host wrote survives except what validation
// explicitly accepted.
//
// fdtBuf must be large enough to hold the template plus the patched
// properties; it is left packed. vmDtbo, when non-nil, is the host's VM
// overlay blob and is modified in place as scratch space. assigner, when
// non-nil, decides which assigned devices the overlay may describe.
func Sanitize(fdtBuf []byte, vmDtbo []byte, assigner DeviceAssigner) (*DeviceTreeInfo, error) {
	t, err := fdt.FromSlice(fdtBuf)
	if err != nil {
		log.Errorf("Failed to load FDT: %v", err)
		return nil, ErrInvalidDeviceTree
	}

	var overlay *fdt.Tree
	if vmDtbo != nil {
		overlay, err = fdt.FromSlice(vmDtbo)
		if err != nil {
			log.Errorf("Failed to load VM DTBO: %v", err)
			return nil, ErrInvalidDeviceTree
		}
	}

	info, err := parseDeviceTree(t, overlay, assigner)
	if err != nil {
		return nil, err
	}

	// From here the untrusted contents are gone; only info survives.
	if err := t.CopyFromSlice(Template()); err != nil {
		log.Errorf("Failed to instantiate FDT template: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	if err := t.Unpack(); err != nil {
		log.Errorf("Failed to unpack FDT template: %v", err)
		return nil, ErrInvalidDeviceTree
	}

	if info.DeviceAssignment != nil && overlay != nil {
		if err := info.DeviceAssignment.Filter(overlay); err != nil {
			log.Errorf("Failed to filter VM DTBO: %v", err)
			return nil, err
		}
		// Applying a filtered overlay corrupts both trees on failure, so
		// there is no recovery path here.
		if err := t.ApplyOverlay(overlay); err != nil {
			log.Errorf("Failed to apply filtered VM DTBO: %v", err)
			return nil, ErrApplyOverlay
		}
	}

	if err := patchDeviceTree(t, info); err != nil {
		return nil, err
	}
	if err := t.Pack(); err != nil {
		log.Errorf("Failed to pack sanitized FDT: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	return info, nil
}

// parseDeviceTree extracts and validates every fact the pipeline consumes.
func parseDeviceTree(t *fdt.Tree, overlay *fdt.Tree, assigner DeviceAssigner) (*DeviceTreeInfo, error) {
	info := &DeviceTreeInfo{}

	kernel, err := readKernelRange(t)
	if err != nil {
		log.Errorf("Failed to read kernel range from DT: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	info.KernelRange = kernel

	initrd, err := readInitrdRange(t)
	if err != nil {
		log.Errorf("Failed to read initrd range from DT: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	info.InitrdRange = initrd

	memory, err := readAndValidateMemoryRange(t)
	if err != nil {
		return nil, err
	}
	info.MemoryRange = memory

	bootargs, err := readBootargs(t)
	if err != nil {
		log.Errorf("Failed to read bootargs from DT: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	info.Bootargs = bootargs

	numCPUs, err := readNumCPUs(t)
	if err != nil {
		log.Errorf("Failed to read CPU nodes from DT: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	if err := validateNumCPUs(numCPUs); err != nil {
		log.Errorf("Invalid CPU count %d in DT", numCPUs)
		return nil, err
	}
	info.NumCPUs = numCPUs

	pci, err := readPCIInfo(t)
	if err != nil {
		log.Errorf("Failed to read PCI info from DT: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	if err := validatePCIInfo(&pci, memory); err != nil {
		return nil, err
	}
	info.PCI = pci

	serial, err := readSerialInfo(t)
	if err != nil {
		log.Errorf("Failed to read serial info from DT: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	info.Serial = serial

	swiotlb, err := readSwiotlbInfo(t)
	if err != nil {
		log.Errorf("Failed to read swiotlb info from DT: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	if err := validateSwiotlbInfo(&swiotlb, memory); err != nil {
		return nil, err
	}
	info.Swiotlb = swiotlb

	if assigner != nil && overlay != nil {
		assignment, err := assigner.Parse(t, overlay)
		if err != nil {
			log.Errorf("Failed to parse device assignment: %v", err)
			return nil, ErrInvalidDeviceTree
		}
		info.DeviceAssignment = assignment
	}

	key, err := readVendorPublicKey(t)
	if err != nil {
		log.Errorf("Failed to read vendor_public_key from DT: %v", err)
		return nil, ErrInvalidDeviceTree
	}
	info.VendorPublicKey = key

	return info, nil
}
