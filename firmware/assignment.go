package firmware

import "github.com/protectedvm/fdtkit/fdt"

// Device assignment policy is an external collaborator: it decides which
// physical devices the VM overlay may hand to the guest. The pipeline only
// defines the seam and drives it at the right points.

// DeviceAssigner parses an assignment configuration out of the guest tree
// and the VM overlay. A nil, nil return means no devices are assigned and
// the overlay is not applied.
type DeviceAssigner interface {
	Parse(guest *fdt.Tree, vmOverlay *fdt.Tree) (DeviceAssignment, error)
}

// DeviceAssignment is one validated assignment configuration.
type DeviceAssignment interface {
	// Filter strips the VM overlay down to the permitted subset, in place,
	// before it is applied to the template.
	Filter(vmOverlay *fdt.Tree) error
	// Patch writes the assignment's properties into the sanitized tree.
	// It runs after the overlay is applied, since patching may need more
	// space than the overlay's own buffer had.
	Patch(guest *fdt.Tree) error
}
