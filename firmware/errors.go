package firmware

import "errors"

// Pipeline failure categories. Lower layers annotate engine errors with the
// fact being processed; the pipeline entry points log the detail and
// collapse into these, so the boot flow only ever sees one abort signal.
var (
	// ErrInvalidDeviceTree covers any validation or engine failure while
	// reading or patching the guest device tree.
	ErrInvalidDeviceTree = errors.New("firmware: invalid device tree")
	// ErrInvalidCPUCount indicates a CPU count of zero or one too large for
	// the GIC redistributor layout.
	ErrInvalidCPUCount = errors.New("firmware: invalid CPU count")
	// ErrApplyOverlay indicates the device assignment overlay could not be
	// applied; both trees involved are corrupt afterwards.
	ErrApplyOverlay = errors.New("firmware: overlay application failed")
)
