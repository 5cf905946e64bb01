// Package firmware implements the device tree sanitization pipeline run for
// a protected virtual machine before control is handed to its kernel. The
// host-provided tree is never trusted: a fixed set of hardware facts is
// extracted and validated against exact expected shapes, the whole tree is
// then replaced by a compiled-in known-good template, and only the validated
// facts are written back. A second entry point applies the post
// verified-boot adjustments for the next boot stage.
//
// Verified-boot itself, the instance record store, and device-assignment
// policy are external collaborators; this package only consumes their
// outputs (booleans, hashes, buffer locations, a filtered overlay).
package firmware
