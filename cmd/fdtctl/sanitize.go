package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/protectedvm/fdtkit/fdt"
	"github.com/protectedvm/fdtkit/firmware"
)

func init() {
	rootCmd.AddCommand(newSanitizeCmd())
}

func newSanitizeCmd() *cobra.Command {
	var (
		output     string
		vmDtbo     string
		bufferSize int
	)

	cmd := &cobra.Command{
		Use:   "sanitize <dtb>",
		Short: "Run the protected VM device tree sanitization pipeline",
		Long: `The sanitize command treats the input blob as an untrusted host
device tree: it extracts and validates the boot facts, rebuilds the tree
from the compiled-in template, and writes the sanitized result. An
optional VM overlay blob carries the assigned-device fragments.

The pipeline edits a fixed-size buffer in place, so the buffer must be
large enough for the input, the template, and the overlay work space.

Example:
  fdtctl sanitize host.dtb -o guest.dtb
  fdtctl sanitize host.dtb -o guest.dtb --vm-dtbo assigned.dtbo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSanitize(args[0], output, vmDtbo, bufferSize)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (defaults to overwriting the input)")
	cmd.Flags().StringVar(&vmDtbo, "vm-dtbo", "", "Device assignment overlay blob")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 262144, "Working buffer size in bytes")
	return cmd
}

func runSanitize(path, output, vmDtbo string, bufferSize int) error {
	if output == "" {
		output = path
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	if len(data) > bufferSize {
		return fmt.Errorf("input is %d bytes, larger than the %d byte buffer", len(data), bufferSize)
	}

	var overlay []byte
	if vmDtbo != "" {
		overlay, err = os.ReadFile(vmDtbo)
		if err != nil {
			return fmt.Errorf("failed to read overlay: %w", err)
		}
	}

	buf := make([]byte, bufferSize)
	copy(buf, data)

	printVerbose("Sanitizing %s (%d bytes) in a %d byte buffer\n", path, len(data), bufferSize)

	info, err := firmware.Sanitize(buf, overlay, nil)
	if err != nil {
		return fmt.Errorf("sanitization failed: %w", err)
	}

	tr, err := fdt.FromSlice(buf)
	if err != nil {
		return fmt.Errorf("sanitized blob failed to reparse: %w", err)
	}
	if err := os.WriteFile(output, tr.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	if jsonOut {
		return printJSON(sanitizeSummary(output, tr.TotalSize(), info))
	}

	printInfo("%s: wrote %d bytes\n", output, tr.TotalSize())
	printInfo("  Memory: %#x + %#x\n", info.MemoryRange.Start, info.MemoryRange.Len())
	printInfo("  CPUs: %d\n", info.NumCPUs)
	printInfo("  Serial ports: %d\n", len(info.Serial.Addrs))
	if info.Bootargs != nil {
		printInfo("  Bootargs: %s\n", *info.Bootargs)
	}
	if info.InitrdRange != nil {
		printInfo("  Initrd: %#x + %#x\n", info.InitrdRange.Start, info.InitrdRange.Len())
	}
	if len(info.VendorPublicKey) > 0 {
		printInfo("  Vendor public key: %d bytes\n", len(info.VendorPublicKey))
	}
	return nil
}

type sanitizeOutput struct {
	File       string  `json:"file"`
	Size       int     `json:"size"`
	MemStart   uint64  `json:"memory_start"`
	MemSize    uint64  `json:"memory_size"`
	NumCPUs    int     `json:"num_cpus"`
	Serials    int     `json:"serial_ports"`
	Bootargs   *string `json:"bootargs,omitempty"`
	HasInitrd  bool    `json:"has_initrd"`
	HasKey     bool    `json:"has_vendor_public_key"`
	SwiotlbLen uint64  `json:"swiotlb_size"`
}

func sanitizeSummary(file string, size int, info *firmware.DeviceTreeInfo) sanitizeOutput {
	return sanitizeOutput{
		File:       file,
		Size:       size,
		MemStart:   info.MemoryRange.Start,
		MemSize:    info.MemoryRange.Len(),
		NumCPUs:    info.NumCPUs,
		Serials:    len(info.Serial.Addrs),
		Bootargs:   info.Bootargs,
		HasInitrd:  info.InitrdRange != nil,
		HasKey:     len(info.VendorPublicKey) > 0,
		SwiotlbLen: info.Swiotlb.Size,
	}
}
