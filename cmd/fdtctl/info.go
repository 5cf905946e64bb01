package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/protectedvm/fdtkit/fdt"
)

func init() {
	rootCmd.AddCommand(newInfoCmd())
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <dtb>",
		Short: "Validate a device tree blob and report basic metadata",
		Long: `The info command validates a device tree blob and displays basic
metadata including blob size, node and property counts, tree depth, phandle
usage, and memory layout facts.

Example:
  fdtctl info guest.dtb
  fdtctl info guest.dtb --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(args)
		},
	}
	return cmd
}

type blobInfo struct {
	File          string `json:"file"`
	FileSize      int64  `json:"file_size"`
	TotalSize     int    `json:"total_size"`
	BootCPU       uint32 `json:"boot_cpuid_phys"`
	Nodes         int    `json:"nodes"`
	Properties    int    `json:"properties"`
	MaxDepth      int    `json:"max_depth"`
	MaxPhandle    uint32 `json:"max_phandle"`
	Reservations  int    `json:"memory_reservations"`
	MemoryStart   uint64 `json:"memory_start,omitempty"`
	MemorySize    uint64 `json:"memory_size,omitempty"`
	HasMemoryNode bool   `json:"has_memory_node"`
}

func runInfo(args []string) error {
	path := args[0]

	printVerbose("Opening blob: %s\n", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	tr, err := fdt.FromSlice(data)
	if err != nil {
		return fmt.Errorf("failed to parse blob: %w", err)
	}

	info := blobInfo{
		File:      path,
		FileSize:  int64(len(data)),
		TotalSize: tr.TotalSize(),
		BootCPU:   tr.BootCpuidPhys(),
		Nodes:     1, // root
	}

	countProps := func(n fdt.Node) error {
		it := n.Properties()
		for it.Next() {
			info.Properties++
		}
		return it.Err()
	}
	if err := countProps(tr.Root()); err != nil {
		return err
	}
	it := tr.Root().Descendants()
	for it.Next() {
		info.Nodes++
		if it.Depth() > info.MaxDepth {
			info.MaxDepth = it.Depth()
		}
		if err := countProps(it.Node()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	max, err := tr.MaxPhandle()
	if err == nil {
		info.MaxPhandle = max.Uint32()
	} else if !errors.Is(err, fdt.ErrBadPhandle) {
		return err
	}

	rsv, err := tr.MemoryReservations()
	if err != nil {
		return err
	}
	info.Reservations = len(rsv)

	if r, err := tr.FirstMemoryRange(); err == nil {
		info.HasMemoryNode = true
		info.MemoryStart = r.Start
		info.MemorySize = r.Len()
	}

	if jsonOut {
		return printJSON(info)
	}

	printInfo("\nDevice Tree Information:\n")
	printInfo("  File: %s\n", path)
	printInfo("  File size: %d bytes\n", info.FileSize)
	printInfo("  Blob size: %d bytes\n", info.TotalSize)
	printInfo("  Boot CPU: %#x\n", info.BootCPU)
	printInfo("  Nodes: %d\n", info.Nodes)
	printInfo("  Properties: %d\n", info.Properties)
	printInfo("  Max depth: %d\n", info.MaxDepth)
	printInfo("  Max phandle: %d\n", info.MaxPhandle)
	printInfo("  Memory reservations: %d\n", info.Reservations)
	if info.HasMemoryNode {
		printInfo("  Memory: %#x + %#x\n", info.MemoryStart, info.MemorySize)
	}
	return nil
}
