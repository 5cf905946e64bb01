package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/protectedvm/fdtkit/fdt"
)

func init() {
	rootCmd.AddCommand(newPackCmd())
}

func newPackCmd() *cobra.Command {
	var (
		output   string
		headroom int64
	)

	cmd := &cobra.Command{
		Use:   "pack <dtb>",
		Short: "Repack a device tree blob to its minimal size or add headroom",
		Long: `The pack command rewrites a device tree blob with tombstoned
entries dropped and the blocks packed tight. With --headroom it instead
grows the file and spreads the slack so later edits do not need a resize.

Without -o the file is modified in place through a writable mapping.

Example:
  fdtctl pack guest.dtb
  fdtctl pack guest.dtb -o packed.dtb
  fdtctl pack guest.dtb --headroom 4096`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(args[0], output, headroom)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the result to a new file instead of in place")
	cmd.Flags().Int64Var(&headroom, "headroom", 0, "Grow the blob by this many bytes of edit headroom")
	return cmd
}

func runPack(path, output string, headroom int64) error {
	if output != "" {
		return packToFile(path, output, headroom)
	}
	return packInPlace(path, headroom)
}

// packInPlace edits the file through its mapping. Packing shrinks the file
// afterwards; headroom grows it first and leaves the blob unpacked over the
// whole file.
func packInPlace(path string, headroom int64) error {
	fl, err := fdt.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer fl.Close()

	if headroom > 0 {
		printVerbose("Growing %s by %d bytes\n", path, headroom)
		if err := fl.Grow(headroom); err != nil {
			return fmt.Errorf("grow failed: %w", err)
		}
		if err := fl.Tree().Unpack(); err != nil {
			return fmt.Errorf("unpack failed: %w", err)
		}
		if err := fl.Flush(); err != nil {
			return err
		}
		printInfo("%s: %d bytes, %d spare\n",
			path, fl.Tree().TotalSize(), int(fl.Size())-fl.Tree().TotalSize())
		return nil
	}

	if err := fl.Tree().Pack(); err != nil {
		return fmt.Errorf("pack failed: %w", err)
	}
	packed := fl.Tree().TotalSize()
	if err := fl.Flush(); err != nil {
		return err
	}
	if err := fl.Close(); err != nil {
		return err
	}
	if err := os.Truncate(path, int64(packed)); err != nil {
		return fmt.Errorf("failed to trim file: %w", err)
	}

	printInfo("%s: packed to %d bytes\n", path, packed)
	return nil
}

// packToFile leaves the input untouched and writes the result elsewhere.
func packToFile(path, output string, headroom int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	if headroom > 0 {
		data = append(data, make([]byte, headroom)...)
	}
	tr, err := fdt.FromSlice(data)
	if err != nil {
		return fmt.Errorf("failed to parse blob: %w", err)
	}

	if headroom > 0 {
		if err := tr.Unpack(); err != nil {
			return fmt.Errorf("unpack failed: %w", err)
		}
	} else if err := tr.Pack(); err != nil {
		return fmt.Errorf("pack failed: %w", err)
	}

	out := tr.Bytes()
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	printInfo("%s: wrote %d bytes\n", output, len(out))
	return nil
}
