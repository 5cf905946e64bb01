package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/protectedvm/fdtkit/fdt"
	"github.com/protectedvm/fdtkit/internal/format"
)

func init() {
	rootCmd.AddCommand(newDumpCmd())
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <dtb> [path]",
		Short: "Print a device tree blob as source-style text",
		Long: `The dump command prints a device tree blob in device tree source
style. An optional node path limits the dump to that subtree.

Example:
  fdtctl dump guest.dtb
  fdtctl dump guest.dtb /chosen`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(args)
		},
	}
	return cmd
}

func runDump(args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	tr, err := fdt.FromSlice(data)
	if err != nil {
		return fmt.Errorf("failed to parse blob: %w", err)
	}

	node := tr.Root()
	if len(args) == 2 {
		node, err = tr.Node(args[1])
		if err != nil {
			return fmt.Errorf("node %q: %w", args[1], err)
		}
	}

	var sb strings.Builder
	sb.WriteString("/dts-v1/;\n\n")
	for _, rsv := range mustReservations(tr) {
		fmt.Fprintf(&sb, "/memreserve/ %#016x %#016x;\n", rsv.Addr, rsv.Size)
	}
	if err := dumpNode(&sb, node, 0); err != nil {
		return err
	}

	printInfo("%s", sb.String())
	return nil
}

func mustReservations(tr *fdt.Tree) []fdt.MemReserveEntry {
	rsv, err := tr.MemoryReservations()
	if err != nil {
		return nil
	}
	return rsv
}

func dumpNode(sb *strings.Builder, n fdt.Node, depth int) error {
	indent := strings.Repeat("\t", depth)

	name, err := n.Name()
	if err != nil {
		return err
	}
	if name == "" {
		name = "/"
	}
	fmt.Fprintf(sb, "%s%s {\n", indent, name)

	props := n.Properties()
	for props.Next() {
		p := props.Property()
		pname, err := p.Name()
		if err != nil {
			return err
		}
		val, err := p.Value()
		if err != nil {
			return err
		}
		fmt.Fprintf(sb, "%s\t%s%s;\n", indent, pname, renderValue(val))
	}
	if err := props.Err(); err != nil {
		return err
	}

	subs := n.Subnodes()
	for subs.Next() {
		sb.WriteString("\n")
		if err := dumpNode(sb, subs.Node(), depth+1); err != nil {
			return err
		}
	}
	if err := subs.Err(); err != nil {
		return err
	}

	fmt.Fprintf(sb, "%s};\n", indent)
	return nil
}

// renderValue formats a property value the way dtc would: empty properties
// bare, printable NUL-terminated strings quoted, cell-aligned values as
// <...>, and anything else as a byte list.
func renderValue(val []byte) string {
	if len(val) == 0 {
		return ""
	}
	if strs, ok := asStringList(val); ok {
		quoted := make([]string, len(strs))
		for i, s := range strs {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		return " = " + strings.Join(quoted, ", ")
	}
	if len(val)%format.StructAlignment == 0 {
		cells := make([]string, 0, len(val)/format.StructAlignment)
		for off := 0; off < len(val); off += format.StructAlignment {
			cells = append(cells, fmt.Sprintf("%#x", format.ReadU32(val, off)))
		}
		return " = <" + strings.Join(cells, " ") + ">"
	}
	bytes := make([]string, len(val))
	for i, b := range val {
		bytes[i] = fmt.Sprintf("%02x", b)
	}
	return " = [" + strings.Join(bytes, " ") + "]"
}

// asStringList decodes a value as one or more printable NUL-terminated
// strings. Anything else reports false.
func asStringList(val []byte) ([]string, bool) {
	if len(val) == 0 || val[len(val)-1] != 0 {
		return nil, false
	}
	parts := strings.Split(string(val[:len(val)-1]), "\x00")
	for _, s := range parts {
		if s == "" {
			return nil, false
		}
		for _, c := range s {
			if c < 0x20 || c > 0x7e {
				return nil, false
			}
		}
	}
	return parts, true
}
