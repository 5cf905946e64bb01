package main

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.Version = version
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fdtctl version",
		Run: func(cmd *cobra.Command, args []string) {
			printInfo("fdtctl %s\n", version)
		},
	}
}
