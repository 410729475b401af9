// Command detourctl is detourx's example program, an external
// collaborator demonstrating the handle API end-to-end.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	root := &cobra.Command{
		Use:   "detourctl",
		Short: "Exercise and inspect in-process detours",
	}

	var debug bool
	var flags *pflag.FlagSet = root.PersistentFlags()
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug-level logging (equivalent to DETOURX_DEBUG=1)")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if debug {
			os.Setenv("DETOURX_DEBUG", "1")
		}
	}

	root.AddCommand(demoCmd())
	root.AddCommand(listCmd())
	root.AddCommand(attachCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

