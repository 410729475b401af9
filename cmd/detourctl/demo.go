package main

import (
	"fmt"

	"github.com/hexwrap/detourx/detour"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

//go:noinline
func add5(x int) int { return x + 5 }

//go:noinline
func add10(x int) int { return x + 10 }

// demoCmd runs a basic hook/trampoline/unhook cycle in-process and prints
// a table of before/after/trampoline results.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Hook add5 with add10 in-process and show before/after/trampoline results",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := detour.Hook(add5, add10, detour.Options{})
			if err != nil {
				return fmt.Errorf("constructing detour: %w", err)
			}
			defer h.Close()

			before := add5(1)

			if err := h.Enable(); err != nil {
				return fmt.Errorf("enabling detour: %w", err)
			}
			after := add5(1)
			tramp := h.Trampoline()
			viaTrampoline := tramp(1)

			if err := h.Disable(); err != nil {
				return fmt.Errorf("disabling detour: %w", err)
			}
			restored := add5(1)

			tw := table.NewWriter()
			tw.AppendHeader(table.Row{"Call", "Result"})
			tw.AppendRow(table.Row{"add5(1) before enable", before})
			tw.AppendRow(table.Row{"add5(1) after enable (redirected to add10)", after})
			tw.AppendRow(table.Row{"trampoline(1) while enabled", viaTrampoline})
			tw.AppendRow(table.Row{"add5(1) after disable", restored})
			fmt.Println(tw.Render())
			return nil
		},
	}
}
