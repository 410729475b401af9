package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/hexwrap/detourx/detour"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List this process's currently constructed detours",
		RunE: func(cmd *cobra.Command, args []string) error {
			handles := detour.Installed()
			if len(handles) == 0 {
				fmt.Println(color.YellowString("no detours constructed in this process"))
				return nil
			}

			tw := table.NewWriter()
			tw.AppendHeader(table.Row{"ID", "Target", "Trampoline", "Enabled"})
			for _, h := range handles {
				state := color.GreenString("yes")
				if !h.IsEnabled() {
					state = color.RedString("no")
				}
				tw.AppendRow(table.Row{
					h.ID().String(),
					fmt.Sprintf("0x%x", h.Target()),
					fmt.Sprintf("0x%x", h.TrampolineAddress()),
					state,
				})
			}
			fmt.Println(tw.Render())
			return nil
		},
	}
}
