package main

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
)

// attachCmd exists to demonstrate the confirmation-prompt pattern detourx
// follows before any operation with a wide blast radius. detourx is
// in-process only — it patches already-loaded code in its own address
// space, it does not attach to other processes — so this subcommand
// refuses every PID except its own and never actually patches anything.
func attachCmd() *cobra.Command {
	var pid int

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Refuses to attach to another process (detourx is in-process only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid != 0 && pid != os.Getpid() {
				return fmt.Errorf("detourx only instruments its own process (pid %d); refusing pid %d", os.Getpid(), pid)
			}

			confirmed := false
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("Patch executable memory in process %d?", os.Getpid()),
				Default: false,
			}
			if err := survey.AskOne(prompt, &confirmed); err != nil {
				return fmt.Errorf("prompt: %w", err)
			}
			if !confirmed {
				fmt.Println("aborted")
				return nil
			}

			fmt.Println("use 'detourctl demo' to see an actual hook installed")
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "process id to attach to (only the current process's pid is accepted)")
	return cmd
}
