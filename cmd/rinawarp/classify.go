package main

import (
	"fmt"
	"strings"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/risk"
	"github.com/spf13/cobra"
)

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <command>...",
		Short: "Print the risk level of a shell command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			level := risk.Classify(command)
			fmt.Fprintln(cmd.OutOrStdout(), level)
			if desc, ok := risk.Description(command); ok {
				fmt.Fprintln(cmd.OutOrStdout(), desc)
			}
			if risk.RequiresConfirmation(level) {
				fmt.Fprintln(cmd.OutOrStdout(), "requires confirmation")
			}
			return nil
		},
	}
}
