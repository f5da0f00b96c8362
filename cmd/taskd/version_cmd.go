package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/taskd/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the taskd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "taskd %s\n", version.Current())
			return err
		},
	}
}
