package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"seqlink/protocol"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), protocol.Version)
			return err
		},
	}
}
