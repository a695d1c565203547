package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newImmediateCmd(a *app) *cobra.Command {
	var simulate bool

	cmd := &cobra.Command{
		Use:   "immediate",
		Short: "Send the selected point whenever the selection changes",
		Long: "Opens the port and starts immediate mode. Each input line is a point index to\n" +
			"select; s prints the status and q stops.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSession(cmd, simulate,
				func(s *session) error {
					return s.engine.StartImmediate(s.seq)
				},
				immediateInput,
			)
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "talk to an in-memory device instead of the serial port")
	return cmd
}

func immediateInput(s *session, line string) (bool, error) {
	switch line {
	case "s", "status":
		return false, s.printStatus()
	case "q", "quit", "stop":
		// Immediate mode raises no stream-stopped event
		return true, s.engine.Stop()
	}

	idx, err := strconv.Atoi(line)
	if err != nil {
		return false, fmt.Errorf("expected a point index, s or q, got %q", line)
	}
	return false, s.seq.SetCursor(idx)
}
