package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStreamCmd(a *app) *cobra.Command {
	var fromCurrent, simulate bool

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream the configured sequence, paced by the device",
		Long: "Opens the port, waits for the board to boot and streams the configured sequence.\n" +
			"Type p to pause, r to resume, s for status and q to stop.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSession(cmd, simulate,
				func(s *session) error {
					return s.engine.StartStream(s.seq, fromCurrent)
				},
				streamInput,
			)
		},
	}
	cmd.Flags().BoolVar(&fromCurrent, "from-current", false, "start at the sequence cursor instead of the first point")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "talk to an in-memory device instead of the serial port")
	return cmd
}

func streamInput(s *session, line string) (bool, error) {
	switch line {
	case "p", "pause":
		return false, s.engine.Pause()
	case "r", "resume":
		return false, s.engine.Resume()
	case "s", "status":
		return false, s.printStatus()
	case "q", "quit", "stop":
		// The stream-stopped event ends the run
		return false, s.engine.Stop()
	default:
		return false, fmt.Errorf("unknown input %q (p, r, s or q)", line)
	}
}
