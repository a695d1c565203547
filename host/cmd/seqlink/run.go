package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"seqlink/host/engine"
	"seqlink/host/sequence"
	"seqlink/host/serial"
)

const simGreeting = "seqlink simulator"

// session is one CLI run of the engine against the configured sequence
type session struct {
	cmd    *cobra.Command
	engine *engine.Engine
	seq    *sequence.Sequence
}

// lineHandler reacts to one line of operator input; done ends the run
type lineHandler func(s *session, line string) (done bool, err error)

// runSession opens the port, calls start and then services engine events
// and stdin lines until the session stops, input asks to quit or the
// process is interrupted
func (a *app) runSession(cmd *cobra.Command, simulate bool, start func(s *session) error, handle lineHandler) error {
	seq, err := a.cfg.Sequence.Build()
	if err != nil {
		return fmt.Errorf("no usable sequence in config: %w", err)
	}

	opts := []engine.Option{engine.WithLogger(a.logger)}
	if simulate {
		sim := serial.NewSimPort(serial.SimConfig{AutoPlay: true, Greeting: simGreeting})
		opts = append(opts, engine.WithOpener(serial.OpenSim(sim)))
	}

	e := engine.New(engine.Config{
		BootDelay:    a.cfg.Engine.BootDelay,
		EventBuffer:  a.cfg.Engine.EventBuffer,
		WriteRetries: a.cfg.Engine.WriteRetries,
	}, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		<-e.Done()
	}()
	go func() { _ = e.Run(runCtx) }()

	if err := e.Open(a.cfg.SerialPortConfig()); err != nil {
		return err
	}

	s := &session{cmd: cmd, engine: e, seq: seq}
	if err := start(s); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case ev := <-e.Events():
			fmt.Fprintln(out, ev.String())
			if ev.Kind == engine.EventStreamStopped {
				return nil
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			done, err := handle(s, line)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
			}
			if done {
				return nil
			}

		case <-ctx.Done():
			a.logger.Info().Msg("interrupted")
			return nil
		}
	}
}

// readLines forwards trimmed non-empty lines from r until EOF
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				lines <- line
			}
		}
	}()
	return lines
}

func (s *session) printStatus() error {
	st, err := s.engine.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.cmd.OutOrStdout(), "mode=%s paused=%t queue_full=%t boot_pending=%t cursor=%d/%d\n",
		st.Mode, st.Paused, st.QueueFull, st.BootPending, st.Cursor, st.Length)
	return nil
}
