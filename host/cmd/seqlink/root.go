package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"seqlink/host/config"
	"seqlink/host/logging"
)

const envPrefix = "SEQLINK"

// app carries the resolved settings to the subcommands
type app struct {
	v      *viper.Viper
	cfg    config.Config
	logger zerolog.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "seqlink",
		Short:         "Stream point sequences to a serial device",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New("seqlink", logging.Config{
				Level:   cfg.Log.Level,
				NoColor: cfg.Log.NoColor,
				Out:     cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	cmd.SetOut(out)

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (.toml, .yaml or .yml)")
	flags.String("device", "", "serial device path")
	flags.Int("baud", 0, "baud rate")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error, disabled")
	flags.Bool("no-color", false, "disable colored log output")
	for _, name := range []string{"config", "device", "baud", "log-level", "no-color"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd.AddCommand(
		newVersionCmd(),
		newPortsCmd(),
		newStreamCmd(a),
		newImmediateCmd(a),
	)
	return cmd
}

// resolveConfig loads the config file, if any, and applies flag and
// SEQLINK_* environment overrides on top
func resolveConfig(v *viper.Viper) (config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if v.IsSet("device") && v.GetString("device") != "" {
		cfg.Serial.Device = v.GetString("device")
	}
	if v.IsSet("baud") && v.GetInt("baud") != 0 {
		cfg.Serial.Baud = v.GetInt("baud")
	}
	if v.IsSet("log-level") && v.GetString("log-level") != "" {
		cfg.Log.Level = v.GetString("log-level")
	}
	if v.GetBool("no-color") {
		cfg.Log.NoColor = true
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid settings: %w", err)
	}
	return cfg, nil
}
