package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"pwnlink/agent/internal/config"
	"pwnlink/agent/internal/logging"
)

type app struct {
	v      *viper.Viper
	cfg    config.Config
	logger *zap.Logger
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"config":    "PWNLINK_CONFIG",
	"host":      "DEVICE_HOST",
	"local-dir": "LOCAL_DIR",
	"log-level": "LOG_LEVEL",
	"log-file":  "LOG_FILE",
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "pwnlink",
		Short:         "Companion agent for a pwnagotchi: connectivity, capture sync and records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Flags())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logging.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a config file (env: PWNLINK_CONFIG)")
	flags.String("host", "", "device host name or address (env: DEVICE_HOST)")
	flags.String("local-dir", "", "local capture directory (env: LOCAL_DIR)")
	flags.String("log-level", "", "debug, info, warn or error (env: LOG_LEVEL)")
	flags.String("log-file", "", "also write logs to this rotated file (env: LOG_FILE)")

	root.AddCommand(
		newServeCmd(a),
		newSyncCmd(a),
		newRecordsCmd(a),
		newProbeCmd(a),
	)
	return root
}

func (a *app) init(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			if err := a.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg, err := config.LoadViper(a.v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	a.logger = logging.L()
	return nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
