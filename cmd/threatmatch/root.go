package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatmatch/common/logging"
	"github.com/telhawk-systems/threatmatch/internal/config"
	"github.com/telhawk-systems/threatmatch/internal/output"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfgFile  string
	logLevel string

	cfg     *config.Config
	logger  *logging.Logger
	printer *output.Printer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "threatmatch",
		Short: "TelHawk threat indicator match engine",
		Long: `threatmatch correlates threat intelligence indicators with security events.

It loads indicators from threat-intel indices, streams events page by page,
and reports every event that carries an indicator's observable.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: $THREATMATCH_CONFIG_DIR/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newScanCmd(a),
		newRulesCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	a.printer = output.New(cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		a.printer.Error("%v", err)
		return err
	}
	a.cfg = cfg

	level := cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	a.logger = logging.NewWithWriter(os.Stderr, logging.ParseLevel(level), cfg.Logging.Format)
	logging.SetDefault(a.logger)
	return nil
}

// fail prints err and returns it so cobra exits non-zero.
func (a *app) fail(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	a.printer.Error("%v", err)
	return err
}
