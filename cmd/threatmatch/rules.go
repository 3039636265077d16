package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatmatch/internal/output"
)

func newRulesCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List configured rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := a.cfg.Rules
			handled, err := a.printer.Structured(format, rules)
			if err != nil {
				return a.fail("%v", err)
			}
			if handled {
				return nil
			}

			table := output.NewTable([]string{"NAME", "ENABLED", "STRATEGY", "THREAT INDEX", "EVENTS INDEX", "LOOKBACK", "CONCURRENCY"})
			for _, r := range rules {
				lookback := r.Lookback.String()
				if r.Lookback < 0 {
					lookback = "all"
				}
				table.AddRow([]string{
					r.Name,
					strconv.FormatBool(!r.Disabled),
					r.Strategy,
					strings.Join(r.ThreatIndex, ","),
					strings.Join(r.EventsIndex, ","),
					lookback,
					strconv.Itoa(r.Concurrency),
				})
			}
			a.printer.Render(table)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", output.FormatTable, "output format (table, json, yaml)")
	return cmd
}
