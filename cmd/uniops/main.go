package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "uniops",
	Short: "Dynamic periodic-task scheduler",
	Long: `uniops runs periodic jobs whose schedules can be changed at runtime.

Commands:
  run       - Start the scheduler daemon
  validate  - Check a config file
  jobs      - List persisted job configs
  runs      - List run records
  failures  - Show the most recent failed runs
  stats     - Show run totals and hourly counts

Examples:
  uniops run -c /etc/uniops/uniops.yaml
  uniops jobs --name report
  uniops runs --job reports.nightly --page 2
  uniops stats --day 2026-03-01`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./uniops.yaml", "path to config (json or yaml)")
	rootCmd.AddCommand(runCmd, validateCmd, jobsCmd, runsCmd, failuresCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
