package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"uniops/internal/app"
	"uniops/internal/storage"
	logx "uniops/pkg/logx"
)

var (
	asJSON   bool
	page     int
	pageSize int

	jobName    string
	jobEnabled string
	runJob     string
	runApp     string
	runStatus  string
	failLimit  int
	statsDay   string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List persisted job configs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := storage.JobFilter{NamePattern: jobName}
		switch jobEnabled {
		case "":
		case "true", "false":
			on := jobEnabled == "true"
			f.Enabled = &on
		default:
			return fmt.Errorf("--enabled must be true or false, got %q", jobEnabled)
		}
		return withInspector(cmd, func(in *app.Inspector) error {
			p, err := in.ListJobs(cmd.Context(), f, page, pageSize)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), p)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tKEY\tSCHEDULE\tENABLED\tMONITOR\tLAST FIRE\tNEXT FIRE")
			for _, c := range p.Items {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\t%s\n",
					c.ID, c.Key(), c.Spec(), c.Enabled, c.Monitor, stamp(c.LastFireAt), stamp(c.NextFireAt))
			}
			fmt.Fprintf(tw, "\npage %d/%d, %d total\n", p.Page, p.Pages, p.Total)
			return tw.Flush()
		})
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List run records, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := storage.RunFilter{JobKey: runJob, AppName: runApp, Status: storage.RunStatus(runStatus)}
		return withInspector(cmd, func(in *app.Inspector) error {
			p, err := in.ListRuns(cmd.Context(), f, page, pageSize)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), p)
			}
			tw := newTable(cmd.OutOrStdout())
			writeRuns(tw, p.Items)
			fmt.Fprintf(tw, "\npage %d/%d, %d total\n", p.Page, p.Pages, p.Total)
			return tw.Flush()
		})
	},
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show the most recent failed runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInspector(cmd, func(in *app.Inspector) error {
			runs, err := in.RecentFailures(cmd.Context(), failLimit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			tw := newTable(cmd.OutOrStdout())
			writeRuns(tw, runs)
			return tw.Flush()
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run totals and hourly counts for one day",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInspector(cmd, func(in *app.Inspector) error {
			day := time.Now().In(in.Location())
			if statsDay != "" {
				d, err := time.ParseInLocation("2006-01-02", statsDay, in.Location())
				if err != nil {
					return fmt.Errorf("--day: %w", err)
				}
				day = d
			}
			sum, err := in.Summary(cmd.Context())
			if err != nil {
				return err
			}
			hours, err := in.HourlyStats(cmd.Context(), day)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"summary": sum, "hourly": hours})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total %d, success %d, failed %d, running %d\n\n", sum.Total, sum.Success, sum.Failed, sum.Running)
			tw := newTable(out)
			fmt.Fprintln(tw, "HOUR\tTOTAL\tSUCCESS\tFAILED")
			for _, h := range hours {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", h.Start.Format("2006-01-02 15:04 MST"), h.Total, h.Success, h.Failed)
			}
			return tw.Flush()
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{jobsCmd, runsCmd, failuresCmd, statsCmd} {
		c.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	}
	for _, c := range []*cobra.Command{jobsCmd, runsCmd} {
		c.Flags().IntVar(&page, "page", 1, "page number, starting at 1")
		c.Flags().IntVar(&pageSize, "size", 20, "page size (max 500)")
	}
	jobsCmd.Flags().StringVar(&jobName, "name", "", "substring of owner or method")
	jobsCmd.Flags().StringVar(&jobEnabled, "enabled", "", "filter by enabled flag (true|false)")
	runsCmd.Flags().StringVar(&runJob, "job", "", "job key (owner.method)")
	runsCmd.Flags().StringVar(&runApp, "app", "", "application name")
	runsCmd.Flags().StringVar(&runStatus, "status", "", "RUNNING, SUCCESS or FAILED")
	failuresCmd.Flags().IntVar(&failLimit, "limit", 10, "number of failures")
	statsCmd.Flags().StringVar(&statsDay, "day", "", "calendar day as YYYY-MM-DD (default today)")
}

func withInspector(cmd *cobra.Command, fn func(*app.Inspector) error) error {
	in, err := app.OpenInspector(cmd.Context(), cfgPath, logx.Nop())
	if err != nil {
		return err
	}
	defer in.Close()
	return fn(in)
}

func writeRuns(w io.Writer, runs []storage.RunRecord) {
	fmt.Fprintln(w, "ID\tJOB\tTRIGGER\tSTARTED\tSTATUS\tDURATION\tTRACE\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.JobKey(), r.TriggerType, stamp(r.TriggerTime), r.Status,
			time.Duration(r.DurationMs)*time.Millisecond, r.TraceID, oneLine(r.ExceptionMsg, 80))
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
