package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lpvalidation/services/analytics/internal/config"
	"lpvalidation/services/analytics/internal/reports"
)

func newSchedulesCmd(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and run report schedules",
	}
	cmd.PersistentFlags().StringVar(&file, "file", "", "schedule file (default REPORT_SCHEDULES_FILE)")

	schedulePath := func() (string, error) {
		path := file
		if path == "" {
			path = a.cfg.ReportSchedulesFile
		}
		if path == "" {
			return "", fmt.Errorf("no schedule file: pass --file or set REPORT_SCHEDULES_FILE")
		}
		return path, nil
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules with their cron expressions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := schedulePath()
			if err != nil {
				return err
			}
			schedules, err := config.LoadSchedules(path)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tCRON\tRECIPIENTS\tSESSIONS")
			for _, schedule := range schedules {
				spec, err := reports.CronSpec(schedule)
				if err != nil {
					return err
				}
				sessions := "all"
				if len(schedule.SessionIDs) > 0 {
					sessions = strings.Join(schedule.SessionIDs, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", schedule.Name, schedule.Type, spec, len(schedule.Recipients), sessions)
			}
			return tw.Flush()
		},
	}

	run := &cobra.Command{
		Use:   "run [name...]",
		Short: "Generate and save scheduled reports now, without delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := schedulePath()
			if err != nil {
				return err
			}
			schedules, err := config.LoadSchedules(path)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				wanted := make(map[string]bool, len(args))
				for _, name := range args {
					wanted[name] = true
				}
				filtered := schedules[:0]
				for _, schedule := range schedules {
					if wanted[schedule.Name] {
						filtered = append(filtered, schedule)
					}
				}
				schedules = filtered
			}

			service, err := a.reportService()
			if err != nil {
				return err
			}
			results := service.RunSchedules(cmd.Context(), schedules, a.cfg.ScheduleConcurrency)
			failed := 0
			for i, result := range results {
				status := "ok"
				if !result.Success {
					status = "failed: " + result.Error
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", schedules[i].Name, result.ReportID, status)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d schedules failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.AddCommand(list, run)
	return cmd
}
