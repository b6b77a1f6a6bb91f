package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lpvalidation/services/analytics/internal/model"
)

const dateLayout = "2006-01-02"

func newReportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate and inspect metrics reports",
	}
	cmd.AddCommand(newReportGenerateCmd(a), newReportShowCmd(a), newReportHistoryCmd(a))
	return cmd
}

func newReportGenerateCmd(a *app) *cobra.Command {
	var (
		reportType string
		from       string
		to         string
		sessionIDs []string
		charts     bool
		format     string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate, save and print a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			end := time.Now().UTC()
			if to != "" {
				parsed, err := time.Parse(dateLayout, to)
				if err != nil {
					return fmt.Errorf("--to: %w", err)
				}
				end = parsed
			}
			start := end.AddDate(0, 0, -7)
			if from != "" {
				parsed, err := time.Parse(dateLayout, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				start = parsed
			}

			config := model.ReportConfig{
				Type:          model.ReportType(reportType),
				StartDate:     start,
				EndDate:       end,
				SessionIDs:    sessionIDs,
				IncludeCharts: charts,
				Format:        model.ReportFormat(format),
			}

			service, err := a.reportService()
			if err != nil {
				return err
			}
			report, err := service.GenerateReport(cmd.Context(), config)
			if err != nil {
				return err
			}
			if _, err := service.SaveReport(cmd.Context(), report); err != nil {
				return err
			}

			data, err := service.FormatReportOutput(report, config.Format)
			if err != nil {
				return err
			}
			return writeOutput(cmd, output, data)
		},
	}

	cmd.Flags().StringVar(&reportType, "type", string(model.ReportWeekly), "daily, weekly, monthly or custom")
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD), default 7 days before --to")
	cmd.Flags().StringVar(&to, "to", "", "end date (YYYY-MM-DD), default today")
	cmd.Flags().StringSliceVar(&sessionIDs, "session", nil, "limit to these session ids (repeatable)")
	cmd.Flags().BoolVar(&charts, "charts", false, "include chart series")
	cmd.Flags().StringVar(&format, "format", string(model.FormatJSON), "json, csv or pdf")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newReportShowCmd(a *app) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "show <report-id>",
		Short: "Render a saved report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := model.ValidateFormat(model.ReportFormat(format)); err != nil {
				return err
			}
			service, err := a.reportService()
			if err != nil {
				return err
			}
			report, err := service.GetReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := service.FormatReportOutput(report, model.ReportFormat(format))
			if err != nil {
				return err
			}
			return writeOutput(cmd, output, data)
		},
	}
	cmd.Flags().StringVar(&format, "format", string(model.FormatJSON), "json, csv or pdf")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newReportHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, err := a.reportService()
			if err != nil {
				return err
			}
			history, err := service.GetReportHistory(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(history)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tPERIOD\tSESSIONS\tCVR\tCPA")
			for _, report := range history {
				fmt.Fprintf(tw, "%s\t%s\t%s..%s\t%d\t%.1f%%\t¥%.0f\n",
					report.ID, report.Type,
					report.Period.Start.Format(dateLayout), report.Period.End.Format(dateLayout),
					report.Summary.TotalSessions, report.Summary.AverageCVR, report.Summary.AverageCPA)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of reports")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
