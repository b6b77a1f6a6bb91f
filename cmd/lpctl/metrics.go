package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lpvalidation/services/analytics/internal/model"
	"lpvalidation/services/analytics/internal/source"
)

var importColumns = []string{"session_id", "session_name", "date", "sessions", "conversions", "revenue", "cost", "clicks", "impressions"}

func newMetricsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Manage the local metrics store",
	}

	var toInflux bool
	importCmd := &cobra.Command{
		Use:   "import <daily.csv>",
		Short: "Import daily session counters from CSV",
		Long:  "Import daily session counters. The CSV header must be: " + strings.Join(importColumns, ","),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			rows, err := parseDailyCSV(file)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			db, err := a.store()
			if err != nil {
				return err
			}
			if err := db.UpsertDailyMetrics(cmd.Context(), rows); err != nil {
				return err
			}

			if toInflux {
				influx, err := source.NewInflux(source.InfluxConfig{
					URL:    a.cfg.InfluxURL,
					Token:  a.cfg.InfluxToken,
					Org:    a.cfg.InfluxOrg,
					Bucket: a.cfg.InfluxBucket,
				}, a.logger)
				if err != nil {
					return err
				}
				defer influx.Close()
				if err := influx.WriteDailyMetrics(cmd.Context(), rows, "active"); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rows\n", len(rows))
			return nil
		},
	}
	importCmd.Flags().BoolVar(&toInflux, "influx", false, "also write the rows to InfluxDB")

	status := &cobra.Command{
		Use:   "status <session-id> <status>",
		Short: "Set a session's lifecycle status (active, paused, completed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.store()
			if err != nil {
				return err
			}
			return db.SetSessionStatus(cmd.Context(), args[0], args[1])
		},
	}

	realtime := &cobra.Command{
		Use:   "realtime",
		Short: "Show live metrics across active sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, err := a.reportService()
			if err != nil {
				return err
			}
			metrics, err := service.GetRealTimeMetrics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, metrics)
		},
	}

	cmd.AddCommand(importCmd, status, realtime)
	return cmd
}

func parseDailyCSV(r io.Reader) ([]model.Counters, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(importColumns)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, column := range importColumns {
		if strings.TrimSpace(header[i]) != column {
			return nil, fmt.Errorf("column %d: expected %q, got %q", i+1, column, header[i])
		}
	}

	rows := make([]model.Counters, 0)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row, err := parseDailyRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseDailyRecord(record []string) (model.Counters, error) {
	row := model.Counters{
		SessionID:   strings.TrimSpace(record[0]),
		SessionName: strings.TrimSpace(record[1]),
		Date:        strings.TrimSpace(record[2]),
	}
	if row.SessionID == "" {
		return row, errors.New("session_id is required")
	}
	if _, err := time.Parse(dateLayout, row.Date); err != nil {
		return row, fmt.Errorf("date: %w", err)
	}

	ints := []*int64{&row.Sessions, &row.Conversions, nil, nil, &row.Clicks, &row.Impressions}
	floats := []*float64{nil, nil, &row.Revenue, &row.Cost, nil, nil}
	for i, raw := range record[3:] {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		column := importColumns[i+3]
		if ints[i] != nil {
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || value < 0 {
				return row, fmt.Errorf("%s: invalid count %q", column, raw)
			}
			*ints[i] = value
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 {
			return row, fmt.Errorf("%s: invalid amount %q", column, raw)
		}
		*floats[i] = value
	}
	return row, nil
}
