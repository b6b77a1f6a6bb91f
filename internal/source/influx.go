// Package source reads experiment metrics from an InfluxDB bucket. Points
// live in the lp_metrics measurement, tagged by session_id, session_name and
// status, with one field per counter.
package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/model"
)

const (
	Measurement     = "lp_metrics"
	defaultLookback = 90 * 24 * time.Hour
)

var counterFields = []string{"sessions", "conversions", "revenue", "cost", "clicks", "impressions"}

type InfluxConfig struct {
	URL      string
	Token    string
	Org      string
	Bucket   string
	Lookback time.Duration
}

type Influx struct {
	client   influxdb2.Client
	query    api.QueryAPI
	write    api.WriteAPIBlocking
	bucket   string
	lookback time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewInflux(cfg InfluxConfig, logger *zap.Logger) (*Influx, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb configuration incomplete")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client:   client,
		query:    client.QueryAPI(cfg.Org),
		write:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		lookback: lookback,
		now:      time.Now,
		logger:   logger,
	}, nil
}

func (i *Influx) Close() {
	i.client.Close()
}

func (i *Influx) Health(ctx context.Context) error {
	ok, err := i.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influxdb ping failed")
	}
	return nil
}

func (i *Influx) SessionsByStatus(ctx context.Context, status string) ([]model.Session, error) {
	end := i.now().UTC()
	flux := totalsQuery(i.bucket, end.Add(-i.lookback), end, nil, status)

	rows, err := i.run(ctx, flux)
	if err != nil {
		return nil, err
	}

	sessions := make([]model.Session, 0, len(rows))
	for _, values := range rows {
		counters := decodeCounters(values)
		sessions = append(sessions, model.Session{
			ID:          counters.SessionID,
			Name:        counters.SessionName,
			Status:      status,
			Sessions:    counters.Sessions,
			Conversions: counters.Conversions,
			Revenue:     counters.Revenue,
			Cost:        counters.Cost,
			Clicks:      counters.Clicks,
			Impressions: counters.Impressions,
		})
	}
	return sessions, nil
}

func (i *Influx) MetricsByDateRange(ctx context.Context, start, end time.Time, sessionIDs []string) ([]model.MetricSnapshot, error) {
	rows, err := i.run(ctx, dailyQuery(i.bucket, start, end, sessionIDs))
	if err != nil {
		return nil, err
	}

	snapshots := make([]model.MetricSnapshot, 0, len(rows))
	for _, values := range rows {
		snapshots = append(snapshots, decodeCounters(values).Snapshot())
	}
	return snapshots, nil
}

func (i *Influx) MonthlyAggregates(ctx context.Context, start, end time.Time, sessionIDs []string) ([]model.MetricSnapshot, error) {
	rows, err := i.run(ctx, totalsQuery(i.bucket, start, end, sessionIDs, ""))
	if err != nil {
		return nil, err
	}

	snapshots := make([]model.MetricSnapshot, 0, len(rows))
	for _, values := range rows {
		counters := decodeCounters(values)
		counters.Date = ""
		snapshots = append(snapshots, counters.Snapshot())
	}
	return snapshots, nil
}

func (i *Influx) RealTimeMetrics(ctx context.Context) (model.RealTimeMetrics, error) {
	active, err := i.SessionsByStatus(ctx, "active")
	if err != nil {
		return model.RealTimeMetrics{}, err
	}

	end := i.now().UTC()
	rows, err := i.run(ctx, totalsQuery(i.bucket, end.Add(-24*time.Hour), end, nil, "active"))
	if err != nil {
		return model.RealTimeMetrics{}, err
	}

	counters := make([]model.Counters, 0, len(rows))
	for _, values := range rows {
		counters = append(counters, decodeCounters(values))
	}
	return model.SummarizeRealTime(counters, int64(len(active))), nil
}

// WriteDailyMetrics stores one point per row at midnight UTC of its date.
func (i *Influx) WriteDailyMetrics(ctx context.Context, rows []model.Counters, status string) error {
	if status == "" {
		status = "active"
	}
	for _, row := range rows {
		day, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			return fmt.Errorf("metrics row %s: %w", row.SessionID, err)
		}
		point := influxdb2.NewPoint(
			Measurement,
			map[string]string{
				"session_id":   row.SessionID,
				"session_name": row.SessionName,
				"status":       status,
			},
			map[string]interface{}{
				"sessions":    row.Sessions,
				"conversions": row.Conversions,
				"revenue":     row.Revenue,
				"cost":        row.Cost,
				"clicks":      row.Clicks,
				"impressions": row.Impressions,
			},
			day,
		)
		if err := i.write.WritePoint(ctx, point); err != nil {
			return fmt.Errorf("write metrics point: %w", err)
		}
	}
	return nil
}

func (i *Influx) run(ctx context.Context, flux string) ([]map[string]interface{}, error) {
	result, err := i.query.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influxdb query failed: %w", err)
	}
	defer result.Close()

	rows := make([]map[string]interface{}, 0)
	for result.Next() {
		record := result.Record()
		values := record.Values()
		if _, ok := values["_time"]; ok {
			values["date"] = record.Time().UTC().Format("2006-01-02")
		}
		rows = append(rows, values)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading influxdb results: %w", result.Err())
	}

	i.logger.Debug("influxdb query completed", zap.Int("rows", len(rows)))
	return rows, nil
}

func dailyQuery(bucket string, start, end time.Time, sessionIDs []string) string {
	var b strings.Builder
	writeSelection(&b, bucket, start, end, sessionIDs, "")
	b.WriteString(`  |> aggregateWindow(every: 1d, fn: sum, createEmpty: false, timeSrc: "_start")` + "\n")
	b.WriteString(`  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")` + "\n")
	b.WriteString(`  |> group()` + "\n")
	b.WriteString(`  |> sort(columns: ["_time", "session_id"])` + "\n")
	return b.String()
}

func totalsQuery(bucket string, start, end time.Time, sessionIDs []string, status string) string {
	var b strings.Builder
	writeSelection(&b, bucket, start, end, sessionIDs, status)
	b.WriteString(`  |> group(columns: ["session_id", "session_name", "_field"])` + "\n")
	b.WriteString(`  |> sum()` + "\n")
	b.WriteString(`  |> pivot(rowKey: ["session_id", "session_name"], columnKey: ["_field"], valueColumn: "_value")` + "\n")
	b.WriteString(`  |> group()` + "\n")
	b.WriteString(`  |> sort(columns: ["session_id"])` + "\n")
	return b.String()
}

// writeSelection emits the shared range and filter steps. The range stop is
// exclusive, so it is pushed one millisecond past end.
func writeSelection(b *strings.Builder, bucket string, start, end time.Time, sessionIDs []string, status string) {
	fmt.Fprintf(b, "from(bucket: %s)\n", strconv.Quote(bucket))
	fmt.Fprintf(b, "  |> range(start: %s, stop: %s)\n",
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Add(time.Millisecond).Format(time.RFC3339Nano))
	fmt.Fprintf(b, "  |> filter(fn: (r) => r._measurement == %s)\n", strconv.Quote(Measurement))

	fields := make([]string, len(counterFields))
	for i, field := range counterFields {
		fields[i] = "r._field == " + strconv.Quote(field)
	}
	fmt.Fprintf(b, "  |> filter(fn: (r) => %s)\n", strings.Join(fields, " or "))

	if status != "" {
		fmt.Fprintf(b, "  |> filter(fn: (r) => r.status == %s)\n", strconv.Quote(status))
	}
	if len(sessionIDs) > 0 {
		clauses := make([]string, len(sessionIDs))
		for i, id := range sessionIDs {
			clauses[i] = "r.session_id == " + strconv.Quote(id)
		}
		fmt.Fprintf(b, "  |> filter(fn: (r) => %s)\n", strings.Join(clauses, " or "))
	}
}

func decodeCounters(values map[string]interface{}) model.Counters {
	return model.Counters{
		SessionID:   stringValue(values["session_id"]),
		SessionName: stringValue(values["session_name"]),
		Date:        stringValue(values["date"]),
		Sessions:    intValue(values["sessions"]),
		Conversions: intValue(values["conversions"]),
		Revenue:     floatValue(values["revenue"]),
		Cost:        floatValue(values["cost"]),
		Clicks:      intValue(values["clicks"]),
		Impressions: intValue(values["impressions"]),
	}
}

func stringValue(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

func floatValue(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return model.Finite(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return 0
	}
}

func intValue(value interface{}) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(model.Round(v, 0))
	default:
		return 0
	}
}
