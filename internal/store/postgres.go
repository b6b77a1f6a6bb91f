package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lpvalidation/services/analytics/internal/model"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) SaveReport(ctx context.Context, report model.MetricsReport) (string, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	var id string
	err = p.pool.QueryRow(
		ctx,
		`INSERT INTO metrics_reports (id, report_type, period_start, period_end, generated_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET report_type = EXCLUDED.report_type,
		     period_start = EXCLUDED.period_start,
		     period_end = EXCLUDED.period_end,
		     generated_at = EXCLUDED.generated_at,
		     payload = EXCLUDED.payload
		 RETURNING id`,
		report.ID,
		string(report.Type),
		report.Period.Start,
		report.Period.End,
		report.GeneratedAt,
		payload,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) GetReport(ctx context.Context, id string) (model.MetricsReport, error) {
	var payload []byte
	err := p.pool.QueryRow(
		ctx,
		`SELECT payload FROM metrics_reports WHERE id = $1`,
		id,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MetricsReport{}, fmt.Errorf("report %s: %w", id, model.ErrReportNotFound)
		}
		return model.MetricsReport{}, err
	}
	return decodeReport(payload)
}

func (p *Postgres) ReportHistory(ctx context.Context, limit int) ([]model.MetricsReport, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT payload
		 FROM metrics_reports
		 ORDER BY generated_at DESC, id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]model.MetricsReport, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		report, err := decodeReport(payload)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return reports, nil
}

func (p *Postgres) SessionsByStatus(ctx context.Context, status string) ([]model.Session, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT
		   s.id,
		   s.name,
		   s.status,
		   COALESCE(SUM(m.sessions), 0),
		   COALESCE(SUM(m.conversions), 0),
		   COALESCE(SUM(m.revenue), 0),
		   COALESCE(SUM(m.cost), 0),
		   COALESCE(SUM(m.clicks), 0),
		   COALESCE(SUM(m.impressions), 0)
		 FROM lp_sessions s
		 LEFT JOIN lp_session_metrics m ON m.session_id = s.id
		 WHERE s.status = $1
		 GROUP BY s.id, s.name, s.status
		 ORDER BY s.id`,
		status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]model.Session, 0)
	for rows.Next() {
		var session model.Session
		if err := rows.Scan(
			&session.ID,
			&session.Name,
			&session.Status,
			&session.Sessions,
			&session.Conversions,
			&session.Revenue,
			&session.Cost,
			&session.Clicks,
			&session.Impressions,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return sessions, nil
}

func (p *Postgres) MetricsByDateRange(ctx context.Context, start, end time.Time, sessionIDs []string) ([]model.MetricSnapshot, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT m.session_id, s.name, m.metric_date,
		        m.sessions, m.conversions, m.revenue, m.cost, m.clicks, m.impressions
		 FROM lp_session_metrics m
		 JOIN lp_sessions s ON s.id = m.session_id
		 WHERE m.metric_date BETWEEN $1::date AND $2::date
		   AND (cardinality($3::text[]) = 0 OR m.session_id = ANY($3::text[]))
		 ORDER BY m.metric_date ASC, m.session_id ASC`,
		start.UTC().Format(dateLayout),
		end.UTC().Format(dateLayout),
		nonNil(sessionIDs),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]model.MetricSnapshot, 0)
	for rows.Next() {
		var (
			counters model.Counters
			date     time.Time
		)
		if err := rows.Scan(
			&counters.SessionID,
			&counters.SessionName,
			&date,
			&counters.Sessions,
			&counters.Conversions,
			&counters.Revenue,
			&counters.Cost,
			&counters.Clicks,
			&counters.Impressions,
		); err != nil {
			return nil, err
		}
		counters.Date = date.Format(dateLayout)
		snapshots = append(snapshots, counters.Snapshot())
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return snapshots, nil
}

func (p *Postgres) MonthlyAggregates(ctx context.Context, start, end time.Time, sessionIDs []string) ([]model.MetricSnapshot, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT m.session_id, s.name,
		        SUM(m.sessions), SUM(m.conversions), SUM(m.revenue), SUM(m.cost),
		        SUM(m.clicks), SUM(m.impressions)
		 FROM lp_session_metrics m
		 JOIN lp_sessions s ON s.id = m.session_id
		 WHERE m.metric_date BETWEEN $1::date AND $2::date
		   AND (cardinality($3::text[]) = 0 OR m.session_id = ANY($3::text[]))
		 GROUP BY m.session_id, s.name
		 ORDER BY m.session_id ASC`,
		start.UTC().Format(dateLayout),
		end.UTC().Format(dateLayout),
		nonNil(sessionIDs),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]model.MetricSnapshot, 0)
	for rows.Next() {
		var counters model.Counters
		if err := rows.Scan(
			&counters.SessionID,
			&counters.SessionName,
			&counters.Sessions,
			&counters.Conversions,
			&counters.Revenue,
			&counters.Cost,
			&counters.Clicks,
			&counters.Impressions,
		); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, counters.Snapshot())
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return snapshots, nil
}

// RealTimeMetrics aggregates the active sessions over the trailing day.
func (p *Postgres) RealTimeMetrics(ctx context.Context) (model.RealTimeMetrics, error) {
	var active int64
	if err := p.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM lp_sessions WHERE status = 'active'`,
	).Scan(&active); err != nil {
		return model.RealTimeMetrics{}, err
	}

	rows, err := p.pool.Query(
		ctx,
		`SELECT m.session_id, s.name,
		        SUM(m.sessions), SUM(m.conversions), SUM(m.revenue), SUM(m.cost),
		        SUM(m.clicks), SUM(m.impressions)
		 FROM lp_session_metrics m
		 JOIN lp_sessions s ON s.id = m.session_id
		 WHERE s.status = 'active'
		   AND m.recorded_at >= NOW() - INTERVAL '24 hours'
		 GROUP BY m.session_id, s.name`,
	)
	if err != nil {
		return model.RealTimeMetrics{}, err
	}
	defer rows.Close()

	counters := make([]model.Counters, 0)
	for rows.Next() {
		var row model.Counters
		if err := rows.Scan(
			&row.SessionID,
			&row.SessionName,
			&row.Sessions,
			&row.Conversions,
			&row.Revenue,
			&row.Cost,
			&row.Clicks,
			&row.Impressions,
		); err != nil {
			return model.RealTimeMetrics{}, err
		}
		counters = append(counters, row)
	}

	if rows.Err() != nil {
		return model.RealTimeMetrics{}, rows.Err()
	}

	return model.SummarizeRealTime(counters, active), nil
}

// UpsertDailyMetrics records one day of counters per session, creating the
// session row when it is new.
func (p *Postgres) UpsertDailyMetrics(ctx context.Context, rows []model.Counters) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO lp_sessions (id, name)
			 VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE
			 SET name = CASE WHEN EXCLUDED.name = '' THEN lp_sessions.name ELSE EXCLUDED.name END`,
			row.SessionID,
			row.SessionName,
		); err != nil {
			return err
		}

		if _, err := tx.Exec(
			ctx,
			`INSERT INTO lp_session_metrics
			   (session_id, metric_date, sessions, conversions, revenue, cost, clicks, impressions)
			 VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (session_id, metric_date) DO UPDATE
			 SET sessions = EXCLUDED.sessions,
			     conversions = EXCLUDED.conversions,
			     revenue = EXCLUDED.revenue,
			     cost = EXCLUDED.cost,
			     clicks = EXCLUDED.clicks,
			     impressions = EXCLUDED.impressions,
			     recorded_at = NOW()`,
			row.SessionID,
			row.Date,
			row.Sessions,
			row.Conversions,
			row.Revenue,
			row.Cost,
			row.Clicks,
			row.Impressions,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
